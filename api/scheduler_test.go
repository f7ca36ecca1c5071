package api

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fiado-engine/ledger"
	"github.com/warp/fiado-engine/ledger/store"
)

type failingVerifier struct{}

func (failingVerifier) VerifyBalances(context.Context) ([]ledger.BalanceDrift, error) {
	return nil, errors.New("store offline")
}

func TestScheduler_RunOnceReportsDrift(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	orch := ledger.NewOrchestrator(s, ledger.Config{Logger: zerolog.Nop()})
	c, err := orch.OpenClient(ctx, ledger.Client{Nome: "Maria"}, ledger.MustMoney("10.00"), ledger.Actor{ID: "t"})
	require.NoError(t, err)

	sched := NewBalanceAuditScheduler(ledger.NewReporter(s), zerolog.Nop())
	assert.Nil(t, sched.LastRun())

	// clean books
	run := sched.RunOnce(ctx)
	require.NoError(t, run.Err)
	assert.Empty(t, run.Drifts)

	// GIVEN: a balance edited outside the engine
	_, err = s.AdjustFiado(ctx, c.ID, ledger.MustMoney("2.50"))
	require.NoError(t, err)

	// WHEN
	run = sched.RunOnce(ctx)

	// THEN
	require.NoError(t, run.Err)
	require.Len(t, run.Drifts, 1)
	assert.Equal(t, "2.50", run.Drifts[0].Difference().String())

	last := sched.LastRun()
	require.NotNil(t, last)
	assert.Len(t, last.Drifts, 1)
}

type countingVerifier struct {
	runs atomic.Int64
}

func (v *countingVerifier) VerifyBalances(context.Context) ([]ledger.BalanceDrift, error) {
	v.runs.Add(1)
	return nil, nil
}

func TestScheduler_RestartKeepsTicking(t *testing.T) {
	verifier := &countingVerifier{}
	sched := NewBalanceAuditScheduler(verifier, zerolog.Nop())
	sched.CheckInterval = 5 * time.Millisecond

	// GIVEN: a scheduler that was started and stopped
	sched.Start()
	sched.Stop()
	afterStop := verifier.runs.Load()

	// WHEN: it is started again
	sched.Start()
	defer sched.Stop()

	// THEN: the ticker keeps driving passes, not just the immediate one
	assert.Eventually(t, func() bool {
		return verifier.runs.Load() >= afterStop+4
	}, 2*time.Second, 5*time.Millisecond)
}

func TestScheduler_RecordsVerifierError(t *testing.T) {
	sched := NewBalanceAuditScheduler(failingVerifier{}, zerolog.Nop())

	run := sched.RunOnce(context.Background())

	assert.Error(t, run.Err)
	require.NotNil(t, sched.LastRun())
	assert.Error(t, sched.LastRun().Err)
}

func TestScheduler_StartRunsImmediatelyAndStops(t *testing.T) {
	sched := NewBalanceAuditScheduler(ledger.NewReporter(store.NewMemory()), zerolog.Nop())
	sched.CheckInterval = time.Hour

	sched.Start()
	sched.Start() // second start is a no-op
	sched.Stop()
	sched.Stop()

	require.NotNil(t, sched.LastRun())
	assert.NoError(t, sched.LastRun().Err)
}

func TestScheduler_ZeroIntervalDisables(t *testing.T) {
	sched := NewBalanceAuditScheduler(ledger.NewReporter(store.NewMemory()), zerolog.Nop())
	sched.CheckInterval = 0

	sched.Start()
	sched.Stop()

	assert.Nil(t, sched.LastRun())
}
