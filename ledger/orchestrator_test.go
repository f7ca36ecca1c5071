package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fiado-engine/ledger"
	"github.com/warp/fiado-engine/ledger/store"
	"github.com/warp/fiado-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var clerk = ledger.Actor{ID: "caixa-1"}

// stores returns a fresh instance of every store implementation.
func stores(t *testing.T) map[string]ledger.Store {
	t.Helper()
	sq, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	return map[string]ledger.Store{
		"memory": store.NewMemory(),
		"sqlite": sq,
	}
}

func newOrchestrator(s ledger.Store) *ledger.Orchestrator {
	return ledger.NewOrchestrator(s, ledger.Config{Logger: zerolog.Nop()})
}

func money(s string) ledger.Money {
	m, err := ledger.ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

func seedProduct(t *testing.T, s ledger.Store, nome, preco string, estoque int) ledger.ProductID {
	t.Helper()
	p, err := s.CreateProduct(context.Background(), ledger.Product{
		Nome:    nome,
		Preco:   money(preco),
		Estoque: estoque,
	})
	require.NoError(t, err)
	return p.ID
}

func seedClient(t *testing.T, o *ledger.Orchestrator, nome string) ledger.ClientID {
	t.Helper()
	c, err := o.OpenClient(context.Background(), ledger.Client{Nome: nome}, ledger.Zero, clerk)
	require.NoError(t, err)
	return c.ID
}

func itemized(cliente *ledger.ClientID, lines ...ledger.LineRequest) ledger.SaleRequest {
	return ledger.SaleRequest{
		ClienteID: cliente,
		Body:      ledger.ItemizedSale{Lines: lines},
		Actor:     clerk,
	}
}

func flat(cliente ledger.ClientID, valor string) ledger.SaleRequest {
	return ledger.SaleRequest{
		ClienteID: &cliente,
		Body:      ledger.FlatCreditSale{Valor: money(valor)},
		Actor:     clerk,
	}
}

func line(id ledger.ProductID, qty int) ledger.LineRequest {
	return ledger.LineRequest{ProdutoID: id, Quantidade: qty}
}

func fiadoOf(t *testing.T, s ledger.Store, id ledger.ClientID) string {
	t.Helper()
	c, err := s.GetClient(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, c)
	return c.Fiado.String()
}

func stockOf(t *testing.T, s ledger.Store, id ledger.ProductID) int {
	t.Helper()
	p, err := s.GetProduct(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, p)
	return p.Estoque
}

func assertNoDrift(t *testing.T, s ledger.Store) {
	t.Helper()
	drifts, err := ledger.NewReporter(s).VerifyBalances(context.Background())
	require.NoError(t, err)
	assert.Empty(t, drifts, "fiado must equal the sum of open sales")
}

// faultyStore wraps the memory store and fails selected operations.
type faultyStore struct {
	*store.Memory
	failInsert     error
	failTransition error
	blockInsert    bool
}

func (f *faultyStore) InsertSale(ctx context.Context, s ledger.Sale) (*ledger.Sale, error) {
	if f.blockInsert {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.failInsert != nil {
		return nil, f.failInsert
	}
	return f.Memory.InsertSale(ctx, s)
}

func (f *faultyStore) TransitionSale(ctx context.Context, t ledger.SaleTransition) error {
	if f.failTransition != nil {
		return f.failTransition
	}
	return f.Memory.TransitionSale(ctx, t)
}

// recordingPublisher keeps the routing keys of published events.
type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
	fail error
}

func (p *recordingPublisher) Publish(_ context.Context, exchange, routingKey string, body any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, routingKey)
	return p.fail
}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestScenarioA_CreditSaleReservesStockAndChargesClient(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			o := newOrchestrator(s)

			// GIVEN: P with estoque=5 and a client with no balance
			p := seedProduct(t, s, "Arroz", "7.50", 5)
			c := seedClient(t, o, "Maria")

			// WHEN: 3×P is sold on credit
			sale, err := o.CreateSale(ctx, itemized(&c, line(p, 3)))

			// THEN: stock drops to 2 and the client owes 3×preco
			require.NoError(t, err)
			assert.Equal(t, ledger.StatusOpen, sale.Status)
			assert.Equal(t, "22.50", sale.Total.String())
			require.Len(t, sale.Lines, 1)
			assert.Equal(t, "Arroz", sale.Lines[0].ProdutoNome)
			assert.Equal(t, "7.50", sale.Lines[0].PrecoUnitario.String())
			assert.Equal(t, 2, stockOf(t, s, p))
			assert.Equal(t, "22.50", fiadoOf(t, s, c))
			assertNoDrift(t, s)
		})
	}
}

func TestScenarioB_InsufficientStockLeavesBooksUnchanged(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			o := newOrchestrator(s)

			// GIVEN: P already down to estoque=2 after a first sale
			p := seedProduct(t, s, "Arroz", "7.50", 5)
			c := seedClient(t, o, "Maria")
			_, err := o.CreateSale(ctx, itemized(&c, line(p, 3)))
			require.NoError(t, err)

			// WHEN: another 3×P is requested
			_, err = o.CreateSale(ctx, itemized(&c, line(p, 3)))

			// THEN: it fails naming P, 3 requested, 2 available
			require.Error(t, err)
			var stockErr *ledger.InsufficientStockError
			require.ErrorAs(t, err, &stockErr)
			assert.Equal(t, p, stockErr.ProdutoID)
			assert.Equal(t, 3, stockErr.Requested)
			assert.Equal(t, 2, stockErr.Available)
			assert.Equal(t, 1, stockErr.Shortfall())

			var saleErr *ledger.SaleError
			require.ErrorAs(t, err, &saleErr)
			assert.Equal(t, ledger.StageReservingStock, saleErr.Stage)
			assert.True(t, ledger.IsClientError(err))

			// AND: nothing moved
			assert.Equal(t, 2, stockOf(t, s, p))
			assert.Equal(t, "22.50", fiadoOf(t, s, c))
			assertNoDrift(t, s)
		})
	}
}

func TestScenarioC_FlatCreditSaleAndVoid(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			o := newOrchestrator(s)

			// GIVEN: a client with fiado=0
			c := seedClient(t, o, "João")

			// WHEN: a flat credit sale of 50.00 is recorded
			sale, err := o.CreateSale(ctx, flat(c, "50.00"))
			require.NoError(t, err)

			// THEN: fiado is 50.00
			assert.Equal(t, ledger.KindFlat, sale.Kind)
			assert.Empty(t, sale.Lines)
			assert.Equal(t, "50.00", fiadoOf(t, s, c))

			// WHEN: the sale is voided
			voided, err := o.SettleOrDeleteSale(ctx, sale.ID, ledger.ReasonVoid, clerk)
			require.NoError(t, err)

			// THEN: fiado returns to 0 and the sale is kept as Voided
			assert.Equal(t, ledger.StatusVoided, voided.Status)
			assert.NotNil(t, voided.VoidedAt)
			assert.Equal(t, "0.00", fiadoOf(t, s, c))

			stored, err := s.GetSale(ctx, sale.ID)
			require.NoError(t, err)
			require.NotNil(t, stored)
			assert.Equal(t, ledger.StatusVoided, stored.Status)
			assert.Equal(t, ledger.ReasonVoid, stored.Reason)
			assertNoDrift(t, s)
		})
	}
}

// =============================================================================
// SALE CREATION
// =============================================================================

func TestCreateSale_DuplicateLinesAreMergedBeforeStockCheck(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			o := newOrchestrator(s)

			// GIVEN: 5 units of P
			p := seedProduct(t, s, "Feijão", "8.00", 5)

			// WHEN: 3 + 3 units of P are requested in one sale
			_, err := o.CreateSale(context.Background(), itemized(nil, line(p, 3), line(p, 3)))

			// THEN: the merged 6 is checked against 5 and rejected
			var stockErr *ledger.InsufficientStockError
			require.ErrorAs(t, err, &stockErr)
			assert.Equal(t, 6, stockErr.Requested)
			assert.Equal(t, 5, stockErr.Available)
			assert.Equal(t, 5, stockOf(t, s, p))
		})
	}
}

func TestCreateSale_MultiLineIsAllOrNothing(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			o := newOrchestrator(s)

			// GIVEN: A has plenty, B has 1
			a := seedProduct(t, s, "A", "1.00", 10)
			b := seedProduct(t, s, "B", "2.00", 1)
			c := seedClient(t, o, "Rita")

			// WHEN: the sale needs 2 of B
			_, err := o.CreateSale(context.Background(), itemized(&c, line(a, 4), line(b, 2)))

			// THEN: A is not decremented either
			var stockErr *ledger.InsufficientStockError
			require.ErrorAs(t, err, &stockErr)
			assert.Equal(t, b, stockErr.ProdutoID)
			assert.Equal(t, 10, stockOf(t, s, a))
			assert.Equal(t, 1, stockOf(t, s, b))
			assert.Equal(t, "0.00", fiadoOf(t, s, c))
		})
	}
}

func TestCreateSale_CashSaleIsSettledAndSkipsCredit(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			o := newOrchestrator(s)
			p := seedProduct(t, s, "Pão", "0.75", 100)

			// WHEN: a sale without client is recorded
			sale, err := o.CreateSale(context.Background(), itemized(nil, line(p, 10)))

			// THEN: it is paid at once
			require.NoError(t, err)
			assert.False(t, sale.IsCredit())
			assert.Equal(t, ledger.StatusSettled, sale.Status)
			assert.Equal(t, ledger.ReasonPaid, sale.Reason)
			require.NotNil(t, sale.SettledAt)
			assert.Equal(t, "7.50", sale.Total.String())
			assert.Equal(t, 90, stockOf(t, s, p))
		})
	}
}

func TestCreateSale_Validation(t *testing.T) {
	s := store.NewMemory()
	o := newOrchestrator(s)
	p := seedProduct(t, s, "Café", "16.75", 3)
	c := seedClient(t, o, "Tonho")
	unknownClient := ledger.ClientID(999)

	tests := []struct {
		name    string
		req     ledger.SaleRequest
		wantErr error
	}{
		{"no lines", itemized(&c), ledger.ErrValidation},
		{"zero quantity", itemized(&c, line(p, 0)), ledger.ErrValidation},
		{"negative quantity", itemized(&c, line(p, -1)), ledger.ErrValidation},
		{"flat without client", ledger.SaleRequest{Body: ledger.FlatCreditSale{Valor: money("10")}}, ledger.ErrValidation},
		{"flat zero amount", flat(c, "0"), ledger.ErrValidation},
		{"flat negative amount", flat(c, "-5"), ledger.ErrValidation},
		{"missing body", ledger.SaleRequest{ClienteID: &c}, ledger.ErrValidation},
		{"unknown client", itemized(&unknownClient, line(p, 1)), ledger.ErrUnknownClient},
		{"unknown product", itemized(&c, line(ledger.ProductID(404), 1)), ledger.ErrUnknownProduct},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.CreateSale(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	// Nothing leaked from the rejected requests
	assert.Equal(t, 3, stockOf(t, s, p))
	assert.Equal(t, "0.00", fiadoOf(t, s, c))
	sales, err := s.ListSales(context.Background(), ledger.SaleFilter{})
	require.NoError(t, err)
	assert.Empty(t, sales)
}

func TestCreateSale_ValidationErrorNamesField(t *testing.T) {
	o := newOrchestrator(store.NewMemory())

	_, err := o.CreateSale(context.Background(), itemized(nil))

	var vErr *ledger.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "itens", vErr.Field)
}

func TestCreateSale_PriceSnapshotSurvivesPriceChange(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			o := newOrchestrator(s)
			p := seedProduct(t, s, "Leite", "5.20", 10)
			c := seedClient(t, o, "Cida")

			// GIVEN: a sale at the old price
			sale, err := o.CreateSale(ctx, itemized(&c, line(p, 2)))
			require.NoError(t, err)

			// WHEN: the price changes
			_, err = s.UpdateProduct(ctx, ledger.Product{ID: p, Nome: "Leite integral", Preco: money("6.00")})
			require.NoError(t, err)

			// THEN: the recorded sale keeps its snapshot
			stored, err := s.GetSale(ctx, sale.ID)
			require.NoError(t, err)
			require.Len(t, stored.Lines, 1)
			assert.Equal(t, "Leite", stored.Lines[0].ProdutoNome)
			assert.Equal(t, "5.20", stored.Lines[0].PrecoUnitario.String())
			assert.Equal(t, "10.40", stored.Total.String())
		})
	}
}

// =============================================================================
// ROLLBACK
// =============================================================================

func TestCreateSale_PersistFailureRollsBackStockAndCredit(t *testing.T) {
	// GIVEN: a store whose sale insert fails
	fs := &faultyStore{Memory: store.NewMemory()}
	o := newOrchestrator(fs)
	p := seedProduct(t, fs, "Carvão", "18.00", 4)
	c := seedClient(t, o, "Zé")
	fs.failInsert = errors.New("disk full")

	// WHEN: a credit sale is attempted
	_, err := o.CreateSale(context.Background(), itemized(&c, line(p, 2)))

	// THEN: stock and fiado are back to where they were
	require.Error(t, err)
	var saleErr *ledger.SaleError
	require.ErrorAs(t, err, &saleErr)
	assert.Equal(t, ledger.StagePersisting, saleErr.Stage)
	assert.True(t, ledger.IsRetryable(err))
	assert.ErrorIs(t, err, ledger.ErrStorageFailure)

	assert.Equal(t, 4, stockOf(t, fs, p))
	assert.Equal(t, "0.00", fiadoOf(t, fs, c))
}

func TestCreateSale_PersistTimeoutRollsBack(t *testing.T) {
	// GIVEN: a store whose insert never returns and a short store timeout
	fs := &faultyStore{Memory: store.NewMemory()}
	o := ledger.NewOrchestrator(fs, ledger.Config{
		StoreTimeout: 20 * time.Millisecond,
		Logger:       zerolog.Nop(),
	})
	p := seedProduct(t, fs, "Gelo", "12.00", 3)
	c := seedClient(t, o, "Tonho")
	fs.blockInsert = true

	// WHEN: a sale is attempted
	_, err := o.CreateSale(context.Background(), itemized(&c, line(p, 1)))

	// THEN: it fails as a retryable storage error and nothing sticks
	require.Error(t, err)
	assert.True(t, ledger.IsRetryable(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 3, stockOf(t, fs, p))
	assert.Equal(t, "0.00", fiadoOf(t, fs, c))
}

func TestCreateSale_CancelledRequestStillRollsBack(t *testing.T) {
	// GIVEN: the caller's context is cancelled while persisting
	fs := &faultyStore{Memory: store.NewMemory()}
	o := newOrchestrator(fs)
	p := seedProduct(t, fs, "Cerveja", "4.50", 12)
	c := seedClient(t, o, "Seu Zé")
	fs.blockInsert = true

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	// WHEN: the sale is abandoned mid-flight
	_, err := o.CreateSale(ctx, itemized(&c, line(p, 6)))

	// THEN: compensation ran on a detached context
	require.Error(t, err)
	assert.Equal(t, 12, stockOf(t, fs, p))
	assert.Equal(t, "0.00", fiadoOf(t, fs, c))
}

func TestSettle_TransitionFailureRestoresBalances(t *testing.T) {
	// GIVEN: an open itemized credit sale
	fs := &faultyStore{Memory: store.NewMemory()}
	o := newOrchestrator(fs)
	p := seedProduct(t, fs, "Arroz", "10.00", 5)
	c := seedClient(t, o, "Maria")
	sale, err := o.CreateSale(context.Background(), itemized(&c, line(p, 2)))
	require.NoError(t, err)
	fs.failTransition = errors.New("connection reset")

	// WHEN: voiding fails at the status write
	_, err = o.SettleOrDeleteSale(context.Background(), sale.ID, ledger.ReasonVoid, clerk)

	// THEN: released stock and reversed credit are put back
	require.Error(t, err)
	assert.True(t, ledger.IsRetryable(err))
	assert.Equal(t, 3, stockOf(t, fs, p))
	assert.Equal(t, "20.00", fiadoOf(t, fs, c))

	stored, err := fs.GetSale(context.Background(), sale.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusOpen, stored.Status)
}

// =============================================================================
// SETTLEMENT
// =============================================================================

func TestSettle_PaidReversesCreditOnce(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			o := newOrchestrator(s)
			c := seedClient(t, o, "Rita")

			// GIVEN: two open sales
			first, err := o.CreateSale(ctx, flat(c, "30.00"))
			require.NoError(t, err)
			_, err = o.CreateSale(ctx, flat(c, "12.35"))
			require.NoError(t, err)
			require.Equal(t, "42.35", fiadoOf(t, s, c))

			// WHEN: the first is paid
			settled, err := o.SettleOrDeleteSale(ctx, first.ID, ledger.ReasonPaid, clerk)
			require.NoError(t, err)
			assert.Equal(t, ledger.StatusSettled, settled.Status)
			assert.Equal(t, "12.35", fiadoOf(t, s, c))

			// AND: paid again
			_, err = o.SettleOrDeleteSale(ctx, first.ID, ledger.ReasonPaid, clerk)

			// THEN: the repeat is rejected and the balance is untouched
			assert.ErrorIs(t, err, ledger.ErrSaleNotFound)
			assert.True(t, ledger.IsNotFound(err))
			assert.Equal(t, "12.35", fiadoOf(t, s, c))
			assertNoDrift(t, s)
		})
	}
}

func TestSettle_EmptyReasonMeansPaid(t *testing.T) {
	s := store.NewMemory()
	o := newOrchestrator(s)
	c := seedClient(t, o, "Rita")
	sale, err := o.CreateSale(context.Background(), flat(c, "5.00"))
	require.NoError(t, err)

	settled, err := o.SettleOrDeleteSale(context.Background(), sale.ID, "", clerk)

	require.NoError(t, err)
	assert.Equal(t, ledger.ReasonPaid, settled.Reason)
	assert.Equal(t, "0.00", fiadoOf(t, s, c))
}

func TestSettle_UnknownReasonAndSale(t *testing.T) {
	s := store.NewMemory()
	o := newOrchestrator(s)
	c := seedClient(t, o, "Rita")
	sale, err := o.CreateSale(context.Background(), flat(c, "5.00"))
	require.NoError(t, err)

	_, err = o.SettleOrDeleteSale(context.Background(), sale.ID, "fiado", clerk)
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = o.SettleOrDeleteSale(context.Background(), 9999, ledger.ReasonPaid, clerk)
	assert.ErrorIs(t, err, ledger.ErrSaleNotFound)

	assert.Equal(t, "5.00", fiadoOf(t, s, c))
}

func TestSettle_CashSaleCannotBePaidAgain(t *testing.T) {
	s := store.NewMemory()
	o := newOrchestrator(s)
	p := seedProduct(t, s, "Pão", "0.75", 10)
	sale, err := o.CreateSale(context.Background(), itemized(nil, line(p, 2)))
	require.NoError(t, err)

	_, err = o.SettleOrDeleteSale(context.Background(), sale.ID, ledger.ReasonPaid, clerk)

	assert.ErrorIs(t, err, ledger.ErrSaleNotFound)
}

func TestVoid_OpenItemizedSaleReleasesStockAndCredit(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			o := newOrchestrator(s)
			p := seedProduct(t, s, "Café", "16.75", 10)
			c := seedClient(t, o, "Cida")

			// GIVEN: an open credit sale of 4×P
			sale, err := o.CreateSale(ctx, itemized(&c, line(p, 4)))
			require.NoError(t, err)
			require.Equal(t, 6, stockOf(t, s, p))

			// WHEN: it is voided with a note
			voided, err := o.SettleOrDeleteSaleWithNote(ctx, sale.ID, ledger.ReasonVoid, "cliente errado", clerk)

			// THEN: stock and fiado both come back
			require.NoError(t, err)
			assert.Equal(t, "cliente errado", voided.Note)
			assert.Equal(t, 10, stockOf(t, s, p))
			assert.Equal(t, "0.00", fiadoOf(t, s, c))

			// AND: a second void is rejected without releasing twice
			_, err = o.SettleOrDeleteSale(ctx, sale.ID, ledger.ReasonVoid, clerk)
			assert.ErrorIs(t, err, ledger.ErrSaleNotFound)
			assert.Equal(t, 10, stockOf(t, s, p))
		})
	}
}

func TestVoid_SettledSaleReleasesStockWithoutTouchingCredit(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			o := newOrchestrator(s)
			p := seedProduct(t, s, "Carvão", "18.00", 5)
			c := seedClient(t, o, "Tonho")

			// GIVEN: a paid sale and another open one
			paid, err := o.CreateSale(ctx, itemized(&c, line(p, 2)))
			require.NoError(t, err)
			_, err = o.SettleOrDeleteSale(ctx, paid.ID, ledger.ReasonPaid, clerk)
			require.NoError(t, err)
			_, err = o.CreateSale(ctx, flat(c, "10.00"))
			require.NoError(t, err)

			// WHEN: the paid sale is voided
			_, err = o.SettleOrDeleteSale(ctx, paid.ID, ledger.ReasonVoid, clerk)

			// THEN: stock returns but the open balance is unchanged
			require.NoError(t, err)
			assert.Equal(t, 5, stockOf(t, s, p))
			assert.Equal(t, "10.00", fiadoOf(t, s, c))
			assertNoDrift(t, s)
		})
	}
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestCreateSale_ConcurrentSalesNeverOversell(t *testing.T) {
	// GIVEN: 5 units and 20 buyers of 1 unit each
	s := store.NewMemory()
	o := newOrchestrator(s)
	p := seedProduct(t, s, "Gelo", "12.00", 5)
	c := seedClient(t, o, "Bar")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.CreateSale(context.Background(), itemized(&c, line(p, 1)))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else if errors.Is(err, ledger.ErrInsufficientStock) {
				rejected++
			}
		}()
	}
	wg.Wait()

	// THEN: exactly 5 sold, stock is 0, fiado matches
	assert.Equal(t, 5, succeeded)
	assert.Equal(t, 15, rejected)
	assert.Equal(t, 0, stockOf(t, s, p))
	assert.Equal(t, "60.00", fiadoOf(t, s, c))
	assertNoDrift(t, s)
}

func TestSettle_ConcurrentPaymentsApplyOnce(t *testing.T) {
	s := store.NewMemory()
	o := newOrchestrator(s)
	c := seedClient(t, o, "Maria")
	sale, err := o.CreateSale(context.Background(), flat(c, "25.00"))
	require.NoError(t, err)
	_, err = o.CreateSale(context.Background(), flat(c, "5.00"))
	require.NoError(t, err)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := o.SettleOrDeleteSale(context.Background(), sale.ID, ledger.ReasonPaid, clerk); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, "5.00", fiadoOf(t, s, c))
}

// =============================================================================
// CLIENT & PRODUCT LIFECYCLE
// =============================================================================

func TestOpenClient_OpeningBalanceBecomesOpenSale(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			o := newOrchestrator(s)

			// WHEN: a client is created already owing 80.00
			c, err := o.OpenClient(ctx, ledger.Client{Nome: "  Dona Cida  "}, money("80.00"), clerk)

			// THEN: the balance is backed by an open flat sale
			require.NoError(t, err)
			assert.Equal(t, "Dona Cida", c.Nome)
			assert.Equal(t, "80.00", c.Fiado.String())
			assert.Equal(t, "80.00", fiadoOf(t, s, c.ID))

			sales, err := s.ListSales(ctx, ledger.SaleFilter{ClienteID: &c.ID})
			require.NoError(t, err)
			require.Len(t, sales, 1)
			assert.Equal(t, ledger.KindFlat, sales[0].Kind)
			assert.Equal(t, ledger.StatusOpen, sales[0].Status)
			assertNoDrift(t, s)
		})
	}
}

func TestOpenClient_Validation(t *testing.T) {
	o := newOrchestrator(store.NewMemory())

	_, err := o.OpenClient(context.Background(), ledger.Client{Nome: " "}, ledger.Zero, clerk)
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = o.OpenClient(context.Background(), ledger.Client{Nome: "Zé"}, money("-1"), clerk)
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestRemoveClient(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			o := newOrchestrator(s)
			c := seedClient(t, o, "Carlinhos")
			sale, err := o.CreateSale(ctx, flat(c, "15.00"))
			require.NoError(t, err)

			// WHEN: removing a client that still owes
			err = o.RemoveClient(ctx, c, clerk)

			// THEN: it is refused with the open balance
			var owed *ledger.HasOutstandingBalanceError
			require.ErrorAs(t, err, &owed)
			assert.Equal(t, 1, owed.OpenSales)
			assert.Equal(t, "15.00", owed.Fiado.String())

			// WHEN: the debt is paid and removal retried
			_, err = o.SettleOrDeleteSale(ctx, sale.ID, ledger.ReasonPaid, clerk)
			require.NoError(t, err)
			require.NoError(t, o.RemoveClient(ctx, c, clerk))

			// THEN: the client is gone and the sale history remains
			got, err := s.GetClient(ctx, c)
			require.NoError(t, err)
			assert.Nil(t, got)

			stored, err := s.GetSale(ctx, sale.ID)
			require.NoError(t, err)
			require.NotNil(t, stored)
			assert.Nil(t, stored.ClienteID)
			assert.Equal(t, ledger.StatusSettled, stored.Status)

			// AND: removing again reports unknown client
			assert.ErrorIs(t, o.RemoveClient(ctx, c, clerk), ledger.ErrUnknownClient)
		})
	}
}

func TestRemoveProduct(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			o := newOrchestrator(s)
			p := seedProduct(t, s, "Gelo", "12.00", 5)
			sale, err := o.CreateSale(ctx, itemized(nil, line(p, 1)))
			require.NoError(t, err)

			// A live sale references it
			assert.ErrorIs(t, o.RemoveProduct(ctx, p), ledger.ErrProductInUse)

			// Once voided it can go
			_, err = o.SettleOrDeleteSale(ctx, sale.ID, ledger.ReasonVoid, clerk)
			require.NoError(t, err)
			require.NoError(t, o.RemoveProduct(ctx, p))

			assert.ErrorIs(t, o.RemoveProduct(ctx, p), ledger.ErrUnknownProduct)
		})
	}
}

func TestRestock(t *testing.T) {
	s := store.NewMemory()
	o := newOrchestrator(s)
	p := seedProduct(t, s, "Leite", "5.20", 2)

	got, err := o.Restock(context.Background(), p, 10, clerk)
	require.NoError(t, err)
	assert.Equal(t, 12, got.Estoque)

	_, err = o.Restock(context.Background(), p, 0, clerk)
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = o.Restock(context.Background(), ledger.ProductID(77), 1, clerk)
	assert.ErrorIs(t, err, ledger.ErrUnknownProduct)
}

// =============================================================================
// AFTER COMMIT
// =============================================================================

func TestSaleLifecycle_PublishesEventsAndAudits(t *testing.T) {
	s := store.NewMemory()
	pub := &recordingPublisher{}
	o := ledger.NewOrchestrator(s, ledger.Config{Publisher: pub, Logger: zerolog.Nop()})
	c := seedClient(t, o, "Maria")
	ctx := context.Background()

	sale, err := o.CreateSale(ctx, flat(c, "9.90"))
	require.NoError(t, err)
	_, err = o.SettleOrDeleteSale(ctx, sale.ID, ledger.ReasonPaid, ledger.Actor{ID: "gerente"})
	require.NoError(t, err)
	_, err = o.SettleOrDeleteSale(ctx, sale.ID, ledger.ReasonVoid, ledger.Actor{ID: "gerente"})
	require.NoError(t, err)

	assert.Equal(t, []string{ledger.RoutingSaleCreated, ledger.RoutingSaleSettled, ledger.RoutingSaleVoided}, pub.published())

	entries, err := s.QueryAudit(ctx, ledger.AuditFilter{SaleID: &sale.ID})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, ledger.AuditSaleVoided, entries[0].Action)
	assert.Equal(t, "gerente", entries[0].ActorID)
	assert.Equal(t, ledger.AuditSaleCreated, entries[2].Action)
	assert.Equal(t, clerk.ID, entries[2].ActorID)
	assert.Equal(t, "9.90", entries[2].Amount.String())
	assert.NotEmpty(t, entries[2].ID)
}

func TestCreateSale_PublishFailureDoesNotFailSale(t *testing.T) {
	s := store.NewMemory()
	pub := &recordingPublisher{fail: errors.New("broker down")}
	o := ledger.NewOrchestrator(s, ledger.Config{Publisher: pub, Logger: zerolog.Nop()})
	c := seedClient(t, o, "Zé")

	sale, err := o.CreateSale(context.Background(), flat(c, "3.00"))

	require.NoError(t, err)
	assert.NotZero(t, sale.ID)
	assert.Equal(t, "3.00", fiadoOf(t, s, c))
}
