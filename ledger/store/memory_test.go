package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fiado-engine/ledger"
)

func TestMemory_SalesAreCopiedInAndOut(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	cid := ledger.ClientID(1)

	// GIVEN: a sale inserted from a caller-owned value
	in := ledger.Sale{
		ClienteID: &cid,
		Kind:      ledger.KindItemized,
		Lines:     []ledger.SaleLine{{ProdutoID: 1, Quantidade: 2}},
		Status:    ledger.StatusOpen,
	}
	saved, err := m.InsertSale(ctx, in)
	require.NoError(t, err)

	// WHEN: the caller mutates its copies
	in.Lines[0].Quantidade = 99
	cid = 42
	saved.Lines[0].Quantidade = 77

	// THEN: the stored sale is unaffected
	got, err := m.GetSale(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Lines[0].Quantidade)
	assert.Equal(t, ledger.ClientID(1), *got.ClienteID)
}

func TestMemory_AdjustStockChecksBeforeWriting(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	a, err := m.CreateProduct(ctx, ledger.Product{Nome: "A", Estoque: 3})
	require.NoError(t, err)

	// same product twice: 2 + 2 exceeds 3
	err = m.AdjustStock(ctx, []ledger.StockDelta{{ProdutoID: a.ID, Delta: -2}, {ProdutoID: a.ID, Delta: -2}})

	var stockErr *ledger.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, 1, stockErr.Available)
	p, err := m.GetProduct(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Estoque)
}

func TestMemory_TransitionOnlyFromExpectedStatus(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	s, err := m.InsertSale(ctx, ledger.Sale{Status: ledger.StatusOpen})
	require.NoError(t, err)
	at := time.Date(2025, time.January, 5, 8, 0, 0, 0, time.UTC)

	err = m.TransitionSale(ctx, ledger.SaleTransition{SaleID: s.ID, From: ledger.StatusSettled, To: ledger.StatusVoided, At: at})
	assert.ErrorIs(t, err, ledger.ErrSaleNotFound)

	err = m.TransitionSale(ctx, ledger.SaleTransition{
		SaleID: s.ID, From: ledger.StatusOpen, To: ledger.StatusVoided,
		Reason: ledger.ReasonVoid, Note: "duplicada", At: at,
	})
	require.NoError(t, err)

	got, err := m.GetSale(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusVoided, got.Status)
	assert.Equal(t, "duplicada", got.Note)
	require.NotNil(t, got.VoidedAt)
	assert.Nil(t, got.SettledAt)

	inUse, err := m.ProductInUse(ctx, 1)
	require.NoError(t, err)
	assert.False(t, inUse)
}

func TestMemory_CancelledContextWritesNothing(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.CreateClient(ctx, ledger.Client{Nome: "X"})
	assert.ErrorIs(t, err, context.Canceled)

	clients, err := m.ListClients(context.Background())
	require.NoError(t, err)
	assert.Empty(t, clients)
}

func TestMemory_AuditNewestFirstAndReset(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, m.AppendAudit(ctx, ledger.AuditEntry{ID: id, Action: ledger.AuditSaleCreated}))
	}

	entries, err := m.QueryAudit(ctx, ledger.AuditFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "3", entries[0].ID)
	assert.Equal(t, "2", entries[1].ID)

	// Reset restarts sequences
	_, err = m.CreateClient(ctx, ledger.Client{Nome: "A"})
	require.NoError(t, err)
	require.NoError(t, m.Reset(ctx))
	c, err := m.CreateClient(ctx, ledger.Client{Nome: "B"})
	require.NoError(t, err)
	assert.Equal(t, ledger.ClientID(1), c.ID)

	entries, err = m.QueryAudit(ctx, ledger.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}
