package postgres

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fiado-engine/ledger"
)

// These tests need a disposable database:
//
//	FIADO_TEST_DATABASE_URL=postgres://localhost:5432/fiado_test?sslmode=disable go test ./store/postgres
func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("FIADO_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("FIADO_TEST_DATABASE_URL not set")
	}
	s, err := Connect(context.Background(), url)
	require.NoError(t, err)
	require.NoError(t, s.Reset(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPostgres_ConcurrentReservationsNeverOversell(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p, err := s.CreateProduct(ctx, ledger.Product{Nome: "Pão", Preco: ledger.MustMoney("0.75"), Estoque: 5})
	require.NoError(t, err)

	// WHEN: 20 writers take one unit each, bypassing KeyLocks
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.AdjustStock(ctx, []ledger.StockDelta{{ProdutoID: p.ID, Delta: -1}}); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// THEN: row locks alone keep stock at zero
	assert.Equal(t, 5, ok)
	got, err := s.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Estoque)
}

func TestPostgres_BalanceClampAndSaleRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c, err := s.CreateClient(ctx, ledger.Client{Nome: "Maria", Fiado: ledger.Zero})
	require.NoError(t, err)

	change, err := s.AdjustFiado(ctx, c.ID, ledger.MustMoney("10.10"))
	require.NoError(t, err)
	assert.Equal(t, "10.10", change.After.String())
	change, err = s.AdjustFiado(ctx, c.ID, ledger.MustMoney("-20.00"))
	require.NoError(t, err)
	assert.Equal(t, "0.00", change.After.String())

	sale, err := s.InsertSale(ctx, ledger.Sale{
		ClienteID: &c.ID,
		Kind:      ledger.KindFlat,
		Valor:     ledger.MustMoney("4.20"),
		Total:     ledger.MustMoney("4.20"),
		Status:    ledger.StatusOpen,
	})
	require.NoError(t, err)

	n, err := s.CountOpenSales(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	err = s.TransitionSale(ctx, ledger.SaleTransition{SaleID: sale.ID, From: ledger.StatusSettled, To: ledger.StatusVoided})
	assert.ErrorIs(t, err, ledger.ErrSaleNotFound)

	require.NoError(t, s.DeleteClient(ctx, c.ID))
	got, err := s.GetSale(ctx, sale.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Nil(t, got.ClienteID)
	assert.Equal(t, "4.20", got.Total.String())
}
