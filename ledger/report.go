/*
report.go - Read-only rollups over sales and balances

PURPOSE:
  Answers the questions a shop owner asks at the end of the day: how much
  was sold, what sold best, who buys most and who owes what. Everything is
  derived on demand from the store; nothing is cached.

COUNTING RULES:
  - Voided sales are excluded everywhere.
  - Open and Settled sales both count as revenue (a settled sale was paid,
    it was still sold).
  - Ties are broken by the lowest id.

BALANCE VERIFICATION:
  VerifyBalances recomputes each client's fiado from its Open sales and
  reports every client whose stored balance disagrees. Clients and sales
  are two reads, so a sale committed between them looks like drift; every
  candidate is re-read under its client lock before it is reported.
*/
package ledger

import (
	"context"
	"sort"
	"time"
)

type Reporter struct {
	store Store
	locks *KeyLocks
}

// NewReporter reads from store without taking locks. Use
// Orchestrator.Reporter to share the orchestrator's locks.
func NewReporter(store Store) *Reporter {
	return &Reporter{store: store}
}

// SummaryFilter restricts a report. Nil fields do not filter; Inicio and Fim
// are inclusive.
type SummaryFilter struct {
	Inicio    *time.Time
	Fim       *time.Time
	ClienteID *ClientID
}

type ProductRank struct {
	ID                ProductID
	Nome              string
	QuantidadeVendida int
}

type ClientRank struct {
	ID                ClientID
	Nome              string
	QuantidadeCompras int
}

type Summary struct {
	TotalVendas        int
	FaturamentoTotal   Money
	ProdutoMaisVendido *ProductRank
	ClienteMaisCompras *ClientRank
}

// BalanceDrift is a client whose stored fiado differs from its open sales.
type BalanceDrift struct {
	ClienteID ClientID
	Nome      string
	Recorded  Money
	Expected  Money
}

func (d BalanceDrift) Difference() Money { return d.Recorded.Sub(d.Expected) }

// Summary aggregates non-voided sales matching the filter.
func (r *Reporter) Summary(ctx context.Context, f SummaryFilter) (*Summary, error) {
	sales, err := r.store.ListSales(ctx, SaleFilter{
		Inicio:    f.Inicio,
		Fim:       f.Fim,
		ClienteID: f.ClienteID,
		Statuses:  []SaleStatus{StatusOpen, StatusSettled},
	})
	if err != nil {
		return nil, wrapStorage("list sales", err)
	}

	out := &Summary{FaturamentoTotal: Zero}
	qtyByProduct := make(map[ProductID]int)
	snapshotName := make(map[ProductID]string)
	purchases := make(map[ClientID]int)

	for _, s := range sales {
		out.TotalVendas++
		out.FaturamentoTotal = out.FaturamentoTotal.Add(s.Total)
		for _, l := range s.Lines {
			qtyByProduct[l.ProdutoID] += l.Quantidade
			snapshotName[l.ProdutoID] = l.ProdutoNome
		}
		if s.ClienteID != nil {
			purchases[*s.ClienteID]++
		}
	}
	out.FaturamentoTotal = out.FaturamentoTotal.Round()

	if id, qty, ok := topCount(qtyByProduct); ok {
		nome := snapshotName[id]
		p, err := r.store.GetProduct(ctx, id)
		if err != nil {
			return nil, wrapStorage("get product", err)
		}
		if p != nil {
			nome = p.Nome
		}
		out.ProdutoMaisVendido = &ProductRank{ID: id, Nome: nome, QuantidadeVendida: qty}
	}

	if id, n, ok := topCount(purchases); ok {
		c, err := r.store.GetClient(ctx, id)
		if err != nil {
			return nil, wrapStorage("get client", err)
		}
		rank := &ClientRank{ID: id, QuantidadeCompras: n}
		if c != nil {
			rank.Nome = c.Nome
		}
		out.ClienteMaisCompras = rank
	}

	return out, nil
}

// topCount returns the key with the highest count, lowest key on ties.
func topCount[K ~int64](counts map[K]int) (K, int, bool) {
	var (
		best  K
		count int
		found bool
	)
	for k, n := range counts {
		if !found || n > count || (n == count && k < best) {
			best, count, found = k, n, true
		}
	}
	return best, count, found
}

// TopDebtors returns clients with a positive balance, largest first.
// n <= 0 returns all of them.
func (r *Reporter) TopDebtors(ctx context.Context, n int) ([]Client, error) {
	clients, err := r.store.ListClients(ctx)
	if err != nil {
		return nil, wrapStorage("list clients", err)
	}
	debtors := make([]Client, 0, len(clients))
	for _, c := range clients {
		if c.Fiado.IsPositive() {
			debtors = append(debtors, c)
		}
	}
	sort.SliceStable(debtors, func(i, j int) bool {
		if !debtors[i].Fiado.Equal(debtors[j].Fiado) {
			return debtors[i].Fiado.GreaterThan(debtors[j].Fiado)
		}
		return debtors[i].ID < debtors[j].ID
	})
	if n > 0 && len(debtors) > n {
		debtors = debtors[:n]
	}
	return debtors, nil
}

// ClientBalance returns what a client currently owes.
func (r *Reporter) ClientBalance(ctx context.Context, id ClientID) (Money, error) {
	c, err := r.store.GetClient(ctx, id)
	if err != nil {
		return Zero, wrapStorage("get client", err)
	}
	if c == nil {
		return Zero, &UnknownClientError{ClienteID: id}
	}
	return c.Fiado, nil
}

// ListSales returns sales matching the filter ordered by date, then id.
func (r *Reporter) ListSales(ctx context.Context, f SaleFilter) ([]Sale, error) {
	sales, err := r.store.ListSales(ctx, f)
	return sales, wrapStorage("list sales", err)
}

// VerifyBalances compares each client's fiado with the sum of its open sales.
func (r *Reporter) VerifyBalances(ctx context.Context) ([]BalanceDrift, error) {
	clients, err := r.store.ListClients(ctx)
	if err != nil {
		return nil, wrapStorage("list clients", err)
	}
	open, err := r.store.ListSales(ctx, SaleFilter{Statuses: []SaleStatus{StatusOpen}})
	if err != nil {
		return nil, wrapStorage("list sales", err)
	}

	expected := openTotals(open)
	var drifts []BalanceDrift
	for _, c := range clients {
		if c.Fiado.Equal(totalFor(expected, c.ID)) {
			continue
		}
		drift, err := r.recheck(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		if drift != nil {
			drifts = append(drifts, *drift)
		}
	}
	return drifts, nil
}

// recheck reads one client and its open sales together under the client
// lock. It returns nil when the balance agrees or the client is gone.
func (r *Reporter) recheck(ctx context.Context, id ClientID) (*BalanceDrift, error) {
	if r.locks != nil {
		unlock, err := r.locks.Acquire(ctx, ClientKey(id))
		if err != nil {
			return nil, err
		}
		defer unlock()
	}

	c, err := r.store.GetClient(ctx, id)
	if err != nil {
		return nil, wrapStorage("get client", err)
	}
	if c == nil {
		return nil, nil
	}
	open, err := r.store.ListSales(ctx, SaleFilter{ClienteID: &id, Statuses: []SaleStatus{StatusOpen}})
	if err != nil {
		return nil, wrapStorage("list sales", err)
	}

	want := totalFor(openTotals(open), id)
	if c.Fiado.Equal(want) {
		return nil, nil
	}
	return &BalanceDrift{
		ClienteID: c.ID,
		Nome:      c.Nome,
		Recorded:  c.Fiado,
		Expected:  want,
	}, nil
}

// openTotals sums sale totals per client. Cash sales are skipped.
func openTotals(sales []Sale) map[ClientID]Money {
	totals := make(map[ClientID]Money)
	for _, s := range sales {
		if s.ClienteID == nil {
			continue
		}
		id := *s.ClienteID
		if _, ok := totals[id]; !ok {
			totals[id] = Zero
		}
		totals[id] = totals[id].Add(s.Total)
	}
	return totals
}

func totalFor(totals map[ClientID]Money, id ClientID) Money {
	t, ok := totals[id]
	if !ok {
		return Zero
	}
	return t.Round()
}
