// Package store provides an in-memory ledger.Store.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/fiado-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	clients  map[ledger.ClientID]ledger.Client
	products map[ledger.ProductID]ledger.Product
	sales    map[ledger.SaleID]ledger.Sale
	audit    []ledger.AuditEntry

	nextClient  ledger.ClientID
	nextProduct ledger.ProductID
	nextSale    ledger.SaleID
}

var _ ledger.Store = (*Memory)(nil)

func NewMemory() *Memory {
	m := &Memory{}
	m.resetLocked()
	return m
}

func (m *Memory) resetLocked() {
	m.clients = make(map[ledger.ClientID]ledger.Client)
	m.products = make(map[ledger.ProductID]ledger.Product)
	m.sales = make(map[ledger.SaleID]ledger.Sale)
	m.audit = nil
	m.nextClient, m.nextProduct, m.nextSale = 1, 1, 1
}

// Reset clears all data and restarts id sequences.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
	return nil
}

// =============================================================================
// CLIENTS
// =============================================================================

func (m *Memory) CreateClient(ctx context.Context, c ledger.Client) (*ledger.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c.ID = m.nextClient
	m.nextClient++
	m.clients[c.ID] = c
	return &c, nil
}

func (m *Memory) GetClient(_ context.Context, id ledger.ClientID) (*ledger.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *Memory) ListClients(_ context.Context) ([]ledger.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.Client, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateClient(ctx context.Context, c ledger.Client) (*ledger.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.clients[c.ID]
	if !ok {
		return nil, &ledger.UnknownClientError{ClienteID: c.ID}
	}
	cur.Nome = c.Nome
	cur.Telefone = c.Telefone
	cur.Referencia = c.Referencia
	m.clients[c.ID] = cur
	return &cur, nil
}

func (m *Memory) DeleteClient(ctx context.Context, id ledger.ClientID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[id]; !ok {
		return &ledger.UnknownClientError{ClienteID: id}
	}
	delete(m.clients, id)
	for sid, s := range m.sales {
		if s.ClienteID != nil && *s.ClienteID == id {
			s.ClienteID = nil
			m.sales[sid] = s
		}
	}
	return nil
}

// AdjustFiado adds delta to the balance, flooring at zero.
func (m *Memory) AdjustFiado(ctx context.Context, id ledger.ClientID, delta ledger.Money) (ledger.BalanceChange, error) {
	if err := ctx.Err(); err != nil {
		return ledger.BalanceChange{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	if !ok {
		return ledger.BalanceChange{}, &ledger.UnknownClientError{ClienteID: id}
	}
	change := ledger.BalanceChange{ClienteID: id, Before: c.Fiado}
	c.Fiado = c.Fiado.Add(delta).Round().ClampZero()
	change.After = c.Fiado
	m.clients[id] = c
	return change, nil
}

// =============================================================================
// PRODUCTS
// =============================================================================

func (m *Memory) CreateProduct(ctx context.Context, p ledger.Product) (*ledger.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = m.nextProduct
	m.nextProduct++
	m.products[p.ID] = p
	return &p, nil
}

func (m *Memory) GetProduct(_ context.Context, id ledger.ProductID) (*ledger.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// GetProducts returns the products that exist among ids.
func (m *Memory) GetProducts(_ context.Context, ids []ledger.ProductID) (map[ledger.ProductID]ledger.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[ledger.ProductID]ledger.Product, len(ids))
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (m *Memory) ListProducts(_ context.Context) ([]ledger.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.Product, 0, len(m.products))
	for _, p := range m.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateProduct(ctx context.Context, p ledger.Product) (*ledger.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.products[p.ID]
	if !ok {
		return nil, &ledger.UnknownProductError{ProdutoID: p.ID}
	}
	cur.Nome = p.Nome
	cur.Preco = p.Preco
	m.products[p.ID] = cur
	return &cur, nil
}

func (m *Memory) DeleteProduct(ctx context.Context, id ledger.ProductID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[id]; !ok {
		return &ledger.UnknownProductError{ProdutoID: id}
	}
	delete(m.products, id)
	return nil
}

// AdjustStock checks every delta first, then applies them all.
func (m *Memory) AdjustStock(ctx context.Context, deltas []ledger.StockDelta) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check all first (atomic check)
	next := make(map[ledger.ProductID]int, len(deltas))
	for _, d := range deltas {
		p, ok := m.products[d.ProdutoID]
		if !ok {
			return &ledger.UnknownProductError{ProdutoID: d.ProdutoID}
		}
		cur, seen := next[d.ProdutoID]
		if !seen {
			cur = p.Estoque
		}
		if cur+d.Delta < 0 {
			return &ledger.InsufficientStockError{ProdutoID: d.ProdutoID, Requested: -d.Delta, Available: cur}
		}
		next[d.ProdutoID] = cur + d.Delta
	}

	// Apply all (atomic write)
	for id, estoque := range next {
		p := m.products[id]
		p.Estoque = estoque
		m.products[id] = p
	}
	return nil
}

func (m *Memory) ProductInUse(_ context.Context, id ledger.ProductID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sales {
		if s.Status == ledger.StatusVoided {
			continue
		}
		for _, l := range s.Lines {
			if l.ProdutoID == id {
				return true, nil
			}
		}
	}
	return false, nil
}

// =============================================================================
// SALES
// =============================================================================

func (m *Memory) InsertSale(ctx context.Context, s ledger.Sale) (*ledger.Sale, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s = s.Clone()
	s.ID = m.nextSale
	m.nextSale++
	m.sales[s.ID] = s
	out := s.Clone()
	return &out, nil
}

func (m *Memory) GetSale(_ context.Context, id ledger.SaleID) (*ledger.Sale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sales[id]
	if !ok {
		return nil, nil
	}
	out := s.Clone()
	return &out, nil
}

func (m *Memory) ListSales(_ context.Context, f ledger.SaleFilter) ([]ledger.Sale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Sale
	for _, s := range m.sales {
		if f.Matches(s) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Data.Equal(out[j].Data) {
			return out[i].Data.Before(out[j].Data)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// TransitionSale changes status only from the expected state.
func (m *Memory) TransitionSale(ctx context.Context, t ledger.SaleTransition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sales[t.SaleID]
	if !ok || s.Status != t.From {
		return ledger.ErrSaleNotFound
	}
	s.Status = t.To
	s.Reason = t.Reason
	s.Note = t.Note
	at := t.At
	switch t.To {
	case ledger.StatusSettled:
		s.SettledAt = &at
	case ledger.StatusVoided:
		s.VoidedAt = &at
	}
	m.sales[t.SaleID] = s
	return nil
}

func (m *Memory) CountOpenSales(_ context.Context, id ledger.ClientID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.sales {
		if s.Status == ledger.StatusOpen && s.ClienteID != nil && *s.ClienteID == id {
			n++
		}
	}
	return n, nil
}

// =============================================================================
// AUDIT
// =============================================================================

func (m *Memory) AppendAudit(ctx context.Context, e ledger.AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	return nil
}

// QueryAudit returns matching entries, newest first.
func (m *Memory) QueryAudit(_ context.Context, f ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.AuditEntry
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if !auditMatches(f, e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func auditMatches(f ledger.AuditFilter, e ledger.AuditEntry) bool {
	if f.SaleID != nil && (e.SaleID == nil || *e.SaleID != *f.SaleID) {
		return false
	}
	if f.ClienteID != nil && (e.ClienteID == nil || *e.ClienteID != *f.ClienteID) {
		return false
	}
	if len(f.Actions) == 0 {
		return true
	}
	for _, a := range f.Actions {
		if e.Action == a {
			return true
		}
	}
	return false
}
