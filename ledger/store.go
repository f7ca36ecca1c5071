/*
store.go - Persistence contracts for clients, products, sales and audit

PURPOSE:
  Defines the interface between the engine and the database. The Store is
  the only component that mutates persisted balances and stock, and it does
  so through a handful of atomic primitives. Ordering, locking and undo are
  the orchestrator's job; atomicity of each primitive is the store's job.

KEY INTERFACES:
  ClientStore:  CRUD + AdjustFiado (atomic, clamped at zero)
  ProductStore: CRUD + AdjustStock (atomic, all-or-nothing, never negative)
  SaleStore:    InsertSale + TransitionSale (conditional status change)
  AuditLog:     Append-only audit trail

ATOMIC PRIMITIVES:
  AdjustStock(deltas) either applies every delta or none. If any product
  would drop below zero it returns *InsufficientStockError naming the first
  offending product in delta order; a missing product yields
  *UnknownProductError.

  AdjustFiado(id, delta) adds delta to the client's balance and clamps the
  result at zero, returning the before/after values so the caller knows the
  exact amount that landed.

  TransitionSale(id, from, to) changes status only if the sale is currently
  in `from`; otherwise ErrSaleNotFound. A repeated settlement can therefore
  never move balances twice.

NOT FOUND CONVENTION:
  Get* methods return (nil, nil) when the record does not exist.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory for tests and development
  - store/sqlite/sqlite.go: SQLite (default)
  - store/postgres/postgres.go: PostgreSQL with row locks

SEE ALSO:
  - orchestrator.go: Sequences these primitives
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Persistence interfaces
// =============================================================================

type ClientStore interface {
	CreateClient(ctx context.Context, c Client) (*Client, error)
	GetClient(ctx context.Context, id ClientID) (*Client, error)
	ListClients(ctx context.Context) ([]Client, error)

	// UpdateClient writes Nome, Telefone and Referencia. Fiado is ignored.
	UpdateClient(ctx context.Context, c Client) (*Client, error)

	// DeleteClient removes the client and clears the client reference on
	// its historic sales.
	DeleteClient(ctx context.Context, id ClientID) error

	// AdjustFiado atomically adds delta to the client's balance, floored at 0.
	AdjustFiado(ctx context.Context, id ClientID, delta Money) (BalanceChange, error)
}

type ProductStore interface {
	CreateProduct(ctx context.Context, p Product) (*Product, error)
	GetProduct(ctx context.Context, id ProductID) (*Product, error)
	GetProducts(ctx context.Context, ids []ProductID) (map[ProductID]Product, error)
	ListProducts(ctx context.Context) ([]Product, error)

	// UpdateProduct writes Nome and Preco. Estoque is ignored.
	UpdateProduct(ctx context.Context, p Product) (*Product, error)
	DeleteProduct(ctx context.Context, id ProductID) error

	// AdjustStock applies all deltas or none.
	AdjustStock(ctx context.Context, deltas []StockDelta) error

	// ProductInUse reports whether a non-voided sale references the product.
	ProductInUse(ctx context.Context, id ProductID) (bool, error)
}

type SaleStore interface {
	// InsertSale persists a new sale with its lines and returns it with ID set.
	InsertSale(ctx context.Context, s Sale) (*Sale, error)
	GetSale(ctx context.Context, id SaleID) (*Sale, error)
	ListSales(ctx context.Context, filter SaleFilter) ([]Sale, error)

	// TransitionSale moves a sale from one status to another.
	// Returns ErrSaleNotFound if the sale is absent or not in `from`.
	TransitionSale(ctx context.Context, t SaleTransition) error

	// CountOpenSales returns how many Open sales the client has.
	CountOpenSales(ctx context.Context, id ClientID) (int, error)
}

// AuditLog stores audit entries. Append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

// Store is everything the engine needs from persistence.
type Store interface {
	ClientStore
	ProductStore
	SaleStore
	AuditLog
}

// Resetter is implemented by stores that can wipe all data (demo/dev only).
type Resetter interface {
	Reset(ctx context.Context) error
}

// SaleFilter selects sales. Nil fields do not filter. Inicio and Fim are
// inclusive bounds on Sale.Data.
type SaleFilter struct {
	Inicio    *time.Time
	Fim       *time.Time
	ClienteID *ClientID
	Statuses  []SaleStatus
}

// Matches reports whether s passes the filter.
func (f SaleFilter) Matches(s Sale) bool {
	if f.Inicio != nil && s.Data.Before(*f.Inicio) {
		return false
	}
	if f.Fim != nil && s.Data.After(*f.Fim) {
		return false
	}
	if f.ClienteID != nil && (s.ClienteID == nil || *s.ClienteID != *f.ClienteID) {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, st := range f.Statuses {
			if s.Status == st {
				return true
			}
		}
		return false
	}
	return true
}

// SaleTransition describes a conditional status change.
type SaleTransition struct {
	SaleID SaleID
	From   SaleStatus
	To     SaleStatus
	Reason SettlementReason
	Note   string
	At     time.Time
}
