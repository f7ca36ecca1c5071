/*
Package ledger provides the fiado credit and inventory transaction engine.

PURPOSE:
  This package contains the domain types and algorithms that keep a small
  shop's books consistent: how much stock is left, how much each client
  owes, and which sales produced those numbers. Everything else (HTTP,
  databases, message brokers) plugs into the interfaces declared here.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: A decimal amount in the shop's currency (never float64)
  - Client: Someone who may buy on credit; Fiado is what they owe
  - Product: Something sold; Estoque is the units on the shelf
  - Sale: An immutable record of a sale, flat credit amount or itemized
  - SaleRequest: The tagged input variant callers build to record a sale

CORE INVARIANTS:
  1. client.Fiado == sum of Total over the client's Open sales
  2. product.Estoque >= 0, always
  3. Sales are never edited; only their Status moves forward
     (Open -> Settled -> Voided, or Open -> Voided)

USAGE:
  req := ledger.SaleRequest{
      ClienteID: ledger.ClientIDPtr(7),
      Body: ledger.ItemizedSale{Lines: []ledger.LineRequest{
          {ProdutoID: 3, Quantidade: 2},
      }},
  }
  sale, err := orchestrator.CreateSale(ctx, req)

SEE ALSO:
  - errors.go: Error kinds returned by the engine
  - store.go: Persistence contracts
  - orchestrator.go: Sale creation and settlement workflow
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Decimal currency amount
// =============================================================================

// Money is a currency amount. Totals are kept at two decimal places.
type Money struct {
	Value decimal.Decimal
}

// Zero is the zero amount.
var Zero = Money{Value: decimal.Zero}

func NewMoney(value float64) Money {
	return Money{Value: decimal.NewFromFloat(value).Round(2)}
}

func NewMoneyFromCents(cents int64) Money {
	return Money{Value: decimal.New(cents, -2)}
}

// ParseMoney parses a decimal string such as "12.50".
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, err
	}
	return Money{Value: d.Round(2)}, nil
}

// MustMoney parses s and returns Zero on malformed input.
func MustMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		return Zero
	}
	return m
}

func (m Money) Add(o Money) Money { return Money{Value: m.Value.Add(o.Value)} }
func (m Money) Sub(o Money) Money { return Money{Value: m.Value.Sub(o.Value)} }
func (m Money) Neg() Money { return Money{Value: m.Value.Neg()} }
func (m Money) Times(qty int) Money { return Money{Value: m.Value.Mul(decimal.NewFromInt(int64(qty)))} }
func (m Money) Round() Money { return Money{Value: m.Value.Round(2)} }
func (m Money) IsZero() bool { return m.Value.IsZero() }
func (m Money) IsPositive() bool { return m.Value.IsPositive() }
func (m Money) IsNegative() bool { return m.Value.IsNegative() }
func (m Money) Equal(o Money) bool { return m.Value.Equal(o.Value) }
func (m Money) GreaterThan(o Money) bool { return m.Value.GreaterThan(o.Value) }
func (m Money) LessThan(o Money) bool { return m.Value.LessThan(o.Value) }
func (m Money) String() string { return m.Value.StringFixed(2) }
func (m Money) Float64() float64 { return m.Value.InexactFloat64() }

// ClampZero returns m, or Zero when m is negative.
func (m Money) ClampZero() Money {
	if m.IsNegative() {
		return Zero
	}
	return m
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ClientID int64
type ProductID int64
type SaleID int64

func ClientIDPtr(id int64) *ClientID {
	c := ClientID(id)
	return &c
}

// =============================================================================
// CLIENT & PRODUCT
// =============================================================================

// Client is someone the shop may sell to on credit.
// Fiado is written only by the CreditAccumulator.
type Client struct {
	ID         ClientID
	Nome       string
	Telefone   string
	Referencia string
	Fiado      Money
	CreatedAt  time.Time
}

// Product is a sellable item. Estoque is written only by Inventory.
type Product struct {
	ID        ProductID
	Nome      string
	Preco     Money
	Estoque   int
	CreatedAt time.Time
}

// BalanceChange is the outcome of an atomic fiado adjustment.
type BalanceChange struct {
	ClienteID ClientID
	Before    Money
	After     Money
}

// Applied returns the change that actually landed (after clamping).
func (b BalanceChange) Applied() Money { return b.After.Sub(b.Before) }

// StockDelta is a signed stock change for one product.
type StockDelta struct {
	ProdutoID ProductID
	Delta     int
}

// =============================================================================
// SALE - Immutable record
// =============================================================================

type SaleKind string

const (
	KindFlat     SaleKind = "flat"     // direct credit amount, no items
	KindItemized SaleKind = "itemized" // product lines
)

type SaleStatus string

const (
	StatusOpen    SaleStatus = "open"    // credit outstanding
	StatusSettled SaleStatus = "settled" // paid (cash sales start here)
	StatusVoided  SaleStatus = "voided"  // cancelled, stock returned
)

// SettlementReason tags why a sale left the Open state.
type SettlementReason string

const (
	ReasonPaid SettlementReason = "pago"
	ReasonVoid SettlementReason = "estorno"
)

// SaleLine is one product entry of an itemized sale. Nome and price are
// snapshots taken when the sale was recorded.
type SaleLine struct {
	ProdutoID     ProductID
	ProdutoNome   string
	Quantidade    int
	PrecoUnitario Money
	Subtotal      Money
}

type Sale struct {
	ID        SaleID
	ClienteID *ClientID
	Data      time.Time
	Kind      SaleKind
	Valor     Money // flat sales only
	Lines     []SaleLine
	Total     Money
	Status    SaleStatus
	Reason    SettlementReason
	Note      string
	CreatedBy string
	SettledAt *time.Time
	VoidedAt  *time.Time
}

// IsCredit reports whether the sale was charged to a client.
func (s Sale) IsCredit() bool { return s.ClienteID != nil }

// LineRequests returns the sale's lines as stock requests.
func (s Sale) LineRequests() []LineRequest {
	out := make([]LineRequest, 0, len(s.Lines))
	for _, l := range s.Lines {
		out = append(out, LineRequest{ProdutoID: l.ProdutoID, Quantidade: l.Quantidade})
	}
	return out
}

// Clone returns a deep copy.
func (s Sale) Clone() Sale {
	c := s
	if s.ClienteID != nil {
		id := *s.ClienteID
		c.ClienteID = &id
	}
	c.Lines = append([]SaleLine(nil), s.Lines...)
	if s.SettledAt != nil {
		t := *s.SettledAt
		c.SettledAt = &t
	}
	if s.VoidedAt != nil {
		t := *s.VoidedAt
		c.VoidedAt = &t
	}
	return c
}

// =============================================================================
// SALE REQUEST - Tagged input variant
// =============================================================================

// Actor is the request-scoped identity performing an operation.
type Actor struct {
	ID string
}

// LineRequest asks for Quantidade units of a product.
type LineRequest struct {
	ProdutoID  ProductID
	Quantidade int
}

// SaleBody is either FlatCreditSale or ItemizedSale.
type SaleBody interface {
	Kind() SaleKind
}

// FlatCreditSale records a credit amount with no product lines.
type FlatCreditSale struct {
	Valor Money
}

func (FlatCreditSale) Kind() SaleKind { return KindFlat }

// ItemizedSale records product lines; the total is computed from prices.
type ItemizedSale struct {
	Lines []LineRequest
}

func (ItemizedSale) Kind() SaleKind { return KindItemized }

// SaleRequest is a finished, all-at-once sale. A nil ClienteID is a cash sale.
type SaleRequest struct {
	ClienteID *ClientID
	Body      SaleBody
	Actor     Actor
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditAction string

const (
	AuditSaleCreated   AuditAction = "sale_created"
	AuditSaleSettled   AuditAction = "sale_settled"
	AuditSaleVoided    AuditAction = "sale_voided"
	AuditStockRestock  AuditAction = "stock_restocked"
	AuditClientRemoved AuditAction = "client_removed"
)

// AuditEntry records who did what when. Append-only.
type AuditEntry struct {
	ID        string
	Timestamp time.Time
	ActorID   string
	Action    AuditAction
	SaleID    *SaleID
	ClienteID *ClientID
	ProdutoID *ProductID
	Amount    Money
	Reason    string
}

type AuditFilter struct {
	SaleID    *SaleID
	ClienteID *ClientID
	Actions   []AuditAction
	Limit     int
}
