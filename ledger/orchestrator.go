/*
orchestrator.go - Sale creation, settlement and voiding

PURPOSE:
  Sequences inventory, credit and persistence so that every sale is applied
  completely or not at all. Each step that mutates state pushes its inverse
  onto an undo stack; when a later step fails the stack is unwound before
  the error is returned.

SALE CREATION:
  ┌────────────┐   ┌────────────────┐   ┌────────────────┐   ┌────────────┐
  │ Validating │──▶│ ReservingStock │──▶│ UpdatingCredit │──▶│ Persisting │──▶ Committed
  └────────────┘   └────────────────┘   └────────────────┘   └────────────┘
        │                  │                    │                   │
        └──────────────────┴────────────────────┴───────────────────┴──▶ Aborted

  ReservingStock runs for itemized sales only; UpdatingCredit for credit
  sales only. Cash sales are recorded directly as Settled.

SETTLEMENT:
  SettleOrDeleteSale(id, reason) is the single exit from the Open state.
    pago:    Open -> Settled, reverses the client's credit
    estorno: Open|Settled -> Voided, releases stock and reverses credit if
             the sale was still Open
  Anything else is ErrSaleNotFound, which makes a repeated call harmless.

LOCKING:
  All client, product and sale keys a workflow touches are held in KeyLocks
  from validation until commit. Keys are taken in sorted order.

TIMEOUTS:
  Each store call runs under Config.StoreTimeout. Compensations run on a
  context detached from the caller's cancellation, bounded by
  Config.CompensationTimeout, so an abandoned request still rolls back.

AFTER COMMIT:
  An AuditEntry is appended and an event is published. Neither can fail
  the operation; failures are logged.
*/
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// =============================================================================
// STAGES
// =============================================================================

// Stage is a step of the sale workflow.
type Stage string

const (
	StageValidating     Stage = "validating"
	StageReservingStock Stage = "reserving stock"
	StageReleasingStock Stage = "releasing stock"
	StageUpdatingCredit Stage = "updating credit"
	StagePersisting     Stage = "persisting"
	StageCommitted      Stage = "committed"
	StageAborted        Stage = "aborted"
)

// =============================================================================
// CONFIG
// =============================================================================

const (
	DefaultStoreTimeout        = 5 * time.Second
	DefaultCompensationTimeout = 10 * time.Second
)

type Config struct {
	// StoreTimeout bounds each individual store call.
	StoreTimeout time.Duration

	// CompensationTimeout bounds the whole rollback of a failed workflow.
	CompensationTimeout time.Duration

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Publisher receives sale events. Defaults to NopPublisher.
	Publisher EventPublisher

	// Locks may be shared between orchestrators over the same store.
	Locks *KeyLocks

	Logger zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = DefaultStoreTimeout
	}
	if c.CompensationTimeout <= 0 {
		c.CompensationTimeout = DefaultCompensationTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Publisher == nil {
		c.Publisher = NopPublisher{}
	}
	if c.Locks == nil {
		c.Locks = NewKeyLocks()
	}
	return c
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

type Orchestrator struct {
	store     Store
	inventory *Inventory
	credit    *CreditAccumulator
	locks     *KeyLocks
	cfg       Config
	log       zerolog.Logger
}

func NewOrchestrator(store Store, cfg Config) *Orchestrator {
	cfg = cfg.withDefaults()
	return &Orchestrator{
		store:     store,
		inventory: NewInventory(store),
		credit:    NewCreditAccumulator(store),
		locks:     cfg.Locks,
		cfg:       cfg,
		log:       cfg.Logger.With().Str("component", "orchestrator").Logger(),
	}
}

// Reporter returns a Reporter over the same store that re-checks balances
// under this orchestrator's client locks.
func (o *Orchestrator) Reporter() *Reporter {
	return &Reporter{store: o.store, locks: o.locks}
}

func (o *Orchestrator) Inventory() *Inventory { return o.inventory }
func (o *Orchestrator) Credit() *CreditAccumulator { return o.credit }

func (o *Orchestrator) now() time.Time {
	return o.cfg.Now().UTC().Truncate(time.Second)
}

// =============================================================================
// SALE CREATION
// =============================================================================

// CreateSale records a finished sale. On any failure the books are left
// exactly as they were and the returned error is a *SaleError.
func (o *Orchestrator) CreateSale(ctx context.Context, req SaleRequest) (*Sale, error) {
	stage := StageValidating
	abort := func(err error) (*Sale, error) {
		o.log.Debug().Err(err).Str("stage", string(stage)).Msg("sale aborted")
		return nil, &SaleError{Stage: stage, Err: err}
	}

	var (
		lines []LineRequest
		valor Money
	)
	switch body := req.Body.(type) {
	case FlatCreditSale:
		if req.ClienteID == nil {
			return abort(invalid("cliente_id", "a flat credit sale requires a client"))
		}
		if !body.Valor.IsPositive() {
			return abort(invalid("valor", "must be greater than zero"))
		}
		valor = body.Valor.Round()
	case ItemizedSale:
		if _, err := MergeLines(body.Lines); err != nil {
			return abort(err)
		}
		lines = body.Lines
	case nil:
		return abort(invalid("body", "sale kind is required"))
	default:
		return abort(invalid("body", fmt.Sprintf("unsupported sale kind %T", body)))
	}

	keys := make([]string, 0, len(lines)+1)
	if req.ClienteID != nil {
		keys = append(keys, ClientKey(*req.ClienteID))
	}
	for _, l := range lines {
		keys = append(keys, ProductKey(l.ProdutoID))
	}
	unlock, err := o.locks.Acquire(ctx, keys...)
	if err != nil {
		return abort(&StorageError{Op: "acquire locks", Err: err})
	}
	defer unlock()

	if req.ClienteID != nil {
		if err := o.requireClient(ctx, *req.ClienteID); err != nil {
			return abort(err)
		}
	}

	sale := Sale{
		ClienteID: req.ClienteID,
		Data:      o.now(),
		Kind:      req.Body.Kind(),
		CreatedBy: req.Actor.ID,
	}
	if sale.Kind == KindFlat {
		sale.Valor = valor
		sale.Total = valor
	} else {
		priced, total, err := o.priceLines(ctx, lines)
		if err != nil {
			return abort(err)
		}
		sale.Lines = priced
		sale.Total = total
	}

	undo := &undoStack{}

	if sale.Kind == KindItemized {
		stage = StageReservingStock
		err := o.withTimeout(ctx, func(ctx context.Context) error {
			return o.inventory.Reserve(ctx, lines)
		})
		if err != nil {
			return abort(err)
		}
		undo.push("release stock", func(ctx context.Context) error {
			return o.inventory.Release(ctx, lines)
		})
	}

	if sale.ClienteID != nil && sale.Total.IsPositive() {
		stage = StageUpdatingCredit
		var change BalanceChange
		err := o.withTimeout(ctx, func(ctx context.Context) error {
			var err error
			change, err = o.credit.ApplyCredit(ctx, *sale.ClienteID, sale.Total)
			return err
		})
		if err != nil {
			o.compensate(ctx, undo, err)
			return abort(err)
		}
		undo.push("reverse credit", func(ctx context.Context) error {
			_, err := o.credit.ReverseCredit(ctx, change.ClienteID, change.Applied())
			return err
		})
	}

	if sale.ClienteID != nil {
		sale.Status = StatusOpen
	} else {
		sale.Status = StatusSettled
		sale.Reason = ReasonPaid
		at := sale.Data
		sale.SettledAt = &at
	}

	stage = StagePersisting
	var saved *Sale
	err = o.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		saved, err = o.store.InsertSale(ctx, sale)
		return wrapStorage("insert sale", err)
	})
	if err != nil {
		o.compensate(ctx, undo, err)
		return abort(err)
	}

	o.log.Info().
		Int64("sale_id", int64(saved.ID)).
		Str("kind", string(saved.Kind)).
		Str("status", string(saved.Status)).
		Str("total", saved.Total.String()).
		Str("actor", req.Actor.ID).
		Msg("sale committed")

	o.afterCommit(ctx, *saved, req.Actor, AuditSaleCreated, RoutingSaleCreated, "")
	return saved, nil
}

// priceLines snapshots names and prices for each requested line.
func (o *Orchestrator) priceLines(ctx context.Context, lines []LineRequest) ([]SaleLine, Money, error) {
	ids := make([]ProductID, 0, len(lines))
	for _, l := range lines {
		ids = append(ids, l.ProdutoID)
	}
	var products map[ProductID]Product
	err := o.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		products, err = o.store.GetProducts(ctx, ids)
		return wrapStorage("get products", err)
	})
	if err != nil {
		return nil, Zero, err
	}

	priced := make([]SaleLine, 0, len(lines))
	total := Zero
	for _, l := range lines {
		p, ok := products[l.ProdutoID]
		if !ok {
			return nil, Zero, &UnknownProductError{ProdutoID: l.ProdutoID}
		}
		subtotal := p.Preco.Times(l.Quantidade).Round()
		priced = append(priced, SaleLine{
			ProdutoID:     p.ID,
			ProdutoNome:   p.Nome,
			Quantidade:    l.Quantidade,
			PrecoUnitario: p.Preco,
			Subtotal:      subtotal,
		})
		total = total.Add(subtotal)
	}
	return priced, total.Round(), nil
}

// =============================================================================
// SETTLEMENT & VOIDING
// =============================================================================

// SettleOrDeleteSale settles (ReasonPaid) or voids (ReasonVoid) a sale.
// An empty reason means ReasonPaid.
func (o *Orchestrator) SettleOrDeleteSale(ctx context.Context, id SaleID, reason SettlementReason, actor Actor) (*Sale, error) {
	return o.SettleOrDeleteSaleWithNote(ctx, id, reason, "", actor)
}

// SettleOrDeleteSaleWithNote is SettleOrDeleteSale with a free-text note
// stored on the sale (e.g. why it was voided).
func (o *Orchestrator) SettleOrDeleteSaleWithNote(ctx context.Context, id SaleID, reason SettlementReason, note string, actor Actor) (*Sale, error) {
	stage := StageValidating
	abort := func(err error) (*Sale, error) {
		return nil, &SaleError{Stage: stage, SaleID: id, Err: err}
	}

	if reason == "" {
		reason = ReasonPaid
	}
	if reason != ReasonPaid && reason != ReasonVoid {
		return abort(invalid("motivo", fmt.Sprintf("unknown settlement reason %q", reason)))
	}

	current, err := o.getSale(ctx, id)
	if err != nil {
		return abort(err)
	}

	keys := []string{SaleKey(id)}
	if current.ClienteID != nil {
		keys = append(keys, ClientKey(*current.ClienteID))
	}
	for _, l := range current.Lines {
		keys = append(keys, ProductKey(l.ProdutoID))
	}
	unlock, err := o.locks.Acquire(ctx, keys...)
	if err != nil {
		return abort(&StorageError{Op: "acquire locks", Err: err})
	}
	defer unlock()

	// Re-read under the lock; another request may have moved it.
	sale, err := o.getSale(ctx, id)
	if err != nil {
		return abort(err)
	}
	if !eligible(sale.Status, reason) {
		return abort(fmt.Errorf("sale %d is %s: %w", id, sale.Status, ErrSaleNotFound))
	}

	undo := &undoStack{}
	lines := sale.LineRequests()

	if reason == ReasonVoid && len(lines) > 0 {
		stage = StageReleasingStock
		err := o.withTimeout(ctx, func(ctx context.Context) error {
			return o.inventory.Release(ctx, lines)
		})
		if err != nil {
			return abort(err)
		}
		undo.push("re-reserve stock", func(ctx context.Context) error {
			return o.inventory.Reserve(ctx, lines)
		})
	}

	if sale.Status == StatusOpen && sale.ClienteID != nil {
		stage = StageUpdatingCredit
		var change BalanceChange
		err := o.withTimeout(ctx, func(ctx context.Context) error {
			var err error
			change, err = o.credit.ReverseCredit(ctx, *sale.ClienteID, sale.Total)
			return err
		})
		if err != nil {
			o.compensate(ctx, undo, err)
			return abort(err)
		}
		undo.push("re-apply credit", func(ctx context.Context) error {
			reversed := change.Applied().Neg()
			if !reversed.IsPositive() {
				return nil
			}
			_, err := o.credit.ApplyCredit(ctx, change.ClienteID, reversed)
			return err
		})
	}

	stage = StagePersisting
	at := o.now()
	t := SaleTransition{SaleID: id, From: sale.Status, Reason: reason, Note: note, At: at}
	if reason == ReasonPaid {
		t.To = StatusSettled
	} else {
		t.To = StatusVoided
	}
	err = o.withTimeout(ctx, func(ctx context.Context) error {
		return wrapStorage("transition sale", o.store.TransitionSale(ctx, t))
	})
	if err != nil {
		o.compensate(ctx, undo, err)
		return abort(err)
	}

	updated := sale.Clone()
	updated.Status = t.To
	updated.Reason = reason
	updated.Note = note
	if t.To == StatusSettled {
		updated.SettledAt = &at
	} else {
		updated.VoidedAt = &at
	}

	o.log.Info().
		Int64("sale_id", int64(id)).
		Str("from", string(t.From)).
		Str("to", string(t.To)).
		Str("actor", actor.ID).
		Msg("sale transitioned")

	if t.To == StatusSettled {
		o.afterCommit(ctx, updated, actor, AuditSaleSettled, RoutingSaleSettled, note)
	} else {
		o.afterCommit(ctx, updated, actor, AuditSaleVoided, RoutingSaleVoided, note)
	}
	return &updated, nil
}

func eligible(status SaleStatus, reason SettlementReason) bool {
	switch reason {
	case ReasonPaid:
		return status == StatusOpen
	case ReasonVoid:
		return status == StatusOpen || status == StatusSettled
	}
	return false
}

func (o *Orchestrator) getSale(ctx context.Context, id SaleID) (*Sale, error) {
	var sale *Sale
	err := o.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		sale, err = o.store.GetSale(ctx, id)
		return wrapStorage("get sale", err)
	})
	if err != nil {
		return nil, err
	}
	if sale == nil {
		return nil, fmt.Errorf("sale %d: %w", id, ErrSaleNotFound)
	}
	return sale, nil
}

// =============================================================================
// CLIENT & PRODUCT LIFECYCLE
// =============================================================================

// ValidateClient checks the fields a client must carry.
func ValidateClient(c Client) error {
	if strings.TrimSpace(c.Nome) == "" {
		return invalid("nome", "is required")
	}
	return nil
}

// ValidateProduct checks the fields a product must carry.
func ValidateProduct(p Product) error {
	if strings.TrimSpace(p.Nome) == "" {
		return invalid("nome", "is required")
	}
	if p.Preco.IsNegative() {
		return invalid("preco", "must not be negative")
	}
	if p.Estoque < 0 {
		return invalid("estoque", "must not be negative")
	}
	return nil
}

// OpenClient creates a client. A positive opening balance is recorded as a
// flat credit sale so the client's fiado stays equal to its open sales.
func (o *Orchestrator) OpenClient(ctx context.Context, c Client, opening Money, actor Actor) (*Client, error) {
	if err := ValidateClient(c); err != nil {
		return nil, err
	}
	if opening.IsNegative() {
		return nil, invalid("fiado", "opening balance must not be negative")
	}
	c.Nome = strings.TrimSpace(c.Nome)
	c.Fiado = Zero
	if c.CreatedAt.IsZero() {
		c.CreatedAt = o.now()
	}

	var created *Client
	err := o.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		created, err = o.store.CreateClient(ctx, c)
		return wrapStorage("create client", err)
	})
	if err != nil {
		return nil, err
	}
	if !opening.IsPositive() {
		return created, nil
	}

	req := SaleRequest{
		ClienteID: &created.ID,
		Body:      FlatCreditSale{Valor: opening},
		Actor:     actor,
	}
	if _, err := o.CreateSale(ctx, req); err != nil {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CompensationTimeout)
		defer cancel()
		if derr := o.store.DeleteClient(cctx, created.ID); derr != nil {
			o.log.Error().Err(derr).Int64("cliente_id", int64(created.ID)).Msg("failed to remove client after opening balance failed")
		}
		return nil, err
	}

	created.Fiado = opening.Round()
	return created, nil
}

// RemoveClient deletes a client that owes nothing. Historic sales keep their
// record with the client reference cleared.
func (o *Orchestrator) RemoveClient(ctx context.Context, id ClientID, actor Actor) error {
	unlock, err := o.locks.Acquire(ctx, ClientKey(id))
	if err != nil {
		return &StorageError{Op: "acquire locks", Err: err}
	}
	defer unlock()

	var (
		client *Client
		open   int
	)
	err = o.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		if client, err = o.store.GetClient(ctx, id); err != nil || client == nil {
			return wrapStorage("get client", err)
		}
		open, err = o.store.CountOpenSales(ctx, id)
		return wrapStorage("count open sales", err)
	})
	if err != nil {
		return err
	}
	if client == nil {
		return &UnknownClientError{ClienteID: id}
	}
	if open > 0 || client.Fiado.IsPositive() {
		return &HasOutstandingBalanceError{ClienteID: id, Fiado: client.Fiado, OpenSales: open}
	}

	err = o.withTimeout(ctx, func(ctx context.Context) error {
		return wrapStorage("delete client", o.store.DeleteClient(ctx, id))
	})
	if err != nil {
		return err
	}

	o.log.Info().Int64("cliente_id", int64(id)).Str("actor", actor.ID).Msg("client removed")
	o.appendAudit(ctx, AuditEntry{
		ActorID:   actor.ID,
		Action:    AuditClientRemoved,
		ClienteID: &id,
	})
	return nil
}

// RemoveProduct deletes a product no live sale refers to.
func (o *Orchestrator) RemoveProduct(ctx context.Context, id ProductID) error {
	unlock, err := o.locks.Acquire(ctx, ProductKey(id))
	if err != nil {
		return &StorageError{Op: "acquire locks", Err: err}
	}
	defer unlock()

	var (
		product *Product
		inUse   bool
	)
	err = o.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		if product, err = o.store.GetProduct(ctx, id); err != nil || product == nil {
			return wrapStorage("get product", err)
		}
		inUse, err = o.store.ProductInUse(ctx, id)
		return wrapStorage("check product use", err)
	})
	if err != nil {
		return err
	}
	if product == nil {
		return &UnknownProductError{ProdutoID: id}
	}
	if inUse {
		return fmt.Errorf("product %d: %w", id, ErrProductInUse)
	}

	return o.withTimeout(ctx, func(ctx context.Context) error {
		return wrapStorage("delete product", o.store.DeleteProduct(ctx, id))
	})
}

// Restock adds received units to a product and returns its new state.
func (o *Orchestrator) Restock(ctx context.Context, id ProductID, quantidade int, actor Actor) (*Product, error) {
	if quantidade <= 0 {
		return nil, invalid("quantidade", "must be greater than zero")
	}
	unlock, err := o.locks.Acquire(ctx, ProductKey(id))
	if err != nil {
		return nil, &StorageError{Op: "acquire locks", Err: err}
	}
	defer unlock()

	var product *Product
	err = o.withTimeout(ctx, func(ctx context.Context) error {
		if err := o.inventory.Restock(ctx, id, quantidade); err != nil {
			return err
		}
		var err error
		product, err = o.store.GetProduct(ctx, id)
		return wrapStorage("get product", err)
	})
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, &UnknownProductError{ProdutoID: id}
	}

	o.log.Info().Int64("produto_id", int64(id)).Int("quantidade", quantidade).Int("estoque", product.Estoque).Msg("product restocked")
	o.appendAudit(ctx, AuditEntry{
		ActorID:   actor.ID,
		Action:    AuditStockRestock,
		ProdutoID: &id,
		Reason:    fmt.Sprintf("+%d", quantidade),
	})
	return product, nil
}

func (o *Orchestrator) requireClient(ctx context.Context, id ClientID) error {
	var client *Client
	err := o.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		client, err = o.store.GetClient(ctx, id)
		return wrapStorage("get client", err)
	})
	if err != nil {
		return err
	}
	if client == nil {
		return &UnknownClientError{ClienteID: id}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// withTimeout runs fn under the per-call store timeout.
func (o *Orchestrator) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.StoreTimeout)
	defer cancel()
	return fn(ctx)
}

type undoStep struct {
	name string
	fn   func(context.Context) error
}

type undoStack struct {
	steps []undoStep
}

func (u *undoStack) push(name string, fn func(context.Context) error) {
	u.steps = append(u.steps, undoStep{name: name, fn: fn})
}

// compensate unwinds the undo stack in reverse order.
func (o *Orchestrator) compensate(ctx context.Context, undo *undoStack, cause error) {
	if len(undo.steps) == 0 {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CompensationTimeout)
	defer cancel()

	for i := len(undo.steps) - 1; i >= 0; i-- {
		step := undo.steps[i]
		if err := step.fn(cctx); err != nil {
			o.log.Error().Err(err).AnErr("cause", cause).Str("step", step.name).Msg("compensation failed")
			continue
		}
		o.log.Debug().Str("step", step.name).Msg("compensated")
	}
}

func (o *Orchestrator) afterCommit(ctx context.Context, sale Sale, actor Actor, action AuditAction, routingKey, note string) {
	id := sale.ID
	o.appendAudit(ctx, AuditEntry{
		ActorID:   actor.ID,
		Action:    action,
		SaleID:    &id,
		ClienteID: sale.ClienteID,
		Amount:    sale.Total,
		Reason:    strings.TrimSpace(string(sale.Reason) + " " + note),
	})

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.StoreTimeout)
	defer cancel()
	ev := NewSaleEvent(sale, actor, o.now())
	if err := o.cfg.Publisher.Publish(pctx, EventsExchange, routingKey, ev); err != nil {
		o.log.Warn().Err(err).Int64("sale_id", int64(sale.ID)).Str("routing_key", routingKey).Msg("event not published")
	}
}

func (o *Orchestrator) appendAudit(ctx context.Context, entry AuditEntry) {
	entry.ID = uuid.NewString()
	entry.Timestamp = o.cfg.Now().UTC()
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.StoreTimeout)
	defer cancel()
	if err := o.store.AppendAudit(actx, entry); err != nil {
		o.log.Error().Err(err).Str("action", string(entry.Action)).Msg("audit entry not written")
	}
}
