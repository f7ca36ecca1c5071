/*
handlers.go - HTTP API handlers for the fiado engine

PURPOSE:
  Exposes the credit and inventory engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates every balance or
  stock change to the ledger orchestrator.

ENDPOINTS:
  Clientes:
    GET    /api/clientes               List clients
    POST   /api/clientes               Create client (optional opening fiado)
    GET    /api/clientes/{id}          Get client
    PUT    /api/clientes/{id}          Update nome/telefone/referencia
    DELETE /api/clientes/{id}          Remove client (only if it owes nothing)
    GET    /api/clientes/{id}/saldo    Current fiado

  Produtos:
    GET    /api/produtos               List products
    POST   /api/produtos               Create product
    GET    /api/produtos/{id}          Get product
    PUT    /api/produtos/{id}          Update nome/preco
    DELETE /api/produtos/{id}          Remove product (only if unused)
    POST   /api/produtos/{id}/estoque  Restock

  Vendas:
    POST   /api/vendas                 Record a sale
    GET    /api/vendas/{id}            Get sale
    GET    /api/vendas/{id}/historico  Audit trail of a sale
    POST   /api/vendas/{id}/pagar      Settle
    DELETE /api/vendas/{id}            Void (?motivo= free text)

  Relatorios:
    GET    /api/relatorios/resumo       Summary (?inicio=&fim=&cliente_id=)
    GET    /api/relatorios/vendas       Sales report (same filters)
    GET    /api/relatorios/devedores    Top debtors (?limite=)
    GET    /api/relatorios/conferencia  Balance verification

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store: Read access and plain CRUD
  - Orchestrator: Every operation that moves fiado or stock
  - Reporter: Read-only aggregates

ACTOR:
  The acting user is taken from the X-Actor-ID header, set by the auth
  layer in front of this service, and passed into the orchestrator.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Client, product or sale not found
  - 409: Insufficient stock, outstanding balance, product in use
  - 503: Storage failure (safe to retry)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/warp/fiado-engine/ledger"
)

// ActorHeader carries the identity of the user performing a request.
const ActorHeader = "X-Actor-ID"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store        ledger.Store
	Orchestrator *ledger.Orchestrator
	Reporter     *ledger.Reporter
	Log          zerolog.Logger

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler over store and orchestrator.
func NewHandler(store ledger.Store, orch *ledger.Orchestrator, logger zerolog.Logger) *Handler {
	return &Handler{
		Store:        store,
		Orchestrator: orch,
		Reporter:     orch.Reporter(),
		Log:          logger,
	}
}

// Health reports whether the store is reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// CLIENTE HANDLERS
// =============================================================================

// ListClientes returns all clients.
func (h *Handler) ListClientes(w http.ResponseWriter, r *http.Request) {
	clients, err := h.Store.ListClients(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Failed to list clients", err)
		return
	}

	dtos := make([]ClienteDTO, len(clients))
	for i, c := range clients {
		dtos[i] = toClienteDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCliente returns a single client.
func (h *Handler) GetCliente(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	client, err := h.Store.GetClient(r.Context(), ledger.ClientID(id))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Failed to get client", err)
		return
	}
	if client == nil {
		writeError(w, http.StatusNotFound, "Client not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toClienteDTO(*client))
}

// CreateCliente creates a client. A positive fiado becomes an opening
// credit sale.
func (h *Handler) CreateCliente(w http.ResponseWriter, r *http.Request) {
	var req CreateClienteRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	client := ledger.Client{
		Nome:       req.Nome,
		Telefone:   strings.TrimSpace(req.Telefone),
		Referencia: strings.TrimSpace(req.Referencia),
	}
	created, err := h.Orchestrator.OpenClient(r.Context(), client, ledger.NewMoney(req.Fiado), actorFrom(r))
	if err != nil {
		writeLedgerError(w, "Failed to create client", err)
		return
	}
	writeJSON(w, http.StatusCreated, toClienteDTO(*created))
}

// UpdateCliente changes a client's contact details. Fiado is never written
// here.
func (h *Handler) UpdateCliente(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req UpdateClienteRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	client := ledger.Client{
		ID:         ledger.ClientID(id),
		Nome:       strings.TrimSpace(req.Nome),
		Telefone:   strings.TrimSpace(req.Telefone),
		Referencia: strings.TrimSpace(req.Referencia),
	}
	if err := ledger.ValidateClient(client); err != nil {
		writeLedgerError(w, "Invalid client", err)
		return
	}

	updated, err := h.Store.UpdateClient(r.Context(), client)
	if err != nil {
		writeLedgerError(w, "Failed to update client", err)
		return
	}
	if updated == nil {
		writeError(w, http.StatusNotFound, "Client not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toClienteDTO(*updated))
}

// DeleteCliente removes a client that owes nothing.
func (h *Handler) DeleteCliente(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.Orchestrator.RemoveClient(r.Context(), ledger.ClientID(id), actorFrom(r)); err != nil {
		writeLedgerError(w, "Failed to remove client", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetSaldo returns a client's current fiado.
func (h *Handler) GetSaldo(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	balance, err := h.Reporter.ClientBalance(r.Context(), ledger.ClientID(id))
	if err != nil {
		writeLedgerError(w, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, SaldoDTO{ClienteID: id, Fiado: balance.Float64()})
}

// =============================================================================
// PRODUTO HANDLERS
// =============================================================================

// ListProdutos returns all products.
func (h *Handler) ListProdutos(w http.ResponseWriter, r *http.Request) {
	products, err := h.Store.ListProducts(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Failed to list products", err)
		return
	}

	dtos := make([]ProdutoDTO, len(products))
	for i, p := range products {
		dtos[i] = toProdutoDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetProduto returns a single product.
func (h *Handler) GetProduto(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	product, err := h.Store.GetProduct(r.Context(), ledger.ProductID(id))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Failed to get product", err)
		return
	}
	if product == nil {
		writeError(w, http.StatusNotFound, "Product not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toProdutoDTO(*product))
}

// CreateProduto creates a product with its initial stock.
func (h *Handler) CreateProduto(w http.ResponseWriter, r *http.Request) {
	var req CreateProdutoRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	product := ledger.Product{
		Nome:      strings.TrimSpace(req.Nome),
		Preco:     ledger.NewMoney(req.Preco),
		Estoque:   req.Estoque,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := ledger.ValidateProduct(product); err != nil {
		writeLedgerError(w, "Invalid product", err)
		return
	}

	created, err := h.Store.CreateProduct(r.Context(), product)
	if err != nil {
		writeLedgerError(w, "Failed to create product", err)
		return
	}
	writeJSON(w, http.StatusCreated, toProdutoDTO(*created))
}

// UpdateProduto changes a product's name and price. Past sales keep the
// price they were recorded with.
func (h *Handler) UpdateProduto(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req UpdateProdutoRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	product := ledger.Product{
		ID:    ledger.ProductID(id),
		Nome:  strings.TrimSpace(req.Nome),
		Preco: ledger.NewMoney(req.Preco),
	}
	if err := ledger.ValidateProduct(product); err != nil {
		writeLedgerError(w, "Invalid product", err)
		return
	}

	updated, err := h.Store.UpdateProduct(r.Context(), product)
	if err != nil {
		writeLedgerError(w, "Failed to update product", err)
		return
	}
	if updated == nil {
		writeError(w, http.StatusNotFound, "Product not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toProdutoDTO(*updated))
}

// DeleteProduto removes a product no live sale refers to.
func (h *Handler) DeleteProduto(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.Orchestrator.RemoveProduct(r.Context(), ledger.ProductID(id)); err != nil {
		writeLedgerError(w, "Failed to remove product", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RestockProduto adds received units to a product.
func (h *Handler) RestockProduto(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req EstoqueRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	product, err := h.Orchestrator.Restock(r.Context(), ledger.ProductID(id), req.Quantidade, actorFrom(r))
	if err != nil {
		writeLedgerError(w, "Failed to restock product", err)
		return
	}
	writeJSON(w, http.StatusOK, toProdutoDTO(*product))
}

// =============================================================================
// VENDA HANDLERS
// =============================================================================

// CreateVenda records a sale. With itens it is itemized; with valor alone it
// is a flat credit sale and needs cliente_id.
func (h *Handler) CreateVenda(w http.ResponseWriter, r *http.Request) {
	var req CreateVendaRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	saleReq, err := req.toSaleRequest(actorFrom(r))
	if err != nil {
		writeLedgerError(w, "Invalid sale", err)
		return
	}

	sale, err := h.Orchestrator.CreateSale(r.Context(), saleReq)
	if err != nil {
		writeLedgerError(w, "Failed to record sale", err)
		return
	}
	writeJSON(w, http.StatusCreated, toVendaDTO(*sale))
}

func (req CreateVendaRequest) toSaleRequest(actor ledger.Actor) (ledger.SaleRequest, error) {
	out := ledger.SaleRequest{Actor: actor}
	if req.ClienteID != nil {
		out.ClienteID = ledger.ClientIDPtr(*req.ClienteID)
	}

	switch {
	case len(req.Itens) > 0 && req.Valor != nil:
		return out, &ledger.ValidationError{Field: "valor", Message: "must be omitted for itemized sales"}
	case len(req.Itens) > 0:
		lines := make([]ledger.LineRequest, len(req.Itens))
		for i, it := range req.Itens {
			lines[i] = ledger.LineRequest{
				ProdutoID:  ledger.ProductID(it.ProdutoID),
				Quantidade: it.Quantidade,
			}
		}
		out.Body = ledger.ItemizedSale{Lines: lines}
	case req.Valor != nil:
		out.Body = ledger.FlatCreditSale{Valor: ledger.NewMoney(*req.Valor)}
	default:
		return out, &ledger.ValidationError{Field: "itens", Message: "must include itens or valor"}
	}
	return out, nil
}

// GetVenda returns a sale with its lines.
func (h *Handler) GetVenda(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	sale, err := h.Store.GetSale(r.Context(), ledger.SaleID(id))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Failed to get sale", err)
		return
	}
	if sale == nil {
		writeError(w, http.StatusNotFound, "Sale not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toVendaDTO(*sale))
}

// GetVendaHistorico returns the audit entries of a sale, newest first.
func (h *Handler) GetVendaHistorico(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	saleID := ledger.SaleID(id)
	entries, err := h.Store.QueryAudit(r.Context(), ledger.AuditFilter{SaleID: &saleID})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Failed to query audit log", err)
		return
	}

	dtos := make([]AuditoriaDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toAuditoriaDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// PagarVenda settles an open credit sale.
func (h *Handler) PagarVenda(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, ledger.ReasonPaid, "")
}

// EstornarVenda voids a sale, returning its stock and any open credit.
func (h *Handler) EstornarVenda(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, ledger.ReasonVoid, strings.TrimSpace(r.URL.Query().Get("motivo")))
}

func (h *Handler) settle(w http.ResponseWriter, r *http.Request, reason ledger.SettlementReason, note string) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	sale, err := h.Orchestrator.SettleOrDeleteSaleWithNote(r.Context(), ledger.SaleID(id), reason, note, actorFrom(r))
	if err != nil {
		writeLedgerError(w, "Failed to settle sale", err)
		return
	}
	writeJSON(w, http.StatusOK, toVendaDTO(*sale))
}

// =============================================================================
// RELATORIO HANDLERS
// =============================================================================

// GetResumo returns sale count, revenue, best-selling product and most
// frequent client over the filtered period.
func (h *Handler) GetResumo(w http.ResponseWriter, r *http.Request) {
	f, ok := parseSaleFilter(w, r)
	if !ok {
		return
	}

	summary, err := h.Reporter.Summary(r.Context(), ledger.SummaryFilter{
		Inicio:    f.Inicio,
		Fim:       f.Fim,
		ClienteID: f.ClienteID,
	})
	if err != nil {
		writeLedgerError(w, "Failed to build summary", err)
		return
	}
	writeJSON(w, http.StatusOK, toResumoDTO(summary))
}

// GetRelatorioVendas lists sales over the filtered period.
func (h *Handler) GetRelatorioVendas(w http.ResponseWriter, r *http.Request) {
	f, ok := parseSaleFilter(w, r)
	if !ok {
		return
	}

	sales, err := h.Reporter.ListSales(r.Context(), f)
	if err != nil {
		writeLedgerError(w, "Failed to list sales", err)
		return
	}

	dtos := make([]VendaDTO, len(sales))
	for i, s := range sales {
		dtos[i] = toVendaDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetDevedores lists clients with outstanding fiado, largest first.
func (h *Handler) GetDevedores(w http.ResponseWriter, r *http.Request) {
	limite := 0
	if v := r.URL.Query().Get("limite"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limite", err)
			return
		}
		limite = n
	}

	clients, err := h.Reporter.TopDebtors(r.Context(), limite)
	if err != nil {
		writeLedgerError(w, "Failed to list debtors", err)
		return
	}

	dtos := make([]ClienteDTO, len(clients))
	for i, c := range clients {
		dtos[i] = toClienteDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetConferencia compares every client's fiado with its open sales.
func (h *Handler) GetConferencia(w http.ResponseWriter, r *http.Request) {
	drifts, err := h.Reporter.VerifyBalances(r.Context())
	if err != nil {
		writeLedgerError(w, "Failed to verify balances", err)
		return
	}

	resp := ConferenciaDTO{OK: len(drifts) == 0, Divergencias: make([]DivergenciaDTO, len(drifts))}
	for i, d := range drifts {
		resp.Divergencias[i] = DivergenciaDTO{
			ClienteID:  int64(d.ClienteID),
			Nome:       d.Nome,
			Registrado: d.Recorded.Float64(),
			Esperado:   d.Expected.Float64(),
			Diferenca:  d.Difference().Float64(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// REQUEST HELPERS
// =============================================================================

func actorFrom(r *http.Request) ledger.Actor {
	return ledger.Actor{ID: strings.TrimSpace(r.Header.Get(ActorHeader))}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid id", err)
		return 0, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// parseSaleFilter reads inicio, fim and cliente_id. Dates are YYYY-MM-DD or
// RFC3339; a date-only fim covers the whole day.
func parseSaleFilter(w http.ResponseWriter, r *http.Request) (ledger.SaleFilter, bool) {
	var f ledger.SaleFilter
	q := r.URL.Query()

	if v := q.Get("inicio"); v != "" {
		t, _, err := parseDate(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid inicio", err)
			return f, false
		}
		f.Inicio = &t
	}
	if v := q.Get("fim"); v != "" {
		t, dateOnly, err := parseDate(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid fim", err)
			return f, false
		}
		if dateOnly {
			t = t.Add(24*time.Hour - time.Second)
		}
		f.Fim = &t
	}
	if f.Inicio != nil && f.Fim != nil && f.Fim.Before(*f.Inicio) {
		writeError(w, http.StatusBadRequest, "fim must not be before inicio", nil)
		return f, false
	}
	if v := q.Get("cliente_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid cliente_id", err)
			return f, false
		}
		f.ClienteID = ledger.ClientIDPtr(id)
	}
	return f, true
}

func parseDate(s string) (time.Time, bool, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), true, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false, err
	}
	return t.UTC(), false, nil
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeLedgerError maps engine errors to HTTP status codes.
func writeLedgerError(w http.ResponseWriter, message string, err error) {
	var stockErr *ledger.InsufficientStockError
	if errors.As(err, &stockErr) {
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error: message,
			Code:  "insufficient_stock",
			Details: map[string]any{
				"produto_id": stockErr.ProdutoID,
				"solicitado": stockErr.Requested,
				"disponivel": stockErr.Available,
				"erro":       err.Error(),
			},
		})
		return
	}

	var (
		status int
		code   string
	)
	switch {
	case errors.Is(err, ledger.ErrValidation):
		status, code = http.StatusBadRequest, "validation"
	case errors.Is(err, ledger.ErrUnknownClient):
		status, code = http.StatusNotFound, "unknown_client"
	case errors.Is(err, ledger.ErrUnknownProduct):
		status, code = http.StatusNotFound, "unknown_product"
	case errors.Is(err, ledger.ErrSaleNotFound):
		status, code = http.StatusNotFound, "sale_not_found"
	case errors.Is(err, ledger.ErrHasOutstandingBalance):
		status, code = http.StatusConflict, "outstanding_balance"
	case errors.Is(err, ledger.ErrProductInUse):
		status, code = http.StatusConflict, "product_in_use"
	case ledger.IsRetryable(err):
		status, code = http.StatusServiceUnavailable, "storage"
	default:
		status, code = http.StatusInternalServerError, "internal"
	}
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: err.Error()})
}
