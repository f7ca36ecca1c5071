/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	data for demos and manual testing. Every scenario is built through the
	orchestrator, exactly like real traffic, so the loaded data always
	satisfies the fiado and stock invariants.

AVAILABLE SCENARIOS:

	vazio:      Empty shop, nothing loaded
	mercearia:  Small grocery with stock, a few clients and mixed sales
	devedores:  Several clients owing money, some paid and voided sales

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "mercearia"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add case to LoadScenario handler

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler struct
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/warp/fiado-engine/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "vazio",
		Name:        "Loja vazia",
		Description: "No clients, products or sales",
	},
	{
		ID:          "mercearia",
		Name:        "Mercearia",
		Description: "Grocery with stocked products, three clients and a mix of cash and credit sales",
	},
	{
		ID:          "devedores",
		Name:        "Devedores",
		Description: "Clients with outstanding fiado plus settled and voided history",
	},
}

// errResetUnsupported is returned when the configured store cannot be wiped.
var errResetUnsupported = errors.New("store does not support reset")

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var loader func(context.Context) error
	switch req.ScenarioID {
	case "vazio":
		loader = func(context.Context) error { return nil }
	case "mercearia":
		loader = h.loadMerceariaScenario
	case "devedores":
		loader = h.loadDevedoresScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	if err := loader(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.currentScenario = req.ScenarioID
	h.Log.Info().Str("scenario", req.ScenarioID).Msg("scenario loaded")

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.reset(r.Context()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, errResetUnsupported) {
			status = http.StatusNotImplemented
		}
		writeError(w, status, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) reset(ctx context.Context) error {
	resetter, ok := h.Store.(ledger.Resetter)
	if !ok {
		return errResetUnsupported
	}
	return resetter.Reset(ctx)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

var scenarioActor = ledger.Actor{ID: "scenario"}

type seedProduct struct {
	nome    string
	preco   string
	estoque int
}

func (h *Handler) seedProducts(ctx context.Context, seeds []seedProduct) ([]ledger.ProductID, error) {
	ids := make([]ledger.ProductID, 0, len(seeds))
	for _, s := range seeds {
		p, err := h.Store.CreateProduct(ctx, ledger.Product{
			Nome:    s.nome,
			Preco:   ledger.MustMoney(s.preco),
			Estoque: s.estoque,
		})
		if err != nil {
			return nil, fmt.Errorf("create product %s: %w", s.nome, err)
		}
		ids = append(ids, p.ID)
	}
	return ids, nil
}

func (h *Handler) seedClient(ctx context.Context, nome, telefone, referencia string) (ledger.ClientID, error) {
	c, err := h.Orchestrator.OpenClient(ctx, ledger.Client{
		Nome:       nome,
		Telefone:   telefone,
		Referencia: referencia,
	}, ledger.Zero, scenarioActor)
	if err != nil {
		return 0, fmt.Errorf("create client %s: %w", nome, err)
	}
	return c.ID, nil
}

func (h *Handler) seedSale(ctx context.Context, cliente *ledger.ClientID, body ledger.SaleBody) (*ledger.Sale, error) {
	sale, err := h.Orchestrator.CreateSale(ctx, ledger.SaleRequest{
		ClienteID: cliente,
		Body:      body,
		Actor:     scenarioActor,
	})
	if err != nil {
		return nil, fmt.Errorf("create sale: %w", err)
	}
	return sale, nil
}

func items(lines ...ledger.LineRequest) ledger.ItemizedSale {
	return ledger.ItemizedSale{Lines: lines}
}

func line(id ledger.ProductID, qty int) ledger.LineRequest {
	return ledger.LineRequest{ProdutoID: id, Quantidade: qty}
}

// loadMerceariaScenario creates a grocery with stock, three clients and a
// mix of cash and credit sales.
func (h *Handler) loadMerceariaScenario(ctx context.Context) error {
	p, err := h.seedProducts(ctx, []seedProduct{
		{"Arroz 5kg", "27.90", 40},
		{"Feijão 1kg", "8.49", 60},
		{"Café 500g", "16.75", 30},
		{"Leite 1L", "5.20", 48},
		{"Pão francês (un)", "0.75", 200},
	})
	if err != nil {
		return err
	}
	arroz, feijao, cafe, leite, pao := p[0], p[1], p[2], p[3], p[4]

	maria, err := h.seedClient(ctx, "Maria das Dores", "(81) 99999-1234", "vizinha da padaria")
	if err != nil {
		return err
	}
	joao, err := h.seedClient(ctx, "João Batista", "(81) 98888-4321", "")
	if err != nil {
		return err
	}
	if _, err := h.seedClient(ctx, "Dona Cida", "", "rua de trás"); err != nil {
		return err
	}

	// Cash sales
	if _, err := h.seedSale(ctx, nil, items(line(pao, 10), line(leite, 2))); err != nil {
		return err
	}
	if _, err := h.seedSale(ctx, nil, items(line(cafe, 1))); err != nil {
		return err
	}

	// Credit sales
	if _, err := h.seedSale(ctx, &maria, items(line(arroz, 1), line(feijao, 2))); err != nil {
		return err
	}
	if _, err := h.seedSale(ctx, &maria, items(line(leite, 6), line(pao, 12))); err != nil {
		return err
	}
	if _, err := h.seedSale(ctx, &joao, ledger.FlatCreditSale{Valor: ledger.MustMoney("35.00")}); err != nil {
		return err
	}
	return nil
}

// loadDevedoresScenario creates clients with outstanding fiado and a history
// of settled and voided sales.
func (h *Handler) loadDevedoresScenario(ctx context.Context) error {
	p, err := h.seedProducts(ctx, []seedProduct{
		{"Cerveja lata", "4.50", 120},
		{"Carvão 3kg", "18.00", 15},
		{"Gelo 5kg", "12.00", 25},
	})
	if err != nil {
		return err
	}
	cerveja, carvao, gelo := p[0], p[1], p[2]

	type debtor struct {
		nome string
		ref  string
	}
	var ids []ledger.ClientID
	for _, d := range []debtor{
		{"Seu Zé", "bar da esquina"},
		{"Tonho", "oficina"},
		{"Rita", "salão"},
		{"Carlinhos", "filho da Rita"},
	} {
		id, err := h.seedClient(ctx, d.nome, "", d.ref)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}
	ze, tonho, rita, carlinhos := ids[0], ids[1], ids[2], ids[3]

	if _, err := h.seedSale(ctx, &ze, items(line(cerveja, 24), line(carvao, 2), line(gelo, 2))); err != nil {
		return err
	}
	if _, err := h.seedSale(ctx, &ze, ledger.FlatCreditSale{Valor: ledger.MustMoney("50.00")}); err != nil {
		return err
	}
	if _, err := h.seedSale(ctx, &tonho, items(line(cerveja, 12))); err != nil {
		return err
	}
	if _, err := h.seedSale(ctx, &rita, ledger.FlatCreditSale{Valor: ledger.MustMoney("22.30")}); err != nil {
		return err
	}

	// Paid off
	paid, err := h.seedSale(ctx, &tonho, items(line(carvao, 1), line(gelo, 1)))
	if err != nil {
		return err
	}
	if _, err := h.Orchestrator.SettleOrDeleteSale(ctx, paid.ID, ledger.ReasonPaid, scenarioActor); err != nil {
		return fmt.Errorf("settle sale %d: %w", paid.ID, err)
	}

	// Rung up by mistake
	wrong, err := h.seedSale(ctx, &carlinhos, items(line(cerveja, 6)))
	if err != nil {
		return err
	}
	if _, err := h.Orchestrator.SettleOrDeleteSaleWithNote(ctx, wrong.ID, ledger.ReasonVoid, "lançado no cliente errado", scenarioActor); err != nil {
		return fmt.Errorf("void sale %d: %w", wrong.ID, err)
	}
	return nil
}
