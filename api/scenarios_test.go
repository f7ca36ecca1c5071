/*
scenarios_test.go - Tests for demo scenario loading

Every scenario must load through the orchestrator and leave the books
consistent: conferencia reports no drift after each one.
*/
package api

import (
	"net/http"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fiado-engine/ledger"
	"github.com/warp/fiado-engine/ledger/store"
)

func loadScenario(t *testing.T, router http.Handler, id string) {
	t.Helper()
	rec := do(t, router, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: id})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestScenario_AllScenariosLoadConsistently(t *testing.T) {
	_, router := setupTestHandler(t)

	for _, s := range scenarios {
		t.Run(s.ID, func(t *testing.T) {
			loadScenario(t, router, s.ID)

			conf := decode[ConferenciaDTO](t, do(t, router, http.MethodGet, "/api/relatorios/conferencia", nil))
			assert.True(t, conf.OK)

			current := decode[ScenarioDTO](t, do(t, router, http.MethodGet, "/api/scenarios/current", nil))
			assert.Equal(t, s.ID, current.ID)
		})
	}
}

func TestScenario_Mercearia(t *testing.T) {
	_, router := setupTestHandler(t)

	loadScenario(t, router, "mercearia")

	produtos := decode[[]ProdutoDTO](t, do(t, router, http.MethodGet, "/api/produtos", nil))
	require.Len(t, produtos, 5)
	// Pão: 200 - 10 - 12
	assert.Equal(t, "Pão francês (un)", produtos[4].Nome)
	assert.Equal(t, 178, produtos[4].Estoque)

	clientes := decode[[]ClienteDTO](t, do(t, router, http.MethodGet, "/api/clientes", nil))
	require.Len(t, clientes, 3)

	resumo := decode[ResumoDTO](t, do(t, router, http.MethodGet, "/api/relatorios/resumo", nil))
	assert.Equal(t, 5, resumo.TotalVendas)
}

func TestScenario_Devedores(t *testing.T) {
	_, router := setupTestHandler(t)

	loadScenario(t, router, "devedores")

	devedores := decode[[]ClienteDTO](t, do(t, router, http.MethodGet, "/api/relatorios/devedores", nil))
	require.Len(t, devedores, 3)
	assert.Equal(t, "Seu Zé", devedores[0].Nome)
	assert.Equal(t, 218.0, devedores[0].Fiado)
	assert.Equal(t, "Tonho", devedores[1].Nome)
	assert.Equal(t, 54.0, devedores[1].Fiado)
	assert.Equal(t, "Rita", devedores[2].Nome)

	// the voided sale kept its note
	vendas := decode[[]VendaDTO](t, do(t, router, http.MethodGet, "/api/relatorios/vendas", nil))
	var voided []VendaDTO
	for _, v := range vendas {
		if v.Status == "voided" {
			voided = append(voided, v)
		}
	}
	require.Len(t, voided, 1)
	assert.Equal(t, "lançado no cliente errado", voided[0].Observacao)
}

func TestScenario_LoadReplacesPreviousData(t *testing.T) {
	_, router := setupTestHandler(t)

	loadScenario(t, router, "devedores")
	loadScenario(t, router, "mercearia")

	clientes := decode[[]ClienteDTO](t, do(t, router, http.MethodGet, "/api/clientes", nil))
	require.Len(t, clientes, 3)
	assert.Equal(t, int64(1), clientes[0].ID)
	assert.Equal(t, "Maria das Dores", clientes[0].Nome)
}

func TestScenario_UnknownIDKeepsData(t *testing.T) {
	_, router := setupTestHandler(t)
	loadScenario(t, router, "mercearia")

	rec := do(t, router, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "feira"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	produtos := decode[[]ProdutoDTO](t, do(t, router, http.MethodGet, "/api/produtos", nil))
	assert.Len(t, produtos, 5)
}

func TestScenario_Reset(t *testing.T) {
	_, router := setupTestHandler(t)
	loadScenario(t, router, "mercearia")

	rec := do(t, router, http.MethodPost, "/api/scenarios/reset", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	clientes := decode[[]ClienteDTO](t, do(t, router, http.MethodGet, "/api/clientes", nil))
	assert.Empty(t, clientes)
	rec = do(t, router, http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "null", string(trimNewline(rec.Body.Bytes())))
}

func TestScenario_ResetUnsupported(t *testing.T) {
	// GIVEN: a store that hides Reset
	s := struct{ ledger.Store }{store.NewMemory()}
	orch := ledger.NewOrchestrator(s, ledger.Config{Logger: zerolog.Nop()})
	router := NewRouter(NewHandler(s, orch, zerolog.Nop()), RouterOptions{})

	rec := do(t, router, http.MethodPost, "/api/scenarios/reset", nil)

	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestScenario_List(t *testing.T) {
	_, router := setupTestHandler(t)

	list := decode[[]ScenarioDTO](t, do(t, router, http.MethodGet, "/api/scenarios", nil))

	require.Len(t, list, 3)
	assert.Equal(t, "vazio", list[0].ID)
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && b[len(b)-1] == '\n' {
		b = b[:len(b)-1]
	}
	return b
}
