/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Field names are the
  Portuguese names the shop frontend already speaks (cliente, produto,
  venda, fiado, estoque). Amounts go over the wire as JSON numbers and are
  converted to decimals at the boundary.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Clientes:   ClienteDTO, CreateClienteRequest, UpdateClienteRequest, SaldoDTO
  Produtos:   ProdutoDTO, CreateProdutoRequest, UpdateProdutoRequest, EstoqueRequest
  Vendas:     VendaDTO, VendaItemDTO, CreateVendaRequest, AuditoriaDTO
  Relatorios: ResumoDTO, ConferenciaDTO
  Scenarios:  ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done in handlers and in the ledger, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/fiado-engine/ledger"
)

// =============================================================================
// CLIENTES
// =============================================================================

type ClienteDTO struct {
	ID         int64   `json:"id"`
	Nome       string  `json:"nome"`
	Telefone   string  `json:"telefone,omitempty"`
	Referencia string  `json:"referencia,omitempty"`
	Fiado      float64 `json:"fiado"`
	CreatedAt  string  `json:"created_at,omitempty"`
}

// CreateClienteRequest creates a client. Fiado is an optional opening
// balance, recorded as a credit sale.
type CreateClienteRequest struct {
	Nome       string  `json:"nome"`
	Telefone   string  `json:"telefone"`
	Referencia string  `json:"referencia"`
	Fiado      float64 `json:"fiado"`
}

type UpdateClienteRequest struct {
	Nome       string `json:"nome"`
	Telefone   string `json:"telefone"`
	Referencia string `json:"referencia"`
}

type SaldoDTO struct {
	ClienteID int64   `json:"cliente_id"`
	Fiado     float64 `json:"fiado"`
}

// =============================================================================
// PRODUTOS
// =============================================================================

type ProdutoDTO struct {
	ID        int64   `json:"id"`
	Nome      string  `json:"nome"`
	Preco     float64 `json:"preco"`
	Estoque   int     `json:"estoque"`
	CreatedAt string  `json:"created_at,omitempty"`
}

type CreateProdutoRequest struct {
	Nome    string  `json:"nome"`
	Preco   float64 `json:"preco"`
	Estoque int     `json:"estoque"`
}

type UpdateProdutoRequest struct {
	Nome  string  `json:"nome"`
	Preco float64 `json:"preco"`
}

// EstoqueRequest adds received units to a product.
type EstoqueRequest struct {
	Quantidade int `json:"quantidade"`
}

// =============================================================================
// VENDAS
// =============================================================================

type VendaItemRequest struct {
	ProdutoID  int64 `json:"produto_id"`
	Quantidade int   `json:"quantidade"`
}

// CreateVendaRequest is either itemized (Itens) or a flat credit amount
// (Valor with ClienteID), never both.
type CreateVendaRequest struct {
	ClienteID *int64             `json:"cliente_id"`
	Valor     *float64           `json:"valor,omitempty"`
	Itens     []VendaItemRequest `json:"itens,omitempty"`
}

type VendaItemDTO struct {
	ProdutoID     int64   `json:"produto_id"`
	ProdutoNome   string  `json:"produto_nome"`
	Quantidade    int     `json:"quantidade"`
	PrecoUnitario float64 `json:"preco_unitario"`
	Subtotal      float64 `json:"subtotal"`
}

type VendaDTO struct {
	ID          int64          `json:"id"`
	ClienteID   *int64         `json:"cliente_id"`
	Data        string         `json:"data"`
	Tipo        string         `json:"tipo"`
	Valor       float64        `json:"valor,omitempty"`
	Total       float64        `json:"total"`
	Status      string         `json:"status"`
	Motivo      string         `json:"motivo,omitempty"`
	Observacao  string         `json:"observacao,omitempty"`
	CriadoPor   string         `json:"criado_por,omitempty"`
	PagoEm      string         `json:"pago_em,omitempty"`
	EstornadoEm string         `json:"estornado_em,omitempty"`
	Itens       []VendaItemDTO `json:"itens"`
}

type AuditoriaDTO struct {
	ID        string  `json:"id"`
	Timestamp string  `json:"timestamp"`
	ActorID   string  `json:"actor_id,omitempty"`
	Acao      string  `json:"acao"`
	VendaID   *int64  `json:"venda_id,omitempty"`
	ClienteID *int64  `json:"cliente_id,omitempty"`
	ProdutoID *int64  `json:"produto_id,omitempty"`
	Valor     float64 `json:"valor"`
	Motivo    string  `json:"motivo,omitempty"`
}

// =============================================================================
// RELATORIOS
// =============================================================================

type ProdutoMaisVendidoDTO struct {
	ID                int64  `json:"id"`
	Nome              string `json:"nome"`
	QuantidadeVendida int    `json:"quantidade_vendida"`
}

type ClienteMaisComprasDTO struct {
	ID                int64  `json:"id"`
	Nome              string `json:"nome"`
	QuantidadeCompras int    `json:"quantidade_compras"`
}

type ResumoDTO struct {
	TotalVendas        int                    `json:"total_vendas"`
	FaturamentoTotal   float64                `json:"faturamento_total"`
	ProdutoMaisVendido *ProdutoMaisVendidoDTO `json:"produto_mais_vendido"`
	ClienteMaisCompras *ClienteMaisComprasDTO `json:"cliente_mais_compras"`
}

type DivergenciaDTO struct {
	ClienteID  int64   `json:"cliente_id"`
	Nome       string  `json:"nome"`
	Registrado float64 `json:"registrado"`
	Esperado   float64 `json:"esperado"`
	Diferenca  float64 `json:"diferenca"`
}

type ConferenciaDTO struct {
	OK           bool             `json:"ok"`
	Divergencias []DivergenciaDTO `json:"divergencias"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toClienteDTO(c ledger.Client) ClienteDTO {
	return ClienteDTO{
		ID:         int64(c.ID),
		Nome:       c.Nome,
		Telefone:   c.Telefone,
		Referencia: c.Referencia,
		Fiado:      c.Fiado.Float64(),
		CreatedAt:  formatTime(c.CreatedAt),
	}
}

func toProdutoDTO(p ledger.Product) ProdutoDTO {
	return ProdutoDTO{
		ID:        int64(p.ID),
		Nome:      p.Nome,
		Preco:     p.Preco.Float64(),
		Estoque:   p.Estoque,
		CreatedAt: formatTime(p.CreatedAt),
	}
}

func toVendaDTO(s ledger.Sale) VendaDTO {
	dto := VendaDTO{
		ID:         int64(s.ID),
		Data:       formatTime(s.Data),
		Tipo:       string(s.Kind),
		Total:      s.Total.Float64(),
		Status:     string(s.Status),
		Motivo:     string(s.Reason),
		Observacao: s.Note,
		CriadoPor:  s.CreatedBy,
		Itens:      make([]VendaItemDTO, 0, len(s.Lines)),
	}
	if s.ClienteID != nil {
		id := int64(*s.ClienteID)
		dto.ClienteID = &id
	}
	if s.Kind == ledger.KindFlat {
		dto.Valor = s.Valor.Float64()
	}
	if s.SettledAt != nil {
		dto.PagoEm = formatTime(*s.SettledAt)
	}
	if s.VoidedAt != nil {
		dto.EstornadoEm = formatTime(*s.VoidedAt)
	}
	for _, l := range s.Lines {
		dto.Itens = append(dto.Itens, VendaItemDTO{
			ProdutoID:     int64(l.ProdutoID),
			ProdutoNome:   l.ProdutoNome,
			Quantidade:    l.Quantidade,
			PrecoUnitario: l.PrecoUnitario.Float64(),
			Subtotal:      l.Subtotal.Float64(),
		})
	}
	return dto
}

func toAuditoriaDTO(e ledger.AuditEntry) AuditoriaDTO {
	dto := AuditoriaDTO{
		ID:        e.ID,
		Timestamp: formatTime(e.Timestamp),
		ActorID:   e.ActorID,
		Acao:      string(e.Action),
		Valor:     e.Amount.Float64(),
		Motivo:    e.Reason,
	}
	if e.SaleID != nil {
		id := int64(*e.SaleID)
		dto.VendaID = &id
	}
	if e.ClienteID != nil {
		id := int64(*e.ClienteID)
		dto.ClienteID = &id
	}
	if e.ProdutoID != nil {
		id := int64(*e.ProdutoID)
		dto.ProdutoID = &id
	}
	return dto
}

func toResumoDTO(s *ledger.Summary) ResumoDTO {
	dto := ResumoDTO{
		TotalVendas:      s.TotalVendas,
		FaturamentoTotal: s.FaturamentoTotal.Float64(),
	}
	if p := s.ProdutoMaisVendido; p != nil {
		dto.ProdutoMaisVendido = &ProdutoMaisVendidoDTO{
			ID:                int64(p.ID),
			Nome:              p.Nome,
			QuantidadeVendida: p.QuantidadeVendida,
		}
	}
	if c := s.ClienteMaisCompras; c != nil {
		dto.ClienteMaisCompras = &ClienteMaisComprasDTO{
			ID:                int64(c.ID),
			Nome:              c.Nome,
			QuantidadeCompras: c.QuantidadeCompras,
		}
	}
	return dto
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
