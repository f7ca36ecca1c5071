/*
inventory.go - Stock reservation for multi-line sales

PURPOSE:
  Validates and applies stock decrements (and their reversal) for a sale as
  a single unit. Either every line is reserved or nothing changes.

MERGING:
  Lines for the same product are summed before checking, so a request with
  3 of P and 3 of P against 5 in stock fails: 6 > 5. The merged order is the
  order in which each product first appears in the request, and the first
  offending product in that order is the one reported.

CALLER CONTRACT:
  Reserve, Release and Restock do not lock. The orchestrator holds the
  product keys in KeyLocks for the whole workflow; the store makes the
  single AdjustStock write atomic.
*/
package ledger

import (
	"context"
)

// Inventory reserves and releases product stock.
type Inventory struct {
	store ProductStore
}

func NewInventory(store ProductStore) *Inventory {
	return &Inventory{store: store}
}

// MergeLines validates quantities and sums duplicate products, keeping
// first-appearance order.
func MergeLines(lines []LineRequest) ([]LineRequest, error) {
	if len(lines) == 0 {
		return nil, invalid("itens", "at least one item is required")
	}
	merged := make([]LineRequest, 0, len(lines))
	index := make(map[ProductID]int, len(lines))
	for _, l := range lines {
		if l.Quantidade <= 0 {
			return nil, invalid("quantidade", "must be greater than zero")
		}
		if i, ok := index[l.ProdutoID]; ok {
			merged[i].Quantidade += l.Quantidade
			continue
		}
		index[l.ProdutoID] = len(merged)
		merged = append(merged, l)
	}
	return merged, nil
}

// Reserve decrements stock for every line, or for none of them.
func (inv *Inventory) Reserve(ctx context.Context, lines []LineRequest) error {
	merged, err := MergeLines(lines)
	if err != nil {
		return err
	}
	deltas := make([]StockDelta, len(merged))
	for i, l := range merged {
		deltas[i] = StockDelta{ProdutoID: l.ProdutoID, Delta: -l.Quantidade}
	}
	return wrapStorage("reserve stock", inv.store.AdjustStock(ctx, deltas))
}

// Release returns the merged quantities of lines to stock.
func (inv *Inventory) Release(ctx context.Context, lines []LineRequest) error {
	merged, err := MergeLines(lines)
	if err != nil {
		return err
	}
	deltas := make([]StockDelta, len(merged))
	for i, l := range merged {
		deltas[i] = StockDelta{ProdutoID: l.ProdutoID, Delta: l.Quantidade}
	}
	return wrapStorage("release stock", inv.store.AdjustStock(ctx, deltas))
}

// Restock adds quantidade units of a product received outside of sales.
func (inv *Inventory) Restock(ctx context.Context, id ProductID, quantidade int) error {
	if quantidade <= 0 {
		return invalid("quantidade", "must be greater than zero")
	}
	return wrapStorage("restock", inv.store.AdjustStock(ctx, []StockDelta{{ProdutoID: id, Delta: quantidade}}))
}

// Available returns the current stock of a product.
func (inv *Inventory) Available(ctx context.Context, id ProductID) (int, error) {
	p, err := inv.store.GetProduct(ctx, id)
	if err != nil {
		return 0, wrapStorage("get product", err)
	}
	if p == nil {
		return 0, &UnknownProductError{ProdutoID: id}
	}
	return p.Estoque, nil
}
