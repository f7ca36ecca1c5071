package ledger

import "context"

// CreditAccumulator maintains each client's outstanding balance (fiado).
// Cash sales never reach it.
type CreditAccumulator struct {
	store ClientStore
}

func NewCreditAccumulator(store ClientStore) *CreditAccumulator {
	return &CreditAccumulator{store: store}
}

// ApplyCredit adds a positive amount to the client's balance.
func (c *CreditAccumulator) ApplyCredit(ctx context.Context, id ClientID, amount Money) (BalanceChange, error) {
	if !amount.IsPositive() {
		return BalanceChange{}, invalid("valor", "credit amount must be positive")
	}
	change, err := c.store.AdjustFiado(ctx, id, amount.Round())
	return change, wrapStorage("apply credit", err)
}

// ReverseCredit subtracts amount from the balance. The store floors the
// result at zero, so the returned change may be smaller than amount.
func (c *CreditAccumulator) ReverseCredit(ctx context.Context, id ClientID, amount Money) (BalanceChange, error) {
	if amount.IsNegative() {
		return BalanceChange{}, invalid("valor", "reversal amount must not be negative")
	}
	if amount.IsZero() {
		return c.balanceChange(ctx, id)
	}
	change, err := c.store.AdjustFiado(ctx, id, amount.Round().Neg())
	return change, wrapStorage("reverse credit", err)
}

// Balance returns the client's current fiado.
func (c *CreditAccumulator) Balance(ctx context.Context, id ClientID) (Money, error) {
	cl, err := c.store.GetClient(ctx, id)
	if err != nil {
		return Zero, wrapStorage("get client", err)
	}
	if cl == nil {
		return Zero, &UnknownClientError{ClienteID: id}
	}
	return cl.Fiado, nil
}

func (c *CreditAccumulator) balanceChange(ctx context.Context, id ClientID) (BalanceChange, error) {
	bal, err := c.Balance(ctx, id)
	if err != nil {
		return BalanceChange{}, err
	}
	return BalanceChange{ClienteID: id, Before: bal, After: bal}, nil
}
