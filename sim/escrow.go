package sim

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/fortressi/crosschain"
)

// Escrow holds the keyword legs of an offer.
type Escrow struct {
	net  *Network
	legs map[string]crosschain.Amount
}

var _ crosschain.Escrow = (*Escrow)(nil)

// NewEscrow creates an escrow holding give.
func (n *Network) NewEscrow(give map[string]crosschain.Amount) *Escrow {
	legs := make(map[string]crosschain.Amount, len(give))
	for k, v := range give {
		legs[k] = v
	}
	return &Escrow{net: n, legs: legs}
}

// Leg returns the amount currently held under keyword.
func (e *Escrow) Leg(keyword string) crosschain.Amount {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	return e.legs[keyword]
}

// Deposit moves amount from the keyword leg to dest.
func (e *Escrow) Deposit(_ context.Context, keyword string, dest crosschain.Account, amount crosschain.Amount) error {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	op := Op{Kind: OpDeposit, Chain: dest.Chain().Name, Method: keyword, To: dest.Address(), Amount: amount.Value}
	if err := e.net.checkLocked(op); err != nil {
		return err
	}
	leg := e.legs[keyword]
	if leg.Denom != "" && leg.Denom != amount.Denom {
		return fmt.Errorf("keyword %s holds %s, not %s", keyword, leg.Denom, amount.Denom)
	}
	if leg.Value.LessThan(amount.Value) {
		return fmt.Errorf("%w: keyword %s holds %s", ErrInsufficientFunds, keyword, leg)
	}
	leg.Value = leg.Value.Sub(amount.Value)
	e.legs[keyword] = leg
	e.net.creditLocked(string(dest.Address()), amount.Denom, amount.Value)
	return nil
}

// Withdraw moves amount from src back to the keyword leg.
func (e *Escrow) Withdraw(_ context.Context, keyword string, src crosschain.Account, amount crosschain.Amount) error {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	op := Op{Kind: OpWithdraw, Chain: src.Chain().Name, Method: keyword, From: src.Address(), Amount: amount.Value}
	if err := e.net.checkLocked(op); err != nil {
		return err
	}
	if err := e.net.debitLocked(string(src.Address()), amount.Denom, amount.Value); err != nil {
		return err
	}
	leg, ok := e.legs[keyword]
	if !ok {
		leg = crosschain.Amount{Denom: amount.Denom, Value: decimal.Zero}
	}
	leg.Value = leg.Value.Add(amount.Value)
	e.legs[keyword] = leg
	return nil
}
