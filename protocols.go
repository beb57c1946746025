package crosschain

import (
	"context"
	"fmt"
	"strings"
)

// USDN is the Noble dollar: USDC is swapped into USDN and the USDN locked in
// a yield vault on noble.
type USDN struct{}

var _ ProtocolHandler = USDN{}

func (USDN) Name() ProtocolName   { return "USDN" }
func (USDN) Kind() ChainKind      { return KindCosmos }
func (USDN) HomeChain() ChainName { return Noble }

func (USDN) vault(op ProtocolOp) string {
	if v := op.Position.Vault(); v != "" {
		return v
	}
	return "staked"
}

// Supply swaps the USDC into USDN and locks it.
func (u USDN) Supply(ctx context.Context, op ProtocolOp) error {
	amt := op.Amount.Value.String()
	_, err := op.Account.ExecuteEncodedTx(ctx, []EncodedMsg{
		{Contract: "swap", Method: "swap", Args: []string{amt, "uusdc", "uusdn"}},
		{Contract: "dollar", Method: "lock", Args: []string{u.vault(op), amt}},
	}, TxOpts{Fee: op.Fee})
	if err != nil {
		return fmt.Errorf("usdn swap-and-lock: %w", err)
	}
	return nil
}

// Withdraw unlocks the USDN and swaps it back into USDC.
func (u USDN) Withdraw(ctx context.Context, op ProtocolOp) error {
	amt := op.Amount.Value.String()
	_, err := op.Account.ExecuteEncodedTx(ctx, []EncodedMsg{
		{Contract: "dollar", Method: "unlock", Args: []string{u.vault(op), amt}},
		{Contract: "swap", Method: "swap", Args: []string{amt, "uusdn", "uusdc"}},
	}, TxOpts{Fee: op.Fee})
	if err != nil {
		return fmt.Errorf("usdn unlock-and-swap: %w", err)
	}
	return nil
}

// EVMPool is a lending or vault protocol on EVM chains, driven through one
// GMP multicall per operation.
type EVMPool struct {
	Protocol       ProtocolName
	SupplyMethod   string
	WithdrawMethod string
	// Rewards reports whether the pool has a claimRewards entry point.
	Rewards bool
}

var _ ProtocolHandler = EVMPool{}

var (
	Aave     = EVMPool{Protocol: "Aave", SupplyMethod: "supply", WithdrawMethod: "withdraw", Rewards: true}
	Compound = EVMPool{Protocol: "Compound", SupplyMethod: "supply", WithdrawMethod: "withdraw", Rewards: true}
	Beefy    = EVMPool{Protocol: "Beefy", SupplyMethod: "deposit", WithdrawMethod: "withdraw"}
)

func (p EVMPool) Name() ProtocolName   { return p.Protocol }
func (p EVMPool) Kind() ChainKind      { return KindEVM }
func (p EVMPool) HomeChain() ChainName { return "" }

func (p EVMPool) contract(op ProtocolOp) string {
	parts := []string{strings.ToLower(string(p.Protocol))}
	if v := op.Position.Vault(); v != "" {
		parts = append(parts, v)
	}
	parts = append(parts, string(op.Position.Chain()))
	return strings.Join(parts, "_")
}

// Supply approves the pool for the amount and supplies it.
func (p EVMPool) Supply(ctx context.Context, op ProtocolOp) error {
	contract := p.contract(op)
	amt := op.Amount.Value.String()
	_, err := op.Account.ExecuteEncodedTx(ctx, []EncodedMsg{
		{Contract: "usdc", Method: "approve", Args: []string{contract, amt}},
		{Contract: contract, Method: p.SupplyMethod, Args: []string{amt}},
	}, TxOpts{Fee: op.Fee})
	if err != nil {
		return fmt.Errorf("%s %s: %w", contract, p.SupplyMethod, err)
	}
	return nil
}

// Withdraw takes the amount out of the pool, claiming rewards first when
// asked to.
func (p EVMPool) Withdraw(ctx context.Context, op ProtocolOp) error {
	contract := p.contract(op)
	var msgs []EncodedMsg
	if op.Claim && p.Rewards {
		msgs = append(msgs, EncodedMsg{Contract: contract, Method: "claimRewards"})
	}
	msgs = append(msgs, EncodedMsg{Contract: contract, Method: p.WithdrawMethod, Args: []string{op.Amount.Value.String()}})
	if _, err := op.Account.ExecuteEncodedTx(ctx, msgs, TxOpts{Fee: op.Fee}); err != nil {
		return fmt.Errorf("%s %s: %w", contract, p.WithdrawMethod, err)
	}
	return nil
}

// DefaultProtocols returns a registry with USDN, Aave, Compound and Beefy.
func DefaultProtocols() *ProtocolRegistry {
	r := NewProtocolRegistry()
	for _, h := range []ProtocolHandler{USDN{}, Aave, Compound, Beefy} {
		if err := r.Register(h); err != nil {
			panic(err)
		}
	}
	return r
}
