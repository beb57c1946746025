package crosschain

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fortressi/crosschain/resolver"
)

// Planner turns plan steps into executable movements.
type Planner struct {
	Chains    Chains
	Protocols *ProtocolRegistry
	Accounts  AccountSource
	Resolver  *resolver.Resolver
	Logger    *zap.Logger
}

// positionRequest is a position a plan opens. It is only recorded in the
// PositionBook once the whole plan has been validated.
type positionRequest struct {
	key      PoolKey
	protocol ProtocolName
	chain    ChainName
	vault    string
}

func (r *positionRequest) Ref() PlaceRef   { return r.key }
func (r *positionRequest) Kind() PlaceKind { return PlacePosition }

type resolvedStep struct {
	desc MovementDesc
	src  AssetPlace
	dest AssetPlace
	how  string
}

// InterpretFlowDesc resolves every step of a plan against the portfolio's
// positions and the offer escrow, then builds the movements. Every reference
// is resolved before any movement is built, so a plan with one bad step is
// rejected as a whole with a *PlanningError. The only state a valid plan
// changes is the opening of new positions.
func (p *Planner) InterpretFlowDesc(ctx context.Context, steps []MovementDesc, positions *PositionBook, escrow Escrow) ([]*AssetMovement, error) {
	if len(steps) == 0 {
		return nil, &PlanningError{error: errors.New("empty plan")}
	}

	var opens []PositionStatus
	requests := map[PoolKey]*positionRequest{}
	resolved := make([]resolvedStep, 0, len(steps))

	for i, raw := range steps {
		n := i + 1
		desc := raw.Clone()
		if !desc.Amount.IsPositive() || !desc.Amount.Value.IsInteger() || desc.Amount.Denom == "" {
			return nil, planningFailed(n, fmt.Errorf("%w: %s", ErrInvalidAmount, desc.Amount))
		}
		if desc.Fee != nil && (desc.Fee.Value.IsNegative() || !desc.Fee.Value.IsInteger()) {
			return nil, planningFailed(n, fmt.Errorf("%w: fee %s", ErrInvalidAmount, desc.Fee))
		}

		src, err := p.resolve(desc.Src, positions, escrow, requests, false)
		if err != nil {
			return nil, planningFailed(n, fmt.Errorf("src: %w", err))
		}
		dest, err := p.resolve(desc.Dest, positions, escrow, requests, true)
		if err != nil {
			return nil, planningFailed(n, fmt.Errorf("dest: %w", err))
		}
		if req, ok := dest.(*positionRequest); ok {
			if _, seen := requests[req.key]; !seen {
				requests[req.key] = req
				opens = append(opens, PositionStatus{PoolKey: req.key, Protocol: req.protocol, Chain: req.chain, Vault: req.vault})
			}
		}

		how, err := p.classify(src, dest)
		if err != nil {
			return nil, planningFailed(n, err)
		}
		resolved = append(resolved, resolvedStep{desc: desc, src: src, dest: dest, how: how})
	}

	opened, err := positions.openAll(ctx, opens)
	if err != nil {
		return nil, err
	}
	for _, pos := range opened {
		p.logger().Info("opened position", zap.String("poolKey", string(pos.Ref())))
	}

	moves := make([]*AssetMovement, 0, len(resolved))
	for _, step := range resolved {
		moves = append(moves, p.build(step, positions))
	}
	return moves, nil
}

func (p *Planner) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

func (p *Planner) resolve(ref PlaceRef, positions *PositionBook, escrow Escrow, requests map[PoolKey]*positionRequest, isDest bool) (AssetPlace, error) {
	switch ref.Kind() {
	case PlaceSeat:
		kw, ok := ref.Keyword()
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPlace, ref)
		}
		if escrow == nil {
			return nil, fmt.Errorf("%w: %s needs an escrow", ErrUnknownPlace, ref)
		}
		return &SeatPlace{Keyword: kw, Escrow: escrow}, nil

	case PlaceAccount:
		name, _ := ref.ChainName()
		chain, ok := p.Chains.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("%w: no chain %q", ErrUnknownPlace, name)
		}
		return &AccountPlace{Chain: chain, source: p.Accounts}, nil
	}

	if pos, ok := positions.Get(ref); ok {
		if _, err := p.Protocols.Get(pos.Protocol()); err != nil {
			return nil, err
		}
		return pos, nil
	}
	if req, ok := requests[ref]; ok {
		return req, nil
	}
	if !isDest {
		return nil, fmt.Errorf("%w: no position %q", ErrUnknownPlace, ref)
	}
	return p.requestPosition(ref)
}

func (p *Planner) requestPosition(key PoolKey) (*positionRequest, error) {
	protocol, vault, chain, err := ParsePoolKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownPlace, err)
	}
	h, err := p.Protocols.Get(protocol)
	if err != nil {
		return nil, err
	}
	if chain == "" {
		chain = h.HomeChain()
	}
	info, ok := p.Chains.Lookup(chain)
	if !ok {
		return nil, fmt.Errorf("%w: no chain %q for %s", ErrUnknownPlace, chain, key)
	}
	if info.Kind != h.Kind() {
		return nil, fmt.Errorf("%w: %s does not run on %s", ErrUnknownProtocol, protocol, chain)
	}
	return &positionRequest{key: key, protocol: protocol, chain: chain, vault: vault}, nil
}

// classify checks that a movement between src and dest is possible and
// returns how it is performed.
func (p *Planner) classify(src, dest AssetPlace) (string, error) {
	switch {
	case src.Kind() == PlaceSeat && dest.Kind() == PlaceAccount:
		if dest.(*AccountPlace).Chain.Name != Agoric {
			return "", fmt.Errorf("%w: escrow to %s", ErrNoRoute, dest.Ref())
		}
		return HowLocalTransfer, nil

	case src.Kind() == PlaceAccount && dest.Kind() == PlaceSeat:
		if src.(*AccountPlace).Chain.Name != Agoric {
			return "", fmt.Errorf("%w: %s to escrow", ErrNoRoute, src.Ref())
		}
		return HowWithdrawToSeat, nil

	case src.Kind() == PlaceAccount && dest.Kind() == PlaceAccount:
		if err := checkRoute(src.(*AccountPlace).Chain, dest.(*AccountPlace).Chain); err != nil {
			return "", err
		}
		return HowTransfer, nil

	case src.Kind() == PlaceAccount && dest.Kind() == PlacePosition:
		protocol, chain := positionTarget(dest)
		if src.(*AccountPlace).Chain.Name != chain {
			return "", fmt.Errorf("%w: %s to %s (pool is on %s)", ErrNoRoute, src.Ref(), dest.Ref(), chain)
		}
		return string(protocol), nil

	case src.Kind() == PlacePosition && dest.Kind() == PlaceAccount:
		protocol, chain := positionTarget(src)
		if dest.(*AccountPlace).Chain.Name != chain {
			return "", fmt.Errorf("%w: %s to %s (pool is on %s)", ErrNoRoute, src.Ref(), dest.Ref(), chain)
		}
		return string(protocol), nil
	}
	return "", fmt.Errorf("%w: %s %s to %s %s", ErrNoRoute, src.Kind(), src.Ref(), dest.Kind(), dest.Ref())
}

func positionTarget(place AssetPlace) (ProtocolName, ChainName) {
	switch pl := place.(type) {
	case *Position:
		return pl.Protocol(), pl.Chain()
	case *positionRequest:
		return pl.protocol, pl.chain
	}
	return "", ""
}

// checkRoute allows IBC between cosmos chains and CCTP between noble and EVM
// chains.
func checkRoute(from, to ChainInfo) error {
	switch {
	case from.Name == to.Name:
		return fmt.Errorf("%w: %s to itself", ErrNoRoute, from.Name)
	case from.Kind == KindCosmos && to.Kind == KindCosmos:
		return nil
	case from.Name == Noble && to.Kind == KindEVM:
		return nil
	case from.Kind == KindEVM && to.Name == Noble:
		return nil
	}
	return fmt.Errorf("%w: @%s to @%s", ErrNoRoute, from.Name, to.Name)
}

func (p *Planner) build(step resolvedStep, positions *PositionBook) *AssetMovement {
	d := step.desc
	src, dest := step.src, step.dest
	// Positions requested by this plan are open now.
	if req, ok := src.(*positionRequest); ok {
		src, _ = positions.Get(req.key)
	}
	if req, ok := dest.(*positionRequest); ok {
		dest, _ = positions.Get(req.key)
	}

	var apply, recover MoveFunc
	switch step.how {
	case HowLocalTransfer:
		seat, acct := src.(*SeatPlace), dest.(*AccountPlace)
		apply = p.seatDeposit(seat, acct, d.Amount)
		recover = p.seatWithdraw(seat, acct, d.Amount)
	case HowWithdrawToSeat:
		acct, seat := src.(*AccountPlace), dest.(*SeatPlace)
		apply = p.seatWithdraw(seat, acct, d.Amount)
		recover = p.seatDeposit(seat, acct, d.Amount)
	case HowTransfer:
		from, to := src.(*AccountPlace), dest.(*AccountPlace)
		apply = p.transfer(from, to, d.Amount, d.Fee)
		recover = p.transfer(to, from, d.Amount, d.Fee)
	default:
		if acct, ok := src.(*AccountPlace); ok {
			pos := dest.(*Position)
			apply = p.supply(acct, pos, d, false, false)
			recover = p.supply(acct, pos, d, true, false)
		} else {
			pos, acct := src.(*Position), dest.(*AccountPlace)
			apply = p.supply(acct, pos, d, true, d.Claim)
			recover = p.supply(acct, pos, d, false, false)
		}
	}

	m := NewMovement(step.how, d.Amount, src, dest, apply, recover)
	m.Fee = d.Fee
	return m
}

func (p *Planner) seatDeposit(seat *SeatPlace, acct *AccountPlace, amount Amount) MoveFunc {
	return func(ctx context.Context) error {
		a, err := acct.Account(ctx)
		if err != nil {
			return err
		}
		return seat.Escrow.Deposit(ctx, seat.Keyword, a, amount)
	}
}

func (p *Planner) seatWithdraw(seat *SeatPlace, acct *AccountPlace, amount Amount) MoveFunc {
	return func(ctx context.Context) error {
		a, err := acct.Account(ctx)
		if err != nil {
			return err
		}
		return seat.Escrow.Withdraw(ctx, seat.Keyword, a, amount)
	}
}

// supply moves amount from acct into pos, or out of it when withdraw is set.
func (p *Planner) supply(acct *AccountPlace, pos *Position, d MovementDesc, withdraw, claim bool) MoveFunc {
	return func(ctx context.Context) error {
		h, err := p.Protocols.Get(pos.Protocol())
		if err != nil {
			return err
		}
		a, err := acct.Account(ctx)
		if err != nil {
			return err
		}
		op := ProtocolOp{Position: pos, Account: a, Amount: d.Amount, Fee: d.Fee, Claim: claim, Detail: d.Detail}
		if withdraw {
			return h.Withdraw(ctx, op)
		}
		return h.Supply(ctx, op)
	}
}

func (p *Planner) transfer(from, to *AccountPlace, amount Amount, fee *Amount) MoveFunc {
	return func(ctx context.Context) error {
		src, err := from.Account(ctx)
		if err != nil {
			return err
		}
		dst, err := to.Account(ctx)
		if err != nil {
			return err
		}
		opts := TxOpts{Fee: fee}

		switch {
		case from.Chain.Kind == KindCosmos && to.Chain.Kind == KindCosmos:
			return src.Transfer(ctx, dst.Address(), amount, opts)

		case to.Chain.Kind == KindEVM:
			id, result, err := p.Resolver.Register(ctx, resolver.CCTPToEVM, string(dst.Address()), amount.BigInt())
			if err != nil {
				return err
			}
			_, err = src.ExecuteEncodedTx(ctx, []EncodedMsg{
				{Contract: "cctp", Method: "depositForBurn", Args: []string{string(dst.Address()), amount.Value.String()}},
			}, opts)
			if err != nil {
				p.Resolver.Unsubscribe(id, "burn failed")
				return err
			}
			return p.Resolver.Await(ctx, id, result)

		default:
			id, result, err := p.Resolver.Register(ctx, resolver.CCTPToNoble, string(dst.Address()), amount.BigInt())
			if err != nil {
				return err
			}
			_, err = src.ExecuteEncodedTx(ctx, []EncodedMsg{
				{Contract: "usdc", Method: "approve", Args: []string{"tokenMessenger", amount.Value.String()}},
				{Contract: "tokenMessenger", Method: "depositForBurn", Args: []string{string(dst.Address()), amount.Value.String()}},
			}, opts)
			if err != nil {
				p.Resolver.Unsubscribe(id, "burn failed")
				return err
			}
			return p.Resolver.Await(ctx, id, result)
		}
	}
}
