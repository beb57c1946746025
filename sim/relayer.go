package sim

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fortressi/crosschain"
	"github.com/fortressi/crosschain/resolver"
)

// Relayer completes the operations queued on a Network and reports their
// outcome to a resolver, the way an off-chain watcher confirms them.
type Relayer struct {
	net      *Network
	resolver *resolver.Resolver
	logger   *zap.Logger
}

// NewRelayer creates a relayer for net settling through res.
func NewRelayer(net *Network, res *resolver.Resolver, logger *zap.Logger) *Relayer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relayer{net: net, resolver: res, logger: logger}
}

// Step delivers the oldest queued operation. It reports false when the
// queue was empty.
func (r *Relayer) Step(ctx context.Context) (bool, error) {
	r.net.mu.Lock()
	if len(r.net.deliveries) == 0 {
		r.net.mu.Unlock()
		return false, nil
	}
	d := r.net.deliveries[0]
	r.net.deliveries = r.net.deliveries[1:]
	r.net.mu.Unlock()

	switch d.kind {
	case deliverMakeAccount:
		return true, r.makeAccount(ctx, d)
	case deliverGMP:
		return true, r.gmp(ctx, d)
	case deliverCCTP:
		return true, r.cctp(ctx, d)
	}
	return true, fmt.Errorf("unknown delivery kind %d", d.kind)
}

// Flush delivers queued operations until none are left, including the ones
// queued by the deliveries themselves. It returns how many were delivered.
func (r *Relayer) Flush(ctx context.Context) (int, error) {
	var (
		n    int
		errs []error
	)
	for ctx.Err() == nil {
		ok, err := r.Step(ctx)
		if !ok {
			break
		}
		n++
		if err != nil {
			errs = append(errs, err)
		}
	}
	return n, errors.Join(errs...)
}

// Run delivers operations as they are queued until ctx ends.
func (r *Relayer) Run(ctx context.Context) error {
	for {
		if _, err := r.Flush(ctx); err != nil {
			r.logger.Warn("relay failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.net.notify:
		}
	}
}

func (r *Relayer) settle(ctx context.Context, id resolver.TxID, err error) error {
	req := resolver.SettleRequest{TxID: id, Status: resolver.StatusSuccess}
	if err != nil {
		req.Status = resolver.StatusFailed
		req.RejectionReason = err.Error()
	}
	return r.resolver.Settle(ctx, req)
}

func (r *Relayer) makeAccount(ctx context.Context, d delivery) error {
	r.net.mu.Lock()
	err := r.net.checkLocked(Op{Kind: OpMakeAccount, Chain: d.chain.Name, To: d.address})
	if err == nil {
		r.net.remotes[d.address] = true
	}
	r.net.mu.Unlock()

	r.logger.Debug("account creation delivered",
		zap.String("txId", string(d.txID)),
		zap.String("address", string(d.address)),
		zap.Error(err))
	return r.settle(ctx, d.txID, err)
}

func (r *Relayer) gmp(ctx context.Context, d delivery) error {
	chain, ok := r.net.chains.Lookup(crosschain.ChainName(d.call.Dest.Chain))
	if !ok {
		return r.settle(ctx, d.txID, fmt.Errorf("unknown chain %q", d.call.Dest.Chain))
	}
	owner := crosschain.ChainAddress(d.call.Dest.Address)

	r.net.mu.Lock()
	var (
		burns []delivery
		err   error
	)
	switch {
	case !r.net.remotes[owner]:
		err = fmt.Errorf("no account %s", owner)
	default:
		err = r.net.checkLocked(Op{Kind: OpGMP, Chain: chain.Name, To: owner})
		if err == nil {
			burns, err = r.net.executeLocked(chain, owner, d.call.Calls)
		}
	}
	r.net.mu.Unlock()

	r.logger.Debug("contract call delivered",
		zap.String("txId", string(d.txID)),
		zap.String("chain", string(chain.Name)),
		zap.Int("calls", len(d.call.Calls)),
		zap.Error(err))
	if serr := r.settle(ctx, d.txID, err); serr != nil {
		return serr
	}

	r.net.mu.Lock()
	defer r.net.mu.Unlock()
	for _, b := range burns {
		r.net.enqueueLocked(b)
	}
	return nil
}

// cctp mints a burn at its destination and settles the transaction
// registered for it, if any.
func (r *Relayer) cctp(ctx context.Context, d delivery) error {
	ns, _, _, err := d.address.Parse()
	if err != nil {
		return fmt.Errorf("cctp mint to %s: %w", d.address, err)
	}
	typ := resolver.CCTPToNoble
	if ns == "eip155" {
		typ = resolver.CCTPToEVM
	}

	r.net.mu.Lock()
	err = r.net.checkLocked(Op{Kind: OpCCTP, To: d.address, Amount: d.amount})
	if err == nil {
		r.net.creditLocked(string(d.address), "USDC", d.amount)
	}
	r.net.mu.Unlock()

	id, ok := r.resolver.Lookup(resolver.Pattern{
		Type:        typ,
		Destination: string(d.address),
		Amount:      d.amount.BigInt(),
	})
	if !ok {
		r.logger.Warn("cctp transfer has no pending transaction",
			zap.String("destination", string(d.address)),
			zap.String("amount", d.amount.String()))
		return nil
	}
	r.logger.Debug("cctp transfer delivered", zap.String("txId", string(id)), zap.Error(err))
	return r.settle(ctx, id, err)
}
