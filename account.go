package crosschain

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fortressi/crosschain/provision"
	"github.com/fortressi/crosschain/resolver"
)

// EncodedMsg is one contract call or chain message, kept symbolic. Turning
// it into a chain's wire format is the job of the Account implementation.
type EncodedMsg struct {
	Contract string   `json:"contract"`
	Method   string   `json:"method"`
	Args     []string `json:"args,omitempty"`
}

func (m EncodedMsg) String() string {
	return fmt.Sprintf("%s.%s%v", m.Contract, m.Method, m.Args)
}

// TxOpts carries optional parameters of an account operation.
type TxOpts struct {
	Fee  *Amount
	Memo string
}

// Account is the capability to move assets held at one address.
type Account interface {
	Chain() ChainInfo
	Address() ChainAddress
	// Transfer sends amount to an account on another chain.
	Transfer(ctx context.Context, dest ChainAddress, amount Amount, opts TxOpts) error
	// Send moves amount to another account on the same chain.
	Send(ctx context.Context, dest ChainAddress, amount Amount, opts TxOpts) error
	// ExecuteEncodedTx runs msgs in one transaction.
	ExecuteEncodedTx(ctx context.Context, msgs []EncodedMsg, opts TxOpts) ([]string, error)
}

// Escrow holds the assets of an offer, split into keyword legs.
type Escrow interface {
	// Deposit moves amount from the keyword leg into dest.
	Deposit(ctx context.Context, keyword string, dest Account, amount Amount) error
	// Withdraw moves amount from src back into the keyword leg.
	Withdraw(ctx context.Context, keyword string, src Account, amount Amount) error
}

// GMPCall is a batch of contract calls to execute on a remote account.
// Confirmation comes back out of band, correlated by TxID.
type GMPCall struct {
	TxID  resolver.TxID              `json:"txId"`
	Dest  provision.RemoteAccountInfo `json:"dest"`
	Calls []EncodedMsg               `json:"calls"`
	Fee   *Amount                    `json:"fee,omitempty"`
}

// Network reaches the chains of a portfolio.
type Network interface {
	// LocalAccount returns the portfolio's account on a cosmos chain.
	LocalAccount(ctx context.Context, chain ChainInfo) (Account, error)
	// MakeAccount starts creating a remote account on an EVM chain and
	// returns its address. The account is usable once txID settles.
	MakeAccount(ctx context.Context, chain ChainInfo, txID resolver.TxID) (ChainAddress, error)
	// SendGMP submits call for execution on its remote account.
	SendGMP(ctx context.Context, call GMPCall) error
}

// ErrUnsupported is returned by account operations a chain cannot perform.
var ErrUnsupported = errors.New("operation not supported")

// remoteAccount is an account on an EVM chain. Every operation is a GMP call
// tracked by the resolver until the relayer reports its outcome.
type remoteAccount struct {
	chain    ChainInfo
	info     provision.RemoteAccountInfo
	network  Network
	resolver *resolver.Resolver
	logger   *zap.Logger
}

var _ Account = (*remoteAccount)(nil)

func (r *remoteAccount) Chain() ChainInfo      { return r.chain }
func (r *remoteAccount) Address() ChainAddress { return ChainAddress(r.info.Address) }

func (r *remoteAccount) Transfer(context.Context, ChainAddress, Amount, TxOpts) error {
	return fmt.Errorf("transfer from %s: %w", r.chain.Name, ErrUnsupported)
}

func (r *remoteAccount) Send(ctx context.Context, dest ChainAddress, amount Amount, opts TxOpts) error {
	_, err := r.ExecuteEncodedTx(ctx, []EncodedMsg{
		{Contract: "usdc", Method: "transfer", Args: []string{string(dest), amount.Value.String()}},
	}, opts)
	return err
}

func (r *remoteAccount) ExecuteEncodedTx(ctx context.Context, msgs []EncodedMsg, opts TxOpts) ([]string, error) {
	id, result, err := r.resolver.Register(ctx, resolver.GMP, r.info.Address, nil)
	if err != nil {
		return nil, err
	}
	call := GMPCall{TxID: id, Dest: r.info, Calls: append([]EncodedMsg(nil), msgs...), Fee: opts.Fee}
	if err := r.network.SendGMP(ctx, call); err != nil {
		r.resolver.Unsubscribe(id, "send failed")
		return nil, fmt.Errorf("gmp %s to %s: %w", id, r.info.Address, err)
	}
	r.logger.Debug("gmp call sent",
		zap.String("txId", string(id)),
		zap.String("dest", r.info.Address),
		zap.Int("calls", len(msgs)))
	if err := r.resolver.Await(ctx, id, result); err != nil {
		return nil, err
	}
	return nil, nil
}
