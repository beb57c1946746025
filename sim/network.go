// Package sim is an in-memory multi-chain ledger for tests and demos. It
// implements crosschain.Network, the accounts it hands out, an offer escrow
// and a relayer that completes cross-chain operations by settling their
// transactions with a resolver.
package sim

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fortressi/crosschain"
	"github.com/fortressi/crosschain/resolver"
)

// ErrInjected is the cause of every failure injected with FailWhen.
var ErrInjected = errors.New("injected failure")

// ErrInsufficientFunds is returned when a debit exceeds a balance.
var ErrInsufficientFunds = errors.New("insufficient funds")

// OpKind classifies a simulated operation for fault injection.
type OpKind string

const (
	OpTransfer    OpKind = "transfer"
	OpSend        OpKind = "send"
	OpExecute     OpKind = "execute"
	OpDeposit     OpKind = "deposit"
	OpWithdraw    OpKind = "withdraw"
	OpGMP         OpKind = "gmp"
	OpCCTP        OpKind = "cctp"
	OpMakeAccount OpKind = "makeAccount"
)

// Op describes an operation about to happen.
type Op struct {
	Kind   OpKind
	Chain  crosschain.ChainName
	Method string
	From   crosschain.ChainAddress
	To     crosschain.ChainAddress
	Amount decimal.Decimal
}

type fault struct {
	match     func(Op) bool
	remaining int
}

type deliveryKind int

const (
	deliverGMP deliveryKind = iota
	deliverCCTP
	deliverMakeAccount
)

type delivery struct {
	kind    deliveryKind
	txID    resolver.TxID
	call    crosschain.GMPCall
	chain   crosschain.ChainInfo
	address crosschain.ChainAddress
	amount  decimal.Decimal
}

// Network is a set of simulated chains holding one owner's accounts.
type Network struct {
	mu         sync.Mutex
	owner      string
	chains     crosschain.Chains
	balances   map[string]map[string]decimal.Decimal
	remotes    map[crosschain.ChainAddress]bool
	deliveries []delivery
	notify     chan struct{}
	faults     []*fault
	nonce      uint64
	calls      []crosschain.EncodedMsg
	logger     *zap.Logger
}

var _ crosschain.Network = (*Network)(nil)

// Option configures a Network.
type Option func(*Network)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(n *Network) { n.logger = l }
}

// New creates an empty network of chains for owner.
func New(owner string, chains crosschain.Chains, opts ...Option) *Network {
	if chains == nil {
		chains = crosschain.DefaultChains()
	}
	n := &Network{
		owner:    owner,
		chains:   chains,
		balances: make(map[string]map[string]decimal.Decimal),
		remotes:  make(map[crosschain.ChainAddress]bool),
		notify:   make(chan struct{}, 1),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// FailWhen makes the next times operations matching match fail with
// ErrInjected. times <= 0 fails every match.
func (n *Network) FailWhen(match func(Op) bool, times int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.faults = append(n.faults, &fault{match: match, remaining: times})
}

// ClearFaults removes every injected fault.
func (n *Network) ClearFaults() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.faults = nil
}

func (n *Network) checkLocked(op Op) error {
	for _, f := range n.faults {
		if f.remaining < 0 || !f.match(op) {
			continue
		}
		if f.remaining > 0 {
			f.remaining--
			if f.remaining == 0 {
				f.remaining = -1
			}
		}
		n.logger.Debug("injecting failure", zap.String("op", string(op.Kind)), zap.String("method", op.Method))
		return fmt.Errorf("%s %s on %s: %w", op.Kind, op.Method, op.Chain, ErrInjected)
	}
	return nil
}

// Fund credits addr with amount.
func (n *Network) Fund(addr crosschain.ChainAddress, amount crosschain.Amount) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.creditLocked(string(addr), amount.Denom, amount.Value)
}

// Balance returns the balance of denom at addr.
func (n *Network) Balance(addr crosschain.ChainAddress, denom string) decimal.Decimal {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.balances[string(addr)][denom]
}

// PoolBalance returns what owner holds in a protocol contract.
func (n *Network) PoolBalance(contract string, owner crosschain.ChainAddress, denom string) decimal.Decimal {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.balances[poolKey(contract, string(owner))][denom]
}

// Calls returns every contract call executed so far, in order.
func (n *Network) Calls() []crosschain.EncodedMsg {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]crosschain.EncodedMsg(nil), n.calls...)
}

// Pending returns the number of operations waiting for the relayer.
func (n *Network) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.deliveries)
}

// Total returns the sum of denom over every address and pool.
func (n *Network) Total(denom string) decimal.Decimal {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := decimal.Zero
	for _, b := range n.balances {
		total = total.Add(b[denom])
	}
	return total
}

func poolKey(contract, owner string) string {
	return "pool:" + contract + ":" + owner
}

func (n *Network) creditLocked(key, denom string, v decimal.Decimal) {
	b, ok := n.balances[key]
	if !ok {
		b = make(map[string]decimal.Decimal)
		n.balances[key] = b
	}
	b[denom] = b[denom].Add(v)
}

func (n *Network) debitLocked(key, denom string, v decimal.Decimal) error {
	have := n.balances[key][denom]
	if have.LessThan(v) {
		return fmt.Errorf("%w: %s has %s %s, needs %s", ErrInsufficientFunds, key, have, denom, v)
	}
	n.creditLocked(key, denom, v.Neg())
	return nil
}

func (n *Network) moveLocked(from, to, denom string, v decimal.Decimal) error {
	if err := n.debitLocked(from, denom, v); err != nil {
		return err
	}
	n.creditLocked(to, denom, v)
	return nil
}

func (n *Network) snapshotLocked() map[string]map[string]decimal.Decimal {
	out := make(map[string]map[string]decimal.Decimal, len(n.balances))
	for k, v := range n.balances {
		out[k] = maps.Clone(v)
	}
	return out
}

func (n *Network) enqueueLocked(d delivery) {
	n.deliveries = append(n.deliveries, d)
	select {
	case n.notify <- struct{}{}:
	default:
	}
}

func (n *Network) hash(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(append([]string{n.owner}, parts...), "|")))
	return hex.EncodeToString(sum[:])
}

// LocalAccount implements crosschain.Network.
func (n *Network) LocalAccount(_ context.Context, chain crosschain.ChainInfo) (crosschain.Account, error) {
	if chain.Kind != crosschain.KindCosmos {
		return nil, fmt.Errorf("%s: %w", chain.Name, crosschain.ErrUnsupported)
	}
	addr := strings.ToLower(string(chain.Name)) + "1" + n.hash(string(chain.Name))[:38]
	return &account{net: n, chain: chain, addr: chain.Address(addr)}, nil
}

// MakeAccount implements crosschain.Network. The address is fixed now; the
// account exists once the relayer delivers the creation.
func (n *Network) MakeAccount(_ context.Context, chain crosschain.ChainInfo, txID resolver.TxID) (crosschain.ChainAddress, error) {
	if chain.Kind != crosschain.KindEVM {
		return "", fmt.Errorf("%s: %w", chain.Name, crosschain.ErrUnsupported)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nonce++
	addr := chain.Address("0x" + n.hash(string(chain.Name), fmt.Sprint(n.nonce))[:40])
	n.enqueueLocked(delivery{kind: deliverMakeAccount, txID: txID, chain: chain, address: addr})
	return addr, nil
}

// SendGMP implements crosschain.Network.
func (n *Network) SendGMP(_ context.Context, call crosschain.GMPCall) error {
	if _, ok := n.chains.Lookup(crosschain.ChainName(call.Dest.Chain)); !ok {
		return fmt.Errorf("gmp to unknown chain %q", call.Dest.Chain)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	call.Calls = append([]crosschain.EncodedMsg(nil), call.Calls...)
	n.enqueueLocked(delivery{kind: deliverGMP, txID: call.TxID, call: call})
	return nil
}

// executeLocked runs msgs for owner on chain as one transaction: either
// every message applies or none does. CCTP burns it makes are returned.
func (n *Network) executeLocked(chain crosschain.ChainInfo, owner crosschain.ChainAddress, msgs []crosschain.EncodedMsg) ([]delivery, error) {
	saved := n.snapshotLocked()
	var out []delivery
	for _, msg := range msgs {
		d, err := n.execOneLocked(chain, owner, msg)
		if err != nil {
			n.balances = saved
			return nil, fmt.Errorf("%s: %w", msg, err)
		}
		if d != nil {
			out = append(out, *d)
		}
	}
	n.calls = append(n.calls, msgs...)
	return out, nil
}

func argAmount(msg crosschain.EncodedMsg, i int) (decimal.Decimal, error) {
	if i >= len(msg.Args) {
		return decimal.Zero, fmt.Errorf("missing argument %d", i)
	}
	return decimal.NewFromString(msg.Args[i])
}

func denomOf(s string) string {
	return strings.ToUpper(strings.TrimPrefix(s, "u"))
}

func (n *Network) execOneLocked(chain crosschain.ChainInfo, owner crosschain.ChainAddress, msg crosschain.EncodedMsg) (*delivery, error) {
	op := Op{Kind: OpExecute, Chain: chain.Name, Method: msg.Method, From: owner}
	self := string(owner)

	switch msg.Method {
	case "approve", "claimRewards":
		return nil, n.checkLocked(op)

	case "swap":
		v, err := argAmount(msg, 0)
		if err != nil || len(msg.Args) < 3 {
			return nil, fmt.Errorf("bad swap arguments %v", msg.Args)
		}
		op.Amount = v
		if err := n.checkLocked(op); err != nil {
			return nil, err
		}
		if err := n.debitLocked(self, denomOf(msg.Args[1]), v); err != nil {
			return nil, err
		}
		n.creditLocked(self, denomOf(msg.Args[2]), v)
		return nil, nil

	case "lock", "unlock":
		v, err := argAmount(msg, 1)
		if err != nil {
			return nil, err
		}
		op.Amount = v
		if err := n.checkLocked(op); err != nil {
			return nil, err
		}
		pool := poolKey(msg.Contract+"_"+msg.Args[0], self)
		if msg.Method == "lock" {
			return nil, n.moveLocked(self, pool, "USDN", v)
		}
		return nil, n.moveLocked(pool, self, "USDN", v)

	case "supply", "deposit", "withdraw":
		v, err := argAmount(msg, 0)
		if err != nil {
			return nil, err
		}
		op.Amount = v
		if err := n.checkLocked(op); err != nil {
			return nil, err
		}
		pool := poolKey(msg.Contract, self)
		if msg.Method == "withdraw" {
			return nil, n.moveLocked(pool, self, "USDC", v)
		}
		return nil, n.moveLocked(self, pool, "USDC", v)

	case "transfer":
		v, err := argAmount(msg, 1)
		if err != nil {
			return nil, err
		}
		op.Amount, op.To = v, crosschain.ChainAddress(msg.Args[0])
		if err := n.checkLocked(op); err != nil {
			return nil, err
		}
		return nil, n.moveLocked(self, msg.Args[0], "USDC", v)

	case "depositForBurn":
		v, err := argAmount(msg, 1)
		if err != nil {
			return nil, err
		}
		dest := crosschain.ChainAddress(msg.Args[0])
		op.Amount, op.To = v, dest
		if err := n.checkLocked(op); err != nil {
			return nil, err
		}
		if err := n.debitLocked(self, "USDC", v); err != nil {
			return nil, err
		}
		return &delivery{kind: deliverCCTP, address: dest, amount: v}, nil
	}
	return nil, fmt.Errorf("unknown method %s.%s", msg.Contract, msg.Method)
}

// account is a cosmos account owned directly by the portfolio.
type account struct {
	net   *Network
	chain crosschain.ChainInfo
	addr  crosschain.ChainAddress
}

func (a *account) Chain() crosschain.ChainInfo       { return a.chain }
func (a *account) Address() crosschain.ChainAddress { return a.addr }

// Transfer is an IBC transfer, acknowledged synchronously.
func (a *account) Transfer(_ context.Context, dest crosschain.ChainAddress, amount crosschain.Amount, _ crosschain.TxOpts) error {
	return a.move(OpTransfer, dest, amount)
}

func (a *account) Send(_ context.Context, dest crosschain.ChainAddress, amount crosschain.Amount, _ crosschain.TxOpts) error {
	return a.move(OpSend, dest, amount)
}

func (a *account) move(kind OpKind, dest crosschain.ChainAddress, amount crosschain.Amount) error {
	a.net.mu.Lock()
	defer a.net.mu.Unlock()
	op := Op{Kind: kind, Chain: a.chain.Name, From: a.addr, To: dest, Amount: amount.Value}
	if err := a.net.checkLocked(op); err != nil {
		return err
	}
	return a.net.moveLocked(string(a.addr), string(dest), amount.Denom, amount.Value)
}

func (a *account) ExecuteEncodedTx(_ context.Context, msgs []crosschain.EncodedMsg, _ crosschain.TxOpts) ([]string, error) {
	a.net.mu.Lock()
	defer a.net.mu.Unlock()
	burns, err := a.net.executeLocked(a.chain, a.addr, msgs)
	if err != nil {
		return nil, err
	}
	for _, d := range burns {
		a.net.enqueueLocked(d)
	}
	results := make([]string, len(msgs))
	for i := range results {
		results[i] = "ok"
	}
	return results, nil
}
