package crosschain

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fortressi/crosschain/future"
	"github.com/fortressi/crosschain/kv"
	"github.com/fortressi/crosschain/provision"
	"github.com/fortressi/crosschain/publish"
	"github.com/fortressi/crosschain/resolver"
)

// PortfolioDeps are the collaborators of a Portfolio. Store, Network and
// Resolver are required.
type PortfolioDeps struct {
	Store     kv.Store
	Network   Network
	Resolver  *resolver.Resolver
	Chains    Chains
	Protocols *ProtocolRegistry
	Publisher publish.Publisher
	Logger    *zap.Logger
	Tracer    trace.Tracer
	Retry     provision.RetryPolicy
}

// Portfolio is one owner's set of accounts and positions. Rebalances of a
// portfolio run one at a time, in the order they were submitted.
type Portfolio struct {
	id        string
	chains    Chains
	network   Network
	resolver  *resolver.Resolver
	planner   *Planner
	tracker   *Tracker
	positions *PositionBook
	publisher publish.Publisher
	logger    *zap.Logger

	accounts     *xsync.MapOf[ChainName, Account]
	remotes      *kv.Typed[provision.RemoteAccountInfo]
	remoteMu     sync.Mutex
	inflight     map[ChainName]*future.Future[provision.RemoteAccountInfo]
	provisioning *provision.Manager[provision.RemoteAccountInfo]

	counter *kv.Typed[uint64]
	runs    runQueue
}

var _ AccountSource = (*Portfolio)(nil)

// NewPortfolio opens portfolio id, restoring its positions, remote accounts
// and flow counter from the store.
func NewPortfolio(ctx context.Context, id string, deps PortfolioDeps) (*Portfolio, error) {
	if deps.Store == nil || deps.Network == nil || deps.Resolver == nil {
		return nil, errors.New("portfolio needs a store, a network and a resolver")
	}
	if deps.Chains == nil {
		deps.Chains = DefaultChains()
	}
	if deps.Protocols == nil {
		deps.Protocols = DefaultProtocols()
	}
	if deps.Publisher == nil {
		deps.Publisher = publish.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	logger := deps.Logger.With(zap.String("portfolio", id))

	prefix := "portfolio/" + id
	positions, err := OpenPositionBook(ctx, deps.Store, prefix+"/positions", deps.Publisher,
		publish.Join("portfolios", id, "positions"))
	if err != nil {
		return nil, err
	}

	p := &Portfolio{
		id:        id,
		chains:    deps.Chains,
		network:   deps.Network,
		resolver:  deps.Resolver,
		positions: positions,
		publisher: deps.Publisher,
		logger:    logger,
		accounts:  xsync.NewMapOf[ChainName, Account](),
		inflight:  make(map[ChainName]*future.Future[provision.RemoteAccountInfo]),
		remotes:   kv.NewTyped[provision.RemoteAccountInfo](deps.Store, prefix+"/accounts"),
		counter:   kv.NewTyped[uint64](deps.Store, prefix),
	}
	p.provisioning = provision.NewManager[provision.RemoteAccountInfo](deps.Store, p.provisionAttempt,
		provision.WithLogger(logger), provision.WithRetryPolicy(deps.Retry))
	p.planner = &Planner{
		Chains:    deps.Chains,
		Protocols: deps.Protocols,
		Accounts:  p,
		Resolver:  deps.Resolver,
		Logger:    logger,
	}
	trackerOpts := []TrackerOption{WithTrackerLogger(logger)}
	if deps.Tracer != nil {
		trackerOpts = append(trackerOpts, WithTracer(deps.Tracer))
	}
	p.tracker = NewTracker(trackerOpts...)

	err = p.remotes.Scan(ctx, func(_ string, info provision.RemoteAccountInfo) error {
		chain, ok := p.chains.Lookup(ChainName(info.Chain))
		if !ok {
			return fmt.Errorf("remote account on unknown chain %q", info.Chain)
		}
		p.accounts.Store(chain.Name, p.remoteAccount(chain, info))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to restore accounts: %w", err)
	}
	return p, nil
}

// ID returns the portfolio id.
func (p *Portfolio) ID() string { return p.id }

// Positions returns the status of every open position.
func (p *Portfolio) Positions() []PositionStatus { return p.positions.All() }

// Position returns the open position for key.
func (p *Portfolio) Position(key PoolKey) (*Position, bool) { return p.positions.Get(key) }

// Account implements AccountSource. Cosmos accounts come from the network;
// EVM accounts are provisioned once and remembered.
func (p *Portfolio) Account(ctx context.Context, chain ChainInfo) (Account, error) {
	if a, ok := p.accounts.Load(chain.Name); ok {
		return a, nil
	}

	switch chain.Kind {
	case KindCosmos:
		local, err := p.network.LocalAccount(ctx, chain)
		if err != nil {
			return nil, fmt.Errorf("account on %s: %w", chain.Name, err)
		}
		a, _ := p.accounts.LoadOrStore(chain.Name, local)
		return a, nil
	case KindEVM:
		return p.awaitRemote(ctx, chain)
	default:
		return nil, fmt.Errorf("%w: chain kind %q", ErrUnsupported, chain.Kind)
	}
}

// awaitRemote waits for the remote account on chain. There is at most one
// request per chain in flight; a caller whose ctx ends leaves it in place
// for the next caller, so the account it yields is never lost.
func (p *Portfolio) awaitRemote(ctx context.Context, chain ChainInfo) (Account, error) {
	p.remoteMu.Lock()
	f, ok := p.inflight[chain.Name]
	if !ok {
		var err error
		f, err = p.provisioning.RequestAccount(ctx, p.provisionKey(chain.Name))
		if err != nil {
			p.remoteMu.Unlock()
			return nil, err
		}
		p.inflight[chain.Name] = f
	}
	p.remoteMu.Unlock()

	info, err := f.Await(ctx)
	if err != nil {
		if f.Settled() {
			p.remoteMu.Lock()
			if p.inflight[chain.Name] == f {
				delete(p.inflight, chain.Name)
			}
			p.remoteMu.Unlock()
		}
		return nil, fmt.Errorf("account on %s: %w", chain.Name, err)
	}

	p.remoteMu.Lock()
	defer p.remoteMu.Unlock()
	if a, ok := p.accounts.Load(chain.Name); ok {
		return a, nil
	}
	if err := p.remotes.Put(ctx, string(chain.Name), info); err != nil {
		return nil, fmt.Errorf("failed to store account on %s: %w", chain.Name, err)
	}
	delete(p.inflight, chain.Name)
	p.logger.Info("remote account ready", zap.String("chain", string(chain.Name)), zap.String("address", info.Address))
	a := p.remoteAccount(chain, info)
	p.accounts.Store(chain.Name, a)
	return a, nil
}

func (p *Portfolio) remoteAccount(chain ChainInfo, info provision.RemoteAccountInfo) *remoteAccount {
	return &remoteAccount{chain: chain, info: info, network: p.network, resolver: p.resolver, logger: p.logger}
}

func (p *Portfolio) provisionKey(chain ChainName) string {
	return p.id + "/" + string(chain)
}

// provisionAttempt returns the attempt creating a remote account for key.
// The account exists once the MAKE_ACCOUNT transaction settles.
func (p *Portfolio) provisionAttempt(key string) (provision.Attempt[provision.RemoteAccountInfo], error) {
	name, ok := strings.CutPrefix(key, p.id+"/")
	if !ok {
		return nil, fmt.Errorf("key %q is not in portfolio %s", key, p.id)
	}
	chain, ok := p.chains.Lookup(ChainName(name))
	if !ok || chain.Kind != KindEVM {
		return nil, fmt.Errorf("no remote accounts on %q", name)
	}
	return func(ctx context.Context) (provision.RemoteAccountInfo, error) {
		id, result, err := p.resolver.Register(ctx, resolver.MakeAccount, chain.CAIP2(), nil)
		if err != nil {
			return provision.RemoteAccountInfo{}, err
		}
		addr, err := p.network.MakeAccount(ctx, chain, id)
		if err != nil {
			p.resolver.Unsubscribe(id, "make account failed")
			return provision.RemoteAccountInfo{}, err
		}
		if err := p.resolver.Await(ctx, id, result); err != nil {
			return provision.RemoteAccountInfo{}, err
		}
		return provision.RemoteAccountInfo{Chain: string(chain.Name), Address: string(addr)}, nil
	}, nil
}

func (p *Portfolio) nextFlowID(ctx context.Context) (string, error) {
	n, err := p.counter.Get(ctx, "nextFlow")
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return "", err
	}
	if err := p.counter.Put(ctx, "nextFlow", n+1); err != nil {
		return "", err
	}
	return "flow" + strconv.FormatUint(n, 10), nil
}

// Plan validates steps and returns the movements they would make, opening
// any new positions they name.
func (p *Portfolio) Plan(ctx context.Context, escrow Escrow, steps []MovementDesc) ([]*AssetMovement, error) {
	return p.planner.InterpretFlowDesc(ctx, steps, p.positions, escrow)
}

// Rebalance plans and runs steps as one flow, waiting for earlier
// rebalances of this portfolio to finish first. The status trail is
// published under portfolios.<id>.flows.<flowId>.
func (p *Portfolio) Rebalance(ctx context.Context, escrow Escrow, steps []MovementDesc) (*FlowLog, error) {
	if err := p.runs.acquire(ctx); err != nil {
		return nil, err
	}
	defer p.runs.release()

	moves, err := p.planner.InterpretFlowDesc(ctx, steps, p.positions, escrow)
	if err != nil {
		p.logger.Warn("plan rejected", zap.Error(err))
		return nil, err
	}
	flowID, err := p.nextFlowID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate flow id: %w", err)
	}

	path := publish.Join("portfolios", p.id, "flows", flowID)
	cloned := make([]MovementDesc, len(steps))
	for i, s := range steps {
		cloned[i] = s.Clone()
	}
	p.publisher.Publish(publish.Join(path, "steps"), cloned)

	p.logger.Info("flow started", zap.String("flow", flowID), zap.Int("steps", len(moves)))
	return p.tracker.Track(ctx, flowID, PublishReporter{Publisher: p.publisher, Path: path}, moves)
}

// Close stops provisioning.
func (p *Portfolio) Close() {
	p.provisioning.Close()
}

// runQueue admits one holder at a time, in arrival order.
type runQueue struct {
	mu      sync.Mutex
	busy    bool
	waiters []chan struct{}
}

func (q *runQueue) acquire(ctx context.Context) error {
	q.mu.Lock()
	if !q.busy {
		q.busy = true
		q.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	q.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		defer q.mu.Unlock()
		for i, w := range q.waiters {
			if w == ch {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				return ctx.Err()
			}
		}
		// The slot was handed over as ctx ended; pass it on.
		q.releaseLocked()
		return ctx.Err()
	}
}

func (q *runQueue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.releaseLocked()
}

func (q *runQueue) releaseLocked() {
	if len(q.waiters) == 0 {
		q.busy = false
		return
	}
	next := q.waiters[0]
	q.waiters = q.waiters[1:]
	close(next)
}
