package crosschain_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortressi/crosschain"
	"github.com/fortressi/crosschain/kv"
	"github.com/fortressi/crosschain/publish"
	"github.com/fortressi/crosschain/resolver"
	"github.com/fortressi/crosschain/sim"
)

type env struct {
	store     kv.Store
	net       *sim.Network
	resolver  *resolver.Resolver
	published *publish.Recorder
	portfolio *crosschain.Portfolio
	escrow    *sim.Escrow
	stop      func()
}

func newEnv(t *testing.T, store kv.Store, net *sim.Network) *env {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	rec := publish.NewRecorder()
	res, err := resolver.New(ctx, store, resolver.WithPublisher(rec))
	require.NoError(t, err)

	p, err := crosschain.NewPortfolio(ctx, "p1", crosschain.PortfolioDeps{
		Store:     store,
		Network:   net,
		Resolver:  res,
		Publisher: rec,
	})
	require.NoError(t, err)

	relayer := sim.NewRelayer(net, res, nil)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = relayer.Run(ctx)
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			wg.Wait()
			p.Close()
		})
	}
	t.Cleanup(stop)

	return &env{
		store:     store,
		net:       net,
		resolver:  res,
		published: rec,
		portfolio: p,
		stop:      stop,
		escrow: net.NewEscrow(map[string]crosschain.Amount{
			"Deposit": crosschain.MustParseAmount("1000 USDC"),
		}),
	}
}

func newTestEnv(t *testing.T) *env {
	return newEnv(t, kv.NewMemoryStore(), sim.New("owner1", nil))
}

func step(src, dest string, amount string) crosschain.MovementDesc {
	return crosschain.MovementDesc{
		Src:    crosschain.PlaceRef(src),
		Dest:   crosschain.PlaceRef(dest),
		Amount: crosschain.MustParseAmount(amount),
	}
}

func (e *env) rebalance(t *testing.T, steps ...crosschain.MovementDesc) (*crosschain.FlowLog, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.portfolio.Rebalance(ctx, e.escrow, steps)
}

func (e *env) account(t *testing.T, name crosschain.ChainName) crosschain.Account {
	t.Helper()
	chain, ok := crosschain.DefaultChains().Lookup(name)
	require.True(t, ok)
	a, err := e.portfolio.Account(context.Background(), chain)
	require.NoError(t, err)
	return a
}

func (e *env) trail(flowID string) []crosschain.FlowStatus {
	var out []crosschain.FlowStatus
	for _, v := range e.published.History(publish.Join("portfolios", "p1", "flows", flowID)) {
		out = append(out, v.(crosschain.FlowStatus))
	}
	return out
}

func usdc(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

var toAave = []crosschain.MovementDesc{
	step("<Deposit>", "@agoric", "1000 USDC"),
	step("@agoric", "@noble", "1000 USDC"),
	step("@noble", "@Arbitrum", "1000 USDC"),
	step("@Arbitrum", "Aave_Arbitrum", "1000 USDC"),
}

func TestRebalanceIntoUSDN(t *testing.T) {
	e := newTestEnv(t)

	log, err := e.rebalance(t,
		step("<Deposit>", "@agoric", "1000 USDC"),
		step("@agoric", "@noble", "1000 USDC"),
		step("@noble", "USDN", "1000 USDC"),
	)
	require.NoError(t, err)
	assert.Equal(t, "flow0", log.FlowID())
	assert.Equal(t, crosschain.FlowDone, log.State())

	noble := e.account(t, crosschain.Noble)
	assert.True(t, e.net.PoolBalance("dollar_staked", noble.Address(), "USDN").Equal(usdc(1000)))
	assert.True(t, e.escrow.Leg("Deposit").IsZero())

	pos, ok := e.portfolio.Position("USDN")
	require.True(t, ok)
	assert.Equal(t, "1000 USDC", pos.NetTransfers().String())

	trail := e.trail("flow0")
	require.NotEmpty(t, trail)
	assert.Equal(t, crosschain.StateDone, trail[len(trail)-1].State)

	steps, ok := e.published.Latest("portfolios.p1.flows.flow0.steps")
	require.True(t, ok)
	assert.Len(t, steps, 3)
}

func TestRebalanceIntoAaveProvisionsRemoteAccount(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.rebalance(t, toAave...)
	require.NoError(t, err)

	arb := e.account(t, "Arbitrum")
	assert.True(t, strings.HasPrefix(string(arb.Address()), "eip155:42161:0x"))
	assert.True(t, e.net.PoolBalance("aave_Arbitrum", arb.Address(), "USDC").Equal(usdc(1000)))
	assert.True(t, e.net.Total("USDC").Equal(usdc(1000)), "funds are conserved")
	assert.Empty(t, e.resolver.Pending())

	var methods []string
	for _, c := range e.net.Calls() {
		methods = append(methods, c.Contract+"."+c.Method)
	}
	assert.Equal(t, []string{"cctp.depositForBurn", "usdc.approve", "aave_Arbitrum.supply"}, methods)

	stored, err := e.store.Get(context.Background(), "portfolio/p1/accounts/Arbitrum")
	require.NoError(t, err)
	assert.Contains(t, string(stored), "0x")
}

func TestWithdrawClaimsRewards(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.rebalance(t, toAave...)
	require.NoError(t, err)

	out := step("Aave_Arbitrum", "@Arbitrum", "400 USDC")
	out.Claim = true
	log, err := e.rebalance(t, out, step("@Arbitrum", "@noble", "400 USDC"))
	require.NoError(t, err)
	assert.Equal(t, "flow1", log.FlowID())

	calls := e.net.Calls()
	var methods []string
	for _, c := range calls[3:] {
		methods = append(methods, c.Method)
	}
	assert.Equal(t, []string{"claimRewards", "withdraw", "approve", "depositForBurn"}, methods)

	noble := e.account(t, crosschain.Noble)
	assert.True(t, e.net.Balance(noble.Address(), "USDC").Equal(usdc(400)))

	pos, _ := e.portfolio.Position("Aave_Arbitrum")
	assert.Equal(t, "600 USDC", pos.NetTransfers().String())
}

func TestFailedSupplyUnwindsToSeat(t *testing.T) {
	e := newTestEnv(t)
	e.net.FailWhen(func(op sim.Op) bool {
		return op.Kind == sim.OpExecute && op.Method == "supply"
	}, 0)

	log, err := e.rebalance(t, toAave...)
	require.Error(t, err)

	var applyErr *crosschain.StepApplyError
	require.ErrorAs(t, err, &applyErr)
	assert.Equal(t, 4, applyErr.Step)
	var txErr *resolver.TxFailedError
	assert.ErrorAs(t, err, &txErr)

	assert.Equal(t, crosschain.FlowFailed, log.State())
	assert.True(t, e.escrow.Leg("Deposit").Value.Equal(usdc(1000)), "funds are back in the seat")
	assert.True(t, e.net.Total("USDC").IsZero())

	pos, ok := e.portfolio.Position("Aave_Arbitrum")
	require.True(t, ok, "positions opened by the plan stay open")
	assert.True(t, pos.NetTransfers().IsZero())

	var trail []string
	for _, s := range e.trail("flow0") {
		trail = append(trail, string(s.State))
	}
	assert.Equal(t, []string{"run", "run", "run", "run", "fail", "undo", "undo", "undo"}, trail)
}

func TestCompensationFailureReportsWhere(t *testing.T) {
	e := newTestEnv(t)
	e.net.FailWhen(func(op sim.Op) bool {
		return op.Kind == sim.OpExecute && op.Method == "supply"
	}, 0)
	e.net.FailWhen(func(op sim.Op) bool {
		return op.Kind == sim.OpCCTP && strings.HasPrefix(string(op.To), "cosmos:")
	}, 0)

	_, err := e.rebalance(t, toAave...)
	require.Error(t, err)

	var compErr *crosschain.CompensationError
	require.ErrorAs(t, err, &compErr)
	assert.Equal(t, 3, compErr.Step)
	assert.Equal(t, crosschain.PlaceRef("@Arbitrum"), compErr.Where)

	trail := e.trail("flow0")
	last := trail[len(trail)-1]
	assert.Equal(t, crosschain.StateFail, last.State)
	assert.Equal(t, 3, last.Step)
	assert.Equal(t, crosschain.PlaceRef("@Arbitrum"), last.Where)

	assert.True(t, e.escrow.Leg("Deposit").IsZero(), "step 1 is not recovered")
	agoric := e.account(t, crosschain.Agoric)
	assert.True(t, e.net.Balance(agoric.Address(), "USDC").IsZero())
}

func TestPlanIsRejectedAsAWhole(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.rebalance(t,
		step("<Deposit>", "@agoric", "1000 USDC"),
		step("@agoric", "Aave_Arbitrum", "1000 USDC"),
	)
	require.Error(t, err)
	var planErr *crosschain.PlanningError
	require.ErrorAs(t, err, &planErr)
	assert.Equal(t, 2, planErr.Step)
	assert.ErrorIs(t, err, crosschain.ErrNoRoute)

	assert.True(t, e.escrow.Leg("Deposit").Value.Equal(usdc(1000)))
	assert.Empty(t, e.portfolio.Positions(), "no position is opened by a rejected plan")
	assert.Equal(t, 0, e.net.Pending())
	assert.Empty(t, e.resolver.Pending())

	log, err := e.rebalance(t, step("<Deposit>", "@agoric", "10 USDC"))
	require.NoError(t, err)
	assert.Equal(t, "flow0", log.FlowID(), "rejected plans use no flow id")
}

func TestPlanValidation(t *testing.T) {
	e := newTestEnv(t)

	for name, tc := range map[string]struct {
		steps []crosschain.MovementDesc
		want  error
	}{
		"escrow to remote chain": {
			steps: []crosschain.MovementDesc{step("<Deposit>", "@noble", "1 USDC")},
			want:  crosschain.ErrNoRoute,
		},
		"agoric straight to EVM": {
			steps: []crosschain.MovementDesc{step("@agoric", "@Arbitrum", "1 USDC")},
			want:  crosschain.ErrNoRoute,
		},
		"unknown chain": {
			steps: []crosschain.MovementDesc{step("@Solana", "@noble", "1 USDC")},
			want:  crosschain.ErrUnknownPlace,
		},
		"withdraw from unopened position": {
			steps: []crosschain.MovementDesc{step("USDN", "@noble", "1 USDC")},
			want:  crosschain.ErrUnknownPlace,
		},
		"unknown protocol": {
			steps: []crosschain.MovementDesc{step("@Arbitrum", "Morpho_Arbitrum", "1 USDC")},
			want:  crosschain.ErrUnknownProtocol,
		},
		"zero amount": {
			steps: []crosschain.MovementDesc{step("<Deposit>", "@agoric", "0 USDC")},
			want:  crosschain.ErrInvalidAmount,
		},
		"fractional amount": {
			steps: []crosschain.MovementDesc{step("@noble", "@Arbitrum", "0.5 USDC")},
			want:  crosschain.ErrInvalidAmount,
		},
		"fractional fee": {
			steps: []crosschain.MovementDesc{{
				Src:    "@noble",
				Dest:   "@Arbitrum",
				Amount: crosschain.MustParseAmount("5 USDC"),
				Fee:    &crosschain.Amount{Denom: "USDC", Value: decimal.RequireFromString("0.25")},
			}},
			want: crosschain.ErrInvalidAmount,
		},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := e.portfolio.Plan(context.Background(), e.escrow, tc.steps)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			var planErr *crosschain.PlanningError
			assert.ErrorAs(t, err, &planErr)
		})
	}

	_, err := e.portfolio.Plan(context.Background(), e.escrow, nil)
	assert.Error(t, err, "empty plan")
}

func TestPositionOpenedEarlierInPlanCanBeSource(t *testing.T) {
	e := newTestEnv(t)

	moves, err := e.portfolio.Plan(context.Background(), e.escrow, []crosschain.MovementDesc{
		step("@noble", "USDN", "5 USDC"),
		step("USDN", "@noble", "5 USDC"),
	})
	require.NoError(t, err)
	require.Len(t, moves, 2)
	assert.Equal(t, "USDN", moves[0].How)
	assert.Same(t, moves[0].Dest, moves[1].Src)
}

func TestRestartRestoresAccountsAndPositions(t *testing.T) {
	store := kv.NewMemoryStore()
	net := sim.New("owner1", nil)

	first := newEnv(t, store, net)
	_, err := first.rebalance(t, toAave...)
	require.NoError(t, err)
	addr := first.account(t, "Arbitrum").Address()
	first.stop()

	second := newEnv(t, store, net)
	pos, ok := second.portfolio.Position("Aave_Arbitrum")
	require.True(t, ok)
	assert.Equal(t, "1000 USDC", pos.NetTransfers().String())
	assert.Equal(t, addr, second.account(t, "Arbitrum").Address(), "remote accounts are not provisioned twice")

	log, err := second.rebalance(t, step("Aave_Arbitrum", "@Arbitrum", "1000 USDC"))
	require.NoError(t, err)
	assert.Equal(t, "flow1", log.FlowID())
}

func TestRebalancesRunOneAtATime(t *testing.T) {
	e := newTestEnv(t)
	e.escrow = e.net.NewEscrow(map[string]crosschain.Amount{
		"Deposit": crosschain.MustParseAmount("3000 USDC"),
	})

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.rebalance(t, toAave...)
		}()
	}
	wg.Wait()
	require.NoError(t, errors.Join(errs...))

	arb := e.account(t, "Arbitrum")
	assert.True(t, e.net.PoolBalance("aave_Arbitrum", arb.Address(), "USDC").Equal(usdc(3000)))
	pos, _ := e.portfolio.Position("Aave_Arbitrum")
	assert.Equal(t, "3000 USDC", pos.NetTransfers().String())
}

// failingStore refuses writes of keys containing substr.
type failingStore struct {
	kv.Store
	substr string
}

func (s failingStore) Put(ctx context.Context, key string, value []byte) error {
	if strings.Contains(key, s.substr) {
		return errors.New("disk full")
	}
	return s.Store.Put(ctx, key, value)
}

func TestPlanOpensPositionsAllOrNothing(t *testing.T) {
	store := kv.NewMemoryStore()
	e := newEnv(t, failingStore{Store: store, substr: "positions/Compound_Arbitrum"}, sim.New("owner1", nil))

	_, err := e.portfolio.Plan(context.Background(), e.escrow, []crosschain.MovementDesc{
		step("@Arbitrum", "Aave_Arbitrum", "5 USDC"),
		step("@Arbitrum", "Compound_Arbitrum", "5 USDC"),
	})
	require.ErrorContains(t, err, "disk full")

	_, ok := e.portfolio.Position("Aave_Arbitrum")
	assert.False(t, ok)
	assert.Empty(t, e.portfolio.Positions())
	_, err = store.Get(context.Background(), "portfolio/p1/positions/Aave_Arbitrum")
	assert.ErrorIs(t, err, kv.ErrNotFound)
	for _, entry := range e.published.Entries() {
		assert.NotContains(t, entry.Path, "positions", "nothing is published for a rejected plan")
	}
}

func makeAccountTxs(rec *publish.Recorder) map[string]bool {
	ids := map[string]bool{}
	for _, entry := range rec.Entries() {
		if r, ok := entry.Value.(resolver.TxRecord); ok && r.Type == resolver.MakeAccount {
			ids[entry.Path] = true
		}
	}
	return ids
}

func TestCancelledAccountRequestDoesNotProvisionTwice(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	net := sim.New("owner1", nil)
	rec := publish.NewRecorder()
	res, err := resolver.New(ctx, store, resolver.WithPublisher(rec))
	require.NoError(t, err)
	p, err := crosschain.NewPortfolio(ctx, "p1", crosschain.PortfolioDeps{
		Store:     store,
		Network:   net,
		Resolver:  res,
		Publisher: rec,
	})
	require.NoError(t, err)
	t.Cleanup(p.Close)
	relayer := sim.NewRelayer(net, res, nil)

	arb, _ := crosschain.DefaultChains().Lookup("Arbitrum")
	noble, _ := crosschain.DefaultChains().Lookup(crosschain.Noble)

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = p.Account(short, arb)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Eventually(t, func() bool { return net.Pending() == 1 }, time.Second, time.Millisecond)

	// Local accounts are not held up by a remote one being provisioned.
	quick, cancelQuick := context.WithTimeout(ctx, time.Second)
	defer cancelQuick()
	_, err = p.Account(quick, noble)
	require.NoError(t, err)

	_, err = relayer.Flush(ctx)
	require.NoError(t, err)

	wait, cancelWait := context.WithTimeout(ctx, 5*time.Second)
	defer cancelWait()
	first, err := p.Account(wait, arb)
	require.NoError(t, err)
	again, err := p.Account(wait, arb)
	require.NoError(t, err)
	assert.Equal(t, first.Address(), again.Address())

	assert.Len(t, makeAccountTxs(rec), 1)
	assert.Zero(t, net.Pending())
	_, err = store.Get(ctx, "portfolio/p1/accounts/Arbitrum")
	assert.NoError(t, err)
}
