package sim

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortressi/crosschain"
	"github.com/fortressi/crosschain/kv"
	"github.com/fortressi/crosschain/provision"
	"github.com/fortressi/crosschain/resolver"
)

func chain(t *testing.T, name crosschain.ChainName) crosschain.ChainInfo {
	t.Helper()
	info, ok := crosschain.DefaultChains().Lookup(name)
	require.True(t, ok)
	return info
}

func newRelayer(t *testing.T, net *Network) (*Relayer, *resolver.Resolver) {
	t.Helper()
	res, err := resolver.New(context.Background(), kv.NewMemoryStore())
	require.NoError(t, err)
	return NewRelayer(net, res, nil), res
}

func TestExecuteIsAtomic(t *testing.T) {
	ctx := context.Background()
	net := New("o", nil)
	noble, err := net.LocalAccount(ctx, chain(t, crosschain.Noble))
	require.NoError(t, err)
	net.Fund(noble.Address(), crosschain.MustParseAmount("100 USDC"))

	_, err = noble.ExecuteEncodedTx(ctx, []crosschain.EncodedMsg{
		{Contract: "swap", Method: "swap", Args: []string{"100", "uusdc", "uusdn"}},
		{Contract: "dollar", Method: "lock", Args: []string{"staked", "150"}},
	}, crosschain.TxOpts{})
	require.ErrorIs(t, err, ErrInsufficientFunds)

	assert.True(t, net.Balance(noble.Address(), "USDC").Equal(decimal.NewFromInt(100)), "swap is rolled back")
	assert.True(t, net.Balance(noble.Address(), "USDN").IsZero())
	assert.Empty(t, net.Calls())
}

func TestFailWhenCountsDown(t *testing.T) {
	ctx := context.Background()
	net := New("o", nil)
	agoric, err := net.LocalAccount(ctx, chain(t, crosschain.Agoric))
	require.NoError(t, err)
	noble, err := net.LocalAccount(ctx, chain(t, crosschain.Noble))
	require.NoError(t, err)
	net.Fund(agoric.Address(), crosschain.MustParseAmount("10 USDC"))

	net.FailWhen(func(op Op) bool { return op.Kind == OpTransfer }, 1)
	amt := crosschain.MustParseAmount("4 USDC")

	err = agoric.Transfer(ctx, noble.Address(), amt, crosschain.TxOpts{})
	require.ErrorIs(t, err, ErrInjected)
	require.NoError(t, agoric.Transfer(ctx, noble.Address(), amt, crosschain.TxOpts{}))
	assert.True(t, net.Balance(noble.Address(), "USDC").Equal(decimal.NewFromInt(4)))
}

func TestRelayerDeliversAccountAndCalls(t *testing.T) {
	ctx := context.Background()
	net := New("o", nil)
	relayer, res := newRelayer(t, net)
	arb := chain(t, "Arbitrum")

	id, created, err := res.Register(ctx, resolver.MakeAccount, arb.CAIP2(), nil)
	require.NoError(t, err)
	addr, err := net.MakeAccount(ctx, arb, id)
	require.NoError(t, err)
	assert.Equal(t, 1, net.Pending())

	n, err := relayer.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, res.Await(ctx, id, created))

	net.Fund(addr, crosschain.MustParseAmount("50 USDC"))
	gmpID, done, err := res.Register(ctx, resolver.GMP, string(addr), nil)
	require.NoError(t, err)
	require.NoError(t, net.SendGMP(ctx, crosschain.GMPCall{
		TxID: gmpID,
		Dest: provision.RemoteAccountInfo{Chain: "Arbitrum", Address: string(addr)},
		Calls: []crosschain.EncodedMsg{
			{Contract: "usdc", Method: "approve", Args: []string{"aave_Arbitrum", "50"}},
			{Contract: "aave_Arbitrum", Method: "supply", Args: []string{"50"}},
		},
	}))
	_, err = relayer.Flush(ctx)
	require.NoError(t, err)
	require.NoError(t, res.Await(ctx, gmpID, done))
	assert.True(t, net.PoolBalance("aave_Arbitrum", addr, "USDC").Equal(decimal.NewFromInt(50)))
}

func TestRelayerFailsCallsToMissingAccounts(t *testing.T) {
	ctx := context.Background()
	net := New("o", nil)
	relayer, res := newRelayer(t, net)

	id, done, err := res.Register(ctx, resolver.GMP, "eip155:42161:0xdead", nil)
	require.NoError(t, err)
	require.NoError(t, net.SendGMP(ctx, crosschain.GMPCall{
		TxID: id,
		Dest: provision.RemoteAccountInfo{Chain: "Arbitrum", Address: "eip155:42161:0xdead"},
	}))
	_, err = relayer.Flush(ctx)
	require.NoError(t, err)

	err = res.Await(ctx, id, done)
	var failed *resolver.TxFailedError
	require.ErrorAs(t, err, &failed)
	assert.Contains(t, failed.Reason, "no account")
}

func TestRelayerMintsCCTPByPattern(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	net := New("o", nil)
	relayer, res := newRelayer(t, net)
	noble, err := net.LocalAccount(ctx, chain(t, crosschain.Noble))
	require.NoError(t, err)
	net.Fund(noble.Address(), crosschain.MustParseAmount("75 USDC"))

	dest := chain(t, "Base").Address("0xbeef")
	amt := crosschain.MustParseAmount("75 USDC")
	id, done, err := res.Register(ctx, resolver.CCTPToEVM, string(dest), amt.BigInt())
	require.NoError(t, err)
	_, err = noble.ExecuteEncodedTx(ctx, []crosschain.EncodedMsg{
		{Contract: "cctp", Method: "depositForBurn", Args: []string{string(dest), "75"}},
	}, crosschain.TxOpts{})
	require.NoError(t, err)

	go func() { _ = relayer.Run(ctx) }()
	require.NoError(t, res.Await(ctx, id, done))
	assert.True(t, net.Balance(dest, "USDC").Equal(decimal.NewFromInt(75)))
	assert.True(t, net.Balance(noble.Address(), "USDC").IsZero())
}

func TestEscrowLegs(t *testing.T) {
	ctx := context.Background()
	net := New("o", nil)
	agoric, err := net.LocalAccount(ctx, chain(t, crosschain.Agoric))
	require.NoError(t, err)
	escrow := net.NewEscrow(map[string]crosschain.Amount{"Deposit": crosschain.MustParseAmount("10 USDC")})

	require.NoError(t, escrow.Deposit(ctx, "Deposit", agoric, crosschain.MustParseAmount("6 USDC")))
	assert.Error(t, escrow.Deposit(ctx, "Deposit", agoric, crosschain.MustParseAmount("6 USDC")))
	assert.Equal(t, "4 USDC", escrow.Leg("Deposit").String())

	require.NoError(t, escrow.Withdraw(ctx, "Cash", agoric, crosschain.MustParseAmount("6 USDC")))
	assert.Equal(t, "6 USDC", escrow.Leg("Cash").String())
	assert.True(t, net.Balance(agoric.Address(), "USDC").IsZero())
}
