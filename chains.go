package crosschain

import (
	"fmt"
	"sort"
	"strings"
)

// ChainName names a chain as it appears in place references ("@noble").
type ChainName string

const (
	Agoric ChainName = "agoric"
	Noble  ChainName = "noble"
)

// ChainKind selects how accounts on a chain are reached.
type ChainKind string

const (
	// KindCosmos chains host accounts owned directly by the portfolio.
	KindCosmos ChainKind = "cosmos"
	// KindEVM chains host remote accounts driven by GMP calls.
	KindEVM ChainKind = "evm"
)

// ChainInfo describes one chain.
type ChainInfo struct {
	Name    ChainName `json:"name" yaml:"name"`
	Kind    ChainKind `json:"kind" yaml:"kind"`
	ChainID string    `json:"chainId" yaml:"chainId"`
}

func (c ChainInfo) namespace() string {
	if c.Kind == KindEVM {
		return "eip155"
	}
	return "cosmos"
}

// CAIP2 returns the chain identifier, e.g. "eip155:42161".
func (c ChainInfo) CAIP2() string {
	return c.namespace() + ":" + c.ChainID
}

// Address returns the CAIP-10 address of addr on this chain.
func (c ChainInfo) Address(addr string) ChainAddress {
	return ChainAddress(c.CAIP2() + ":" + addr)
}

// ChainAddress is a CAIP-10 account address such as
// "eip155:42161:0xabc" or "cosmos:noble-1:noble1xyz".
type ChainAddress string

// Parse splits a into namespace, chain reference and account address.
func (a ChainAddress) Parse() (namespace, reference, address string, err error) {
	parts := strings.SplitN(string(a), ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("invalid CAIP-10 address %q", string(a))
	}
	return parts[0], parts[1], parts[2], nil
}

// Chains is the table of chains a portfolio can reach.
type Chains map[ChainName]ChainInfo

// DefaultChains returns the mainnet chain table.
func DefaultChains() Chains {
	return Chains{
		Agoric:      {Name: Agoric, Kind: KindCosmos, ChainID: "agoric-3"},
		Noble:       {Name: Noble, Kind: KindCosmos, ChainID: "noble-1"},
		"Ethereum":  {Name: "Ethereum", Kind: KindEVM, ChainID: "1"},
		"Optimism":  {Name: "Optimism", Kind: KindEVM, ChainID: "10"},
		"Arbitrum":  {Name: "Arbitrum", Kind: KindEVM, ChainID: "42161"},
		"Base":      {Name: "Base", Kind: KindEVM, ChainID: "8453"},
		"Avalanche": {Name: "Avalanche", Kind: KindEVM, ChainID: "43114"},
		"Polygon":   {Name: "Polygon", Kind: KindEVM, ChainID: "137"},
	}
}

// Lookup returns the chain named name.
func (c Chains) Lookup(name ChainName) (ChainInfo, bool) {
	info, ok := c[name]
	return info, ok
}

// Names returns the chain names in sorted order.
func (c Chains) Names() []ChainName {
	names := make([]ChainName, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
