package crosschain

import (
	"context"
	"strings"
)

// PlaceRef names a movement endpoint in a plan:
//
//	<Deposit>      a keyword leg of the offer escrow
//	@noble         the portfolio's account on a chain
//	Aave_Arbitrum  a position, by pool key
type PlaceRef string

// PlaceKind is the kind of place a PlaceRef names.
type PlaceKind int

const (
	PlaceSeat PlaceKind = iota
	PlaceAccount
	PlacePosition
)

func (k PlaceKind) String() string {
	switch k {
	case PlaceSeat:
		return "seat"
	case PlaceAccount:
		return "account"
	case PlacePosition:
		return "position"
	default:
		return "unknown"
	}
}

// Kind classifies r by its syntax.
func (r PlaceRef) Kind() PlaceKind {
	s := string(r)
	switch {
	case strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">"):
		return PlaceSeat
	case strings.HasPrefix(s, "@"):
		return PlaceAccount
	default:
		return PlacePosition
	}
}

// Keyword returns the escrow keyword of a seat reference.
func (r PlaceRef) Keyword() (string, bool) {
	if r.Kind() != PlaceSeat {
		return "", false
	}
	kw := strings.TrimSuffix(strings.TrimPrefix(string(r), "<"), ">")
	return kw, kw != ""
}

// ChainName returns the chain of an account reference.
func (r PlaceRef) ChainName() (ChainName, bool) {
	if r.Kind() != PlaceAccount {
		return "", false
	}
	name := strings.TrimPrefix(string(r), "@")
	return ChainName(name), name != ""
}

// AssetPlace is a resolved movement endpoint.
type AssetPlace interface {
	Ref() PlaceRef
	Kind() PlaceKind
}

// SeatPlace is a keyword leg of the offer escrow.
type SeatPlace struct {
	Keyword string
	Escrow  Escrow
}

func (s *SeatPlace) Ref() PlaceRef   { return PlaceRef("<" + s.Keyword + ">") }
func (s *SeatPlace) Kind() PlaceKind { return PlaceSeat }

// AccountSource hands out the portfolio's account on a chain, creating it
// on first use where the chain needs that.
type AccountSource interface {
	Account(ctx context.Context, chain ChainInfo) (Account, error)
}

// AccountPlace is the portfolio's account on one chain. The account itself
// is only obtained when a movement runs, so planning never provisions.
type AccountPlace struct {
	Chain  ChainInfo
	source AccountSource
}

func (a *AccountPlace) Ref() PlaceRef   { return PlaceRef("@" + string(a.Chain.Name)) }
func (a *AccountPlace) Kind() PlaceKind { return PlaceAccount }

// Account returns the account capability.
func (a *AccountPlace) Account(ctx context.Context) (Account, error) {
	return a.source.Account(ctx, a.Chain)
}
