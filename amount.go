package crosschain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Amount is a quantity of one denomination.
type Amount struct {
	Denom string          `json:"denom" yaml:"denom"`
	Value decimal.Decimal `json:"value" yaml:"value"`
}

// NewAmount returns value units of denom.
func NewAmount(denom string, value int64) Amount {
	return Amount{Denom: denom, Value: decimal.NewFromInt(value)}
}

// ParseAmount parses "<value> <denom>", e.g. "1000 USDC" or "12.5 USDN".
func ParseAmount(s string) (Amount, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return Amount{}, fmt.Errorf("invalid amount %q: want \"<value> <denom>\"", s)
	}
	v, err := decimal.NewFromString(fields[0])
	if err != nil {
		return Amount{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return Amount{Denom: fields[1], Value: v}, nil
}

// MustParseAmount is ParseAmount for literals.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) String() string {
	return a.Value.String() + " " + a.Denom
}

// IsPositive reports whether a is greater than zero.
func (a Amount) IsPositive() bool { return a.Value.IsPositive() }

// IsZero reports whether a is zero, whatever its denomination.
func (a Amount) IsZero() bool { return a.Value.IsZero() }

// Equal compares denomination and value.
func (a Amount) Equal(b Amount) bool {
	return a.Denom == b.Denom && a.Value.Equal(b.Value)
}

// Add returns a+b. A zero amount without a denomination adopts b's.
func (a Amount) Add(b Amount) (Amount, error) {
	denom, err := commonDenom(a, b)
	if err != nil {
		return Amount{}, err
	}
	return Amount{Denom: denom, Value: a.Value.Add(b.Value)}, nil
}

// Sub returns a-b.
func (a Amount) Sub(b Amount) (Amount, error) {
	denom, err := commonDenom(a, b)
	if err != nil {
		return Amount{}, err
	}
	return Amount{Denom: denom, Value: a.Value.Sub(b.Value)}, nil
}

// BigInt returns the integer part of the value, as carried in transaction
// records.
func (a Amount) BigInt() *big.Int {
	return a.Value.BigInt()
}

func commonDenom(a, b Amount) (string, error) {
	switch {
	case a.Denom == b.Denom:
		return a.Denom, nil
	case a.Denom == "" && a.Value.IsZero():
		return b.Denom, nil
	case b.Denom == "" && b.Value.IsZero():
		return a.Denom, nil
	}
	return "", fmt.Errorf("denomination mismatch: %s vs %s", a.Denom, b.Denom)
}
