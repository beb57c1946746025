package crosschain

import (
	"context"
	"fmt"
	"maps"
)

// MovementDesc is one step of a plan. A Dest naming a pool key without an
// open position asks for the position to be opened.
type MovementDesc struct {
	Src    PlaceRef          `json:"src" yaml:"src"`
	Dest   PlaceRef          `json:"dest" yaml:"dest"`
	Amount Amount            `json:"amount" yaml:"amount"`
	Fee    *Amount           `json:"fee,omitempty" yaml:"fee,omitempty"`
	Detail map[string]string `json:"detail,omitempty" yaml:"detail,omitempty"`
	Claim  bool              `json:"claim,omitempty" yaml:"claim,omitempty"`
}

// Clone returns a deep copy of d.
func (d MovementDesc) Clone() MovementDesc {
	out := d
	if d.Fee != nil {
		fee := *d.Fee
		out.Fee = &fee
	}
	out.Detail = maps.Clone(d.Detail)
	return out
}

func (d MovementDesc) String() string {
	return fmt.Sprintf("%s -> %s: %s", d.Src, d.Dest, d.Amount)
}

// MoveFunc performs one direction of a movement.
type MoveFunc func(ctx context.Context) error

// Movement kinds other than protocol names.
const (
	HowLocalTransfer  = "localTransfer"
	HowWithdrawToSeat = "withdrawToSeat"
	HowTransfer       = "transfer"
)

// AssetMovement is an executable plan step. Recover is the exact inverse of
// Apply: the same amount moved from Dest back to Src.
type AssetMovement struct {
	How    string
	Amount Amount
	Fee    *Amount
	Src    AssetPlace
	Dest   AssetPlace

	apply   MoveFunc
	recover MoveFunc
}

// NewMovement packages an apply/recover pair into an AssetMovement.
func NewMovement(how string, amount Amount, src, dest AssetPlace, apply, recover MoveFunc) *AssetMovement {
	return &AssetMovement{
		How:     how,
		Amount:  amount,
		Src:     src,
		Dest:    dest,
		apply:   apply,
		recover: recover,
	}
}

// Apply performs the movement.
func (m *AssetMovement) Apply(ctx context.Context) error {
	return m.apply(ctx)
}

// Recover moves the funds back.
func (m *AssetMovement) Recover(ctx context.Context) error {
	return m.recover(ctx)
}

func (m *AssetMovement) String() string {
	return fmt.Sprintf("%s %s %s -> %s", m.How, m.Amount, m.Src.Ref(), m.Dest.Ref())
}
