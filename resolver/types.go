package resolver

import (
	"errors"
	"fmt"
	"math/big"
)

// TxID is the correlation id of a pending cross-chain operation: "tx0",
// "tx1", ... in registration order.
type TxID string

// TxType classifies the cross-chain operation being tracked.
type TxType string

const (
	// CCTPToEVM is a burn on noble minted on an EVM chain.
	CCTPToEVM TxType = "CCTP_TO_EVM"
	// CCTPToNoble is a burn on an EVM chain minted on noble.
	CCTPToNoble TxType = "CCTP_TO_NOBLE"
	// GMP is a general message passing contract call on a remote chain.
	GMP TxType = "GMP"
	// MakeAccount is the creation of a remote account.
	MakeAccount TxType = "MAKE_ACCOUNT"
)

// TxStatus is the lifecycle state of a transaction. Pending moves to either
// Success or Failed; both are terminal.
type TxStatus string

const (
	StatusPending TxStatus = "pending"
	StatusSuccess TxStatus = "success"
	StatusFailed  TxStatus = "failed"
)

// Terminal reports whether s is a final status.
func (s TxStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// TxRecord is the published and persisted shape of a transaction. Amount is
// absent for message-passing-only operations.
type TxRecord struct {
	Type               TxType   `json:"type"`
	DestinationAddress string   `json:"destinationAddress,omitempty"`
	Amount             *big.Int `json:"amount,omitempty"`
	Status             TxStatus `json:"status"`
}

// TxMeta is a TxRecord together with its id.
type TxMeta struct {
	TxID TxID `json:"txId"`
	TxRecord
}

// Clone returns a copy that shares no memory with m.
func (m TxMeta) Clone() TxMeta {
	out := m
	if m.Amount != nil {
		out.Amount = new(big.Int).Set(m.Amount)
	}
	return out
}

// SettleRequest is the out-of-band confirmation of a transaction.
type SettleRequest struct {
	Status          TxStatus `json:"status"`
	TxID            TxID     `json:"txId"`
	RejectionReason string   `json:"rejectionReason,omitempty"`
}

// Pattern identifies a pending transaction by its contents when the
// confirmation does not carry the id. A nil Amount matches any amount.
type Pattern struct {
	Type        TxType
	Destination string
	Amount      *big.Int
}

func (p Pattern) matches(m TxMeta) bool {
	if m.Type != p.Type || m.DestinationAddress != p.Destination {
		return false
	}
	if p.Amount == nil {
		return true
	}
	return m.Amount != nil && m.Amount.Cmp(p.Amount) == 0
}

var (
	// ErrTxNotFound is reported when settling an unknown or already settled id.
	ErrTxNotFound = errors.New("not found")
	// ErrInvalidStatus is reported when a settlement carries a status other
	// than success or failed.
	ErrInvalidStatus = errors.New("invalid status")
)

// ProtocolError indicates a caller or integration bug, never a transient
// condition. It is not retried.
type ProtocolError struct {
	TxID   TxID
	Status TxStatus
	err    error
}

func newProtocolError(id TxID, status TxStatus, err error) error {
	return &ProtocolError{TxID: id, Status: status, err: err}
}

func (e *ProtocolError) Error() string {
	if errors.Is(e.err, ErrInvalidStatus) {
		return fmt.Sprintf("resolver: transaction %s: %v %q", e.TxID, e.err, e.Status)
	}
	return fmt.Sprintf("resolver: transaction %s %v", e.TxID, e.err)
}

func (e *ProtocolError) Unwrap() error { return e.err }

// TxFailedError is the rejection delivered to whoever awaits a transaction
// that was settled as failed.
type TxFailedError struct {
	TxID   TxID
	Reason string
}

func (e *TxFailedError) Error() string {
	return fmt.Sprintf("transaction %s failed: %s", e.TxID, e.Reason)
}
