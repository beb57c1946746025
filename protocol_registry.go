package crosschain

import (
	"context"
	"fmt"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
)

// ProtocolName names a yield protocol, e.g. "USDN" or "Aave".
type ProtocolName string

// ProtocolOp is one supply or withdrawal against a position.
type ProtocolOp struct {
	Position *Position
	Account  Account
	Amount   Amount
	Fee      *Amount
	Claim    bool
	Detail   map[string]string
}

// ProtocolHandler moves funds between an account and the pools of one
// protocol. Withdraw must be the exact inverse of Supply.
type ProtocolHandler interface {
	Name() ProtocolName
	// Kind is the kind of chain the protocol's pools live on.
	Kind() ChainKind
	// HomeChain is the chain used when a pool key names none.
	HomeChain() ChainName
	Supply(ctx context.Context, op ProtocolOp) error
	Withdraw(ctx context.Context, op ProtocolOp) error
}

// ProtocolRegistry is the set of protocols a planner can open positions in.
//
// A position is persisted with only its protocol name, so handlers are
// registered up front and found again by name when a restored position is
// used in a later plan.
type ProtocolRegistry struct {
	handlers *xsync.MapOf[ProtocolName, ProtocolHandler]
}

// NewProtocolRegistry creates an empty ProtocolRegistry.
func NewProtocolRegistry() *ProtocolRegistry {
	return &ProtocolRegistry{
		handlers: xsync.NewMapOf[ProtocolName, ProtocolHandler](),
	}
}

// Register adds a handler to the registry.
func (r *ProtocolRegistry) Register(h ProtocolHandler) error {
	if _, loaded := r.handlers.LoadOrStore(h.Name(), h); loaded {
		return fmt.Errorf("protocol with name '%s' already registered", h.Name())
	}
	return nil
}

// Get retrieves a handler by protocol name.
func (r *ProtocolRegistry) Get(name ProtocolName) (ProtocolHandler, error) {
	h, ok := r.handlers.Load(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProtocol, name)
	}
	return h, nil
}

// Names returns the registered protocol names in sorted order.
func (r *ProtocolRegistry) Names() []ProtocolName {
	var names []ProtocolName
	r.handlers.Range(func(name ProtocolName, _ ProtocolHandler) bool {
		names = append(names, name)
		return true
	})
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
