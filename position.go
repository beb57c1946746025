package crosschain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/fortressi/crosschain/kv"
	"github.com/fortressi/crosschain/publish"
)

// PoolKey identifies a position: "<Protocol>[_<vault>]_<Chain>", or just
// "<Protocol>" for protocols with a single home chain.
type PoolKey = PlaceRef

// ParsePoolKey splits a pool key into protocol, vault and chain. chain is
// empty when the key names none.
func ParsePoolKey(key PoolKey) (protocol ProtocolName, vault string, chain ChainName, err error) {
	parts := strings.Split(string(key), "_")
	for _, p := range parts {
		if p == "" {
			return "", "", "", fmt.Errorf("malformed pool key %q", string(key))
		}
	}
	switch len(parts) {
	case 1:
		return ProtocolName(parts[0]), "", "", nil
	case 2:
		return ProtocolName(parts[0]), "", ChainName(parts[1]), nil
	default:
		last := len(parts) - 1
		return ProtocolName(parts[0]), strings.Join(parts[1:last], "_"), ChainName(parts[last]), nil
	}
}

// PositionStatus is the persisted and published state of a position.
type PositionStatus struct {
	PoolKey      PoolKey      `json:"poolKey"`
	Protocol     ProtocolName `json:"protocol"`
	Chain        ChainName    `json:"chain"`
	Vault        string       `json:"vault,omitempty"`
	TotalIn      Amount       `json:"totalIn"`
	TotalOut     Amount       `json:"totalOut"`
	NetTransfers Amount       `json:"netTransfers"`
}

// Position is the portfolio's stake in one protocol pool. It accumulates the
// amounts moved in and out over the life of the portfolio.
type Position struct {
	mu     sync.Mutex
	status PositionStatus
	book   *PositionBook
}

var _ AssetPlace = (*Position)(nil)

func (p *Position) Ref() PlaceRef   { return p.status.PoolKey }
func (p *Position) Kind() PlaceKind { return PlacePosition }

// Protocol returns the protocol of the pool.
func (p *Position) Protocol() ProtocolName { return p.status.Protocol }

// Chain returns the chain the pool lives on.
func (p *Position) Chain() ChainName { return p.status.Chain }

// Vault returns the vault within the protocol, if any.
func (p *Position) Vault() string { return p.status.Vault }

// Status returns a copy of the position state.
func (p *Position) Status() PositionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// NetTransfers returns TotalIn - TotalOut.
func (p *Position) NetTransfers() Amount {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status.NetTransfers
}

// RecordTransferIn adds amount to the running totals and persists them.
func (p *Position) RecordTransferIn(ctx context.Context, amount Amount) error {
	return p.record(ctx, amount, true)
}

// RecordTransferOut adds amount to the outgoing total and persists it.
func (p *Position) RecordTransferOut(ctx context.Context, amount Amount) error {
	return p.record(ctx, amount, false)
}

func (p *Position) record(ctx context.Context, amount Amount, in bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.status
	var err error
	if in {
		next.TotalIn, err = next.TotalIn.Add(amount)
	} else {
		next.TotalOut, err = next.TotalOut.Add(amount)
	}
	if err == nil {
		next.NetTransfers, err = next.TotalIn.Sub(next.TotalOut)
	}
	if err != nil {
		return fmt.Errorf("position %s: %w", p.status.PoolKey, err)
	}
	if p.book != nil {
		if err := p.book.save(ctx, next); err != nil {
			return err
		}
	}
	p.status = next
	return nil
}

// PositionBook holds the positions of one portfolio. Positions are opened
// lazily and never removed.
type PositionBook struct {
	records   *kv.Typed[PositionStatus]
	positions *xsync.MapOf[PoolKey, *Position]
	publisher publish.Publisher
	path      string
}

// OpenPositionBook restores the positions stored under prefix. Status
// changes are published under path.
func OpenPositionBook(ctx context.Context, store kv.Store, prefix string, publisher publish.Publisher, path string) (*PositionBook, error) {
	if store == nil {
		store = kv.NewMemoryStore()
	}
	if publisher == nil {
		publisher = publish.Nop{}
	}
	b := &PositionBook{
		records:   kv.NewTyped[PositionStatus](store, prefix),
		positions: xsync.NewMapOf[PoolKey, *Position](),
		publisher: publisher,
		path:      path,
	}
	err := b.records.Scan(ctx, func(_ string, status PositionStatus) error {
		b.positions.Store(status.PoolKey, &Position{status: status, book: b})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to restore positions: %w", err)
	}
	return b, nil
}

// Get returns the open position for key.
func (b *PositionBook) Get(key PoolKey) (*Position, bool) {
	return b.positions.Load(key)
}

// Open returns the position for key, opening it when it does not exist yet.
func (b *PositionBook) Open(ctx context.Context, key PoolKey, protocol ProtocolName, chain ChainName, vault string) (*Position, error) {
	if p, ok := b.positions.Load(key); ok {
		return p, nil
	}
	p := &Position{book: b, status: PositionStatus{
		PoolKey:  key,
		Protocol: protocol,
		Chain:    chain,
		Vault:    vault,
	}}
	actual, loaded := b.positions.LoadOrStore(key, p)
	if loaded {
		return actual, nil
	}
	if err := b.save(ctx, p.status); err != nil {
		b.positions.Delete(key)
		return nil, err
	}
	return p, nil
}

// openAll opens every position in statuses that does not exist yet. Either
// all of them are stored or none is: on a store error the ones already
// stored are removed again. Status is published only once all are stored.
func (b *PositionBook) openAll(ctx context.Context, statuses []PositionStatus) ([]*Position, error) {
	var opened []*Position
	for _, status := range statuses {
		p := &Position{book: b, status: status}
		if _, loaded := b.positions.LoadOrStore(status.PoolKey, p); loaded {
			continue
		}
		if err := b.records.Put(ctx, string(status.PoolKey), status); err != nil {
			err = fmt.Errorf("failed to store position %s: %w", status.PoolKey, err)
			b.positions.Delete(status.PoolKey)
			for _, o := range opened {
				b.positions.Delete(o.status.PoolKey)
				if delErr := b.records.Delete(ctx, string(o.status.PoolKey)); delErr != nil {
					err = errors.Join(err, delErr)
				}
			}
			return nil, err
		}
		opened = append(opened, p)
	}
	for _, p := range opened {
		b.publisher.Publish(publish.Join(b.path, string(p.status.PoolKey)), p.status)
	}
	return opened, nil
}

// All returns every position status ordered by pool key.
func (b *PositionBook) All() []PositionStatus {
	out := make([]PositionStatus, 0, b.positions.Size())
	b.positions.Range(func(_ PoolKey, p *Position) bool {
		out = append(out, p.Status())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].PoolKey < out[j].PoolKey })
	return out
}

func (b *PositionBook) save(ctx context.Context, status PositionStatus) error {
	if err := b.records.Put(ctx, string(status.PoolKey), status); err != nil {
		return fmt.Errorf("failed to store position %s: %w", status.PoolKey, err)
	}
	b.publisher.Publish(publish.Join(b.path, string(status.PoolKey)), status)
	return nil
}
