// Package resolver tracks cross-chain operations between the moment they are
// initiated and the moment an external confirmation (relayer or oracle
// callback) reports their outcome.
//
// Every operation is registered under a correlation id taken from a counter
// that only moves forward, including across restarts. Register hands back a
// future that settles only when Settle is called for that id. The registry
// holds pending entries only; an entry is deleted as soon as it is settled,
// so a second settlement of the same id fails with "not found".
package resolver

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/fortressi/crosschain/future"
	"github.com/fortressi/crosschain/kv"
	"github.com/fortressi/crosschain/publish"
)

const (
	defaultPublishPath = "pendingTxs"
	defaultReason      = "transaction failed"
	storePrefix        = "resolver"
)

type entry struct {
	seq    uint64
	meta   TxMeta
	result *future.Future[struct{}]
	// abandoned is the reason given to Unsubscribe, if any.
	abandoned string
}

// Resolver is the registry of in-flight cross-chain operations.
type Resolver struct {
	mu          sync.Mutex
	counter     *kv.Typed[uint64]
	records     *kv.Typed[TxMeta]
	publisher   publish.Publisher
	publishPath string
	logger      *zap.Logger

	next    uint64
	pending *btree.Map[uint64, *entry]
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithPublisher sets where pending and settled records are published.
func WithPublisher(p publish.Publisher) Option {
	return func(r *Resolver) { r.publisher = p }
}

// WithPublishPath sets the path under which records are published.
func WithPublishPath(path string) Option {
	return func(r *Resolver) { r.publishPath = path }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// New creates a resolver persisting into store. Pending entries and the id
// counter found in store are restored; restored entries get fresh futures
// since nobody from the previous process can be waiting on them.
func New(ctx context.Context, store kv.Store, opts ...Option) (*Resolver, error) {
	if store == nil {
		store = kv.NewMemoryStore()
	}
	r := &Resolver{
		counter:     kv.NewTyped[uint64](store, storePrefix),
		records:     kv.NewTyped[TxMeta](store, storePrefix+"/tx"),
		publisher:   publish.Nop{},
		publishPath: defaultPublishPath,
		logger:      zap.NewNop(),
		pending:     btree.NewMap[uint64, *entry](16),
	}
	for _, opt := range opts {
		opt(r)
	}

	next, err := r.counter.Get(ctx, "next")
	switch {
	case errors.Is(err, kv.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to load resolver counter: %w", err)
	default:
		r.next = next
	}

	err = r.records.Scan(ctx, func(_ string, meta TxMeta) error {
		seq, err := parseTxID(meta.TxID)
		if err != nil {
			return err
		}
		r.pending.Set(seq, &entry{seq: seq, meta: meta, result: future.New[struct{}]()})
		if seq >= r.next {
			r.next = seq + 1
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to restore pending transactions: %w", err)
	}
	if n := r.pending.Len(); n > 0 {
		r.logger.Info("restored pending transactions", zap.Int("count", n), zap.Uint64("next", r.next))
	}
	return r, nil
}

func formatTxID(seq uint64) TxID {
	return TxID("tx" + strconv.FormatUint(seq, 10))
}

func parseTxID(id TxID) (uint64, error) {
	s, ok := strings.CutPrefix(string(id), "tx")
	if !ok {
		return 0, fmt.Errorf("malformed transaction id %q", id)
	}
	seq, err := strconv.ParseUint(s, 10, 64)
	if err != nil || formatTxID(seq) != id {
		return 0, fmt.Errorf("malformed transaction id %q", id)
	}
	return seq, nil
}

func recordName(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

func (r *Resolver) path(id TxID) string {
	return publish.Join(r.publishPath, string(id))
}

// Register allocates the next id, stores a pending entry and publishes it.
// amount is nil for operations where no token amount is meaningful.
func (r *Resolver) Register(ctx context.Context, typ TxType, destination string, amount *big.Int) (TxID, *future.Future[struct{}], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq := r.next
	// The counter is persisted before anything else so that a crash can
	// never lead to an id being handed out twice.
	if err := r.counter.Put(ctx, "next", seq+1); err != nil {
		return "", nil, fmt.Errorf("failed to advance transaction counter: %w", err)
	}
	r.next = seq + 1

	meta := TxMeta{
		TxID: formatTxID(seq),
		TxRecord: TxRecord{
			Type:               typ,
			DestinationAddress: destination,
			Status:             StatusPending,
		},
	}
	if amount != nil {
		meta.Amount = new(big.Int).Set(amount)
	}
	if err := r.records.Put(ctx, recordName(seq), meta); err != nil {
		return "", nil, fmt.Errorf("failed to store transaction %s: %w", meta.TxID, err)
	}

	e := &entry{seq: seq, meta: meta, result: future.New[struct{}]()}
	r.pending.Set(seq, e)

	r.logger.Debug("registered transaction",
		zap.String("txId", string(meta.TxID)),
		zap.String("type", string(typ)),
		zap.String("destination", destination))
	r.publisher.Publish(r.path(meta.TxID), meta.Clone().TxRecord)

	return meta.TxID, e.result, nil
}

// Settle applies an external confirmation. It fails with a *ProtocolError
// when id is unknown or already settled, or when the status is neither
// success nor failed.
func (r *Resolver) Settle(ctx context.Context, req SettleRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq, err := parseTxID(req.TxID)
	if err != nil {
		return newProtocolError(req.TxID, req.Status, ErrTxNotFound)
	}
	e, ok := r.pending.Get(seq)
	if !ok {
		return newProtocolError(req.TxID, req.Status, ErrTxNotFound)
	}
	if !req.Status.Terminal() {
		return newProtocolError(req.TxID, req.Status, ErrInvalidStatus)
	}

	if err := r.records.Delete(ctx, recordName(seq)); err != nil {
		return fmt.Errorf("failed to remove transaction %s: %w", req.TxID, err)
	}
	r.pending.Delete(seq)

	settled := e.meta.Clone()
	settled.Status = req.Status
	r.publisher.Publish(r.path(req.TxID), settled.TxRecord)

	fields := []zap.Field{
		zap.String("txId", string(req.TxID)),
		zap.String("status", string(req.Status)),
	}
	if e.abandoned != "" {
		fields = append(fields, zap.String("abandoned", e.abandoned))
	}

	switch req.Status {
	case StatusSuccess:
		r.logger.Info("transaction settled", fields...)
		e.result.Resolve(struct{}{})
	case StatusFailed:
		reason := req.RejectionReason
		if reason == "" {
			reason = defaultReason
		}
		r.logger.Warn("transaction failed", append(fields, zap.String("reason", reason))...)
		e.result.Reject(&TxFailedError{TxID: req.TxID, Reason: reason})
	}
	return nil
}

// Lookup returns the oldest pending transaction matching p. It is a linear
// scan; the pending set is expected to be small and short-lived.
func (r *Resolver) Lookup(p Pattern) (TxID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var found TxID
	r.pending.Scan(func(_ uint64, e *entry) bool {
		if p.matches(e.meta) {
			found = e.meta.TxID
			return false
		}
		return true
	})
	return found, found != ""
}

// Unsubscribe records that the caller no longer waits on id. The entry stays
// pending so a late confirmation still clears it, but nobody acts on its
// outcome. It reports whether id was pending.
func (r *Resolver) Unsubscribe(id TxID, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq, err := parseTxID(id)
	if err != nil {
		return false
	}
	e, ok := r.pending.Get(seq)
	if !ok {
		return false
	}
	if reason == "" {
		reason = "unsubscribed"
	}
	e.abandoned = reason
	r.logger.Info("unsubscribed from transaction", zap.String("txId", string(id)), zap.String("reason", reason))
	return true
}

// Await waits for the outcome of id. When ctx ends first the transaction is
// unsubscribed and the context error is returned.
func (r *Resolver) Await(ctx context.Context, id TxID, result *future.Future[struct{}]) error {
	_, err := result.Await(ctx)
	if err != nil && ctx.Err() != nil && !result.Settled() {
		r.Unsubscribe(id, ctx.Err().Error())
	}
	return err
}

// Get returns the pending transaction with id.
func (r *Resolver) Get(id TxID) (TxMeta, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq, err := parseTxID(id)
	if err != nil {
		return TxMeta{}, false
	}
	e, ok := r.pending.Get(seq)
	if !ok {
		return TxMeta{}, false
	}
	return e.meta.Clone(), true
}

// Pending returns the pending transactions in registration order.
func (r *Resolver) Pending() []TxMeta {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]TxMeta, 0, r.pending.Len())
	r.pending.Scan(func(_ uint64, e *entry) bool {
		out = append(out, e.meta.Clone())
		return true
	})
	return out
}

// Abandoned reports the Unsubscribe reason for a pending id.
func (r *Resolver) Abandoned(id TxID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq, err := parseTxID(id)
	if err != nil {
		return "", false
	}
	e, ok := r.pending.Get(seq)
	if !ok || e.abandoned == "" {
		return "", false
	}
	return e.abandoned, true
}
