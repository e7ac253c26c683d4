// Package ledger implements the authoritative transfer log and the monotone
// claim tracker. The log is the single source of truth for balances: the four
// aggregates are exact sums over the record set, cached and persisted
// atomically with every record change.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/paychan/internal/app/domain/transfer"
	"github.com/R3E-Network/paychan/internal/app/storage"
	"github.com/R3E-Network/paychan/internal/errors"
	"github.com/R3E-Network/paychan/pkg/logger"
)

// Log is a durable ledger of conditional transfers. All operations are
// linearizable: a single mutex guards records and aggregates, and every
// mutation is persisted through the store before it becomes observable.
type Log struct {
	key   string
	store storage.Store
	log   *logger.Logger

	mu      sync.Mutex
	records map[string]*transfer.Record

	incomingFulfilled            decimal.Decimal
	incomingFulfilledAndPrepared decimal.Decimal
	outgoingFulfilled            decimal.Decimal
	outgoingFulfilledAndPrepared decimal.Decimal

	maximum *decimal.Decimal
	minimum *decimal.Decimal
}

// snapshot is the persisted form of a Log. Aggregates are derived on load.
type snapshot struct {
	Records map[string]*transfer.Record `json:"records"`
	Maximum *string                     `json:"maximum,omitempty"`
	Minimum *string                     `json:"minimum,omitempty"`
}

// Open restores the log bound to key, or starts an empty one if the store has
// no such record. An empty key keeps the log purely in memory.
func Open(ctx context.Context, key string, store storage.Store, log *logger.Logger) (*Log, error) {
	if log == nil {
		log = logger.NewDefault("transferlog")
	}
	l := &Log{
		key:     key,
		store:   store,
		log:     log,
		records: make(map[string]*transfer.Record),

		incomingFulfilled:            decimal.Zero,
		incomingFulfilledAndPrepared: decimal.Zero,
		outgoingFulfilled:            decimal.Zero,
		outgoingFulfilledAndPrepared: decimal.Zero,
	}

	if store == nil || key == "" {
		return l, nil
	}

	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load transfer log %s: %w", key, err)
	}
	if !ok {
		return l, nil
	}

	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode transfer log %s: %w", key, err)
	}
	for id, rec := range snap.Records {
		l.records[id] = rec
		amount, err := rec.Transfer.AmountDecimal()
		if err != nil {
			return nil, fmt.Errorf("decode transfer %s amount: %w", id, err)
		}
		l.apply(rec, amount)
	}
	if snap.Maximum != nil {
		max, err := decimal.NewFromString(*snap.Maximum)
		if err != nil {
			return nil, fmt.Errorf("decode maximum: %w", err)
		}
		l.maximum = &max
	}
	if snap.Minimum != nil {
		min, err := decimal.NewFromString(*snap.Minimum)
		if err != nil {
			return nil, fmt.Errorf("decode minimum: %w", err)
		}
		l.minimum = &min
	}

	log.Debugf("restored transfer log %s with %d records", key, len(l.records))
	return l, nil
}

// apply folds one record into the aggregates. Caller holds the lock.
func (l *Log) apply(rec *transfer.Record, amount decimal.Decimal) {
	switch rec.State {
	case transfer.StatePrepared:
		if rec.IsIncoming {
			l.incomingFulfilledAndPrepared = l.incomingFulfilledAndPrepared.Add(amount)
		} else {
			l.outgoingFulfilledAndPrepared = l.outgoingFulfilledAndPrepared.Add(amount)
		}
	case transfer.StateFulfilled:
		if rec.IsIncoming {
			l.incomingFulfilled = l.incomingFulfilled.Add(amount)
			l.incomingFulfilledAndPrepared = l.incomingFulfilledAndPrepared.Add(amount)
		} else {
			l.outgoingFulfilled = l.outgoingFulfilled.Add(amount)
			l.outgoingFulfilledAndPrepared = l.outgoingFulfilledAndPrepared.Add(amount)
		}
	case transfer.StateCancelled:
		// cancelled records contribute to no aggregate
	}
}

// persist writes the current state under the log's key. Caller holds the
// lock. A log without a store is memory-only and persist is a no-op.
func (l *Log) persist(ctx context.Context) error {
	if l.store == nil || l.key == "" {
		return nil
	}
	snap := snapshot{Records: l.records}
	if l.maximum != nil {
		s := l.maximum.String()
		snap.Maximum = &s
	}
	if l.minimum != nil {
		s := l.minimum.String()
		snap.Minimum = &s
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode transfer log: %w", err)
	}
	return l.store.Put(ctx, l.key, raw)
}

// Prepare records a transfer. It is idempotent on an exact-equal re-prepare,
// fails with DuplicateIdError on a same-id different-content insert, and
// fails with NotAcceptedError when the transfer would violate the balance
// bounds. Nothing is mutated on failure.
func (l *Log) Prepare(ctx context.Context, t transfer.Transfer, isIncoming bool) error {
	amount, err := t.AmountDecimal()
	if err != nil || amount.IsNegative() {
		return errors.InvalidFields("invalid transfer amount %q", t.Amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.records[t.ID]; ok {
		if existing.Transfer.Equal(t) {
			return nil
		}
		return errors.Duplicate(t.ID)
	}

	if isIncoming {
		next := l.incomingFulfilledAndPrepared.Add(amount)
		if l.maximum != nil && next.GreaterThan(*l.maximum) {
			return errors.NotAccepted("transfer %s would exceed maximum balance %s", t.ID, l.maximum.String())
		}
	} else {
		// The lowest feasible balance assumes every prepared outgoing
		// transfer fulfills.
		floor := l.incomingFulfilled.Sub(l.outgoingFulfilledAndPrepared.Add(amount))
		if l.minimum != nil && floor.LessThan(*l.minimum) {
			return errors.NotAccepted("transfer %s would undershoot minimum balance %s", t.ID, l.minimum.String())
		}
	}

	rec := &transfer.Record{
		Transfer:   t,
		IsIncoming: isIncoming,
		State:      transfer.StatePrepared,
	}
	l.records[t.ID] = rec
	l.apply(rec, amount)

	if err := l.persist(ctx); err != nil {
		delete(l.records, t.ID)
		l.rollback(rec, amount)
		return errors.Internal("persist prepare", err)
	}
	return nil
}

// Fulfill transitions a prepared transfer to fulfilled and stores the
// preimage. Fulfilling an already fulfilled transfer is a no-op; fulfilling a
// cancelled one fails with AlreadyRejectedError. The preimage is stored
// opaquely; condition validation is the engine's job.
func (l *Log) Fulfill(ctx context.Context, id, fulfillment string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[id]
	if !ok {
		return errors.TransferNotFound(id)
	}

	switch rec.State {
	case transfer.StateFulfilled:
		return nil
	case transfer.StateCancelled:
		return errors.AlreadyRejected(id)
	}

	amount, err := rec.Transfer.AmountDecimal()
	if err != nil {
		return errors.Internal("corrupt transfer amount", err)
	}

	rec.State = transfer.StateFulfilled
	rec.Fulfillment = fulfillment
	if rec.IsIncoming {
		l.incomingFulfilled = l.incomingFulfilled.Add(amount)
	} else {
		l.outgoingFulfilled = l.outgoingFulfilled.Add(amount)
	}

	if err := l.persist(ctx); err != nil {
		rec.State = transfer.StatePrepared
		rec.Fulfillment = ""
		if rec.IsIncoming {
			l.incomingFulfilled = l.incomingFulfilled.Sub(amount)
		} else {
			l.outgoingFulfilled = l.outgoingFulfilled.Sub(amount)
		}
		return errors.Internal("persist fulfill", err)
	}
	return nil
}

// Cancel transitions a prepared transfer to cancelled and releases it from
// the fulfilled-and-prepared aggregates. Cancelling a cancelled transfer is a
// no-op; cancelling a fulfilled one fails with AlreadyFulfilledError.
func (l *Log) Cancel(ctx context.Context, id string, reason json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[id]
	if !ok {
		return errors.TransferNotFound(id)
	}

	switch rec.State {
	case transfer.StateCancelled:
		return nil
	case transfer.StateFulfilled:
		return errors.AlreadyFulfilled(id)
	}

	amount, err := rec.Transfer.AmountDecimal()
	if err != nil {
		return errors.Internal("corrupt transfer amount", err)
	}

	rec.State = transfer.StateCancelled
	rec.CancellationReason = reason
	if rec.IsIncoming {
		l.incomingFulfilledAndPrepared = l.incomingFulfilledAndPrepared.Sub(amount)
	} else {
		l.outgoingFulfilledAndPrepared = l.outgoingFulfilledAndPrepared.Sub(amount)
	}

	if err := l.persist(ctx); err != nil {
		rec.State = transfer.StatePrepared
		rec.CancellationReason = nil
		if rec.IsIncoming {
			l.incomingFulfilledAndPrepared = l.incomingFulfilledAndPrepared.Add(amount)
		} else {
			l.outgoingFulfilledAndPrepared = l.outgoingFulfilledAndPrepared.Add(amount)
		}
		return errors.Internal("persist cancel", err)
	}
	return nil
}

// rollback reverses apply. Caller holds the lock.
func (l *Log) rollback(rec *transfer.Record, amount decimal.Decimal) {
	switch rec.State {
	case transfer.StatePrepared:
		if rec.IsIncoming {
			l.incomingFulfilledAndPrepared = l.incomingFulfilledAndPrepared.Sub(amount)
		} else {
			l.outgoingFulfilledAndPrepared = l.outgoingFulfilledAndPrepared.Sub(amount)
		}
	}
}

// Get returns a copy of the record for id.
func (l *Log) Get(id string) (transfer.Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[id]
	if !ok {
		return transfer.Record{}, false
	}
	return *rec, true
}

// Balance is the signed net position: incoming fulfilled raises it, outgoing
// fulfilled lowers it.
func (l *Log) Balance() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.incomingFulfilled.Sub(l.outgoingFulfilled)
}

func (l *Log) IncomingFulfilled() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.incomingFulfilled
}

func (l *Log) IncomingFulfilledAndPrepared() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.incomingFulfilledAndPrepared
}

func (l *Log) OutgoingFulfilled() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outgoingFulfilled
}

func (l *Log) OutgoingFulfilledAndPrepared() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outgoingFulfilledAndPrepared
}

// Maximum returns the upper bound on incoming fulfilled-and-prepared, if set.
func (l *Log) Maximum() (decimal.Decimal, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.maximum == nil {
		return decimal.Zero, false
	}
	return *l.maximum, true
}

// SetMaximum sets the upper bound. It applies to future prepares only.
func (l *Log) SetMaximum(ctx context.Context, max decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := l.maximum
	l.maximum = &max
	if err := l.persist(ctx); err != nil {
		l.maximum = prev
		return errors.Internal("persist maximum", err)
	}
	return nil
}

// Minimum returns the lower bound on the signed net position, if set.
func (l *Log) Minimum() (decimal.Decimal, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.minimum == nil {
		return decimal.Zero, false
	}
	return *l.minimum, true
}

// SetMinimum sets the lower bound. The value is expected to be ≤ 0 in the
// same sign convention as Balance.
func (l *Log) SetMinimum(ctx context.Context, min decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := l.minimum
	l.minimum = &min
	if err := l.persist(ctx); err != nil {
		l.minimum = prev
		return errors.Internal("persist minimum", err)
	}
	return nil
}
