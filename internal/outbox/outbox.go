// Package outbox makes settled trades durable for downstream publication.
//
// Trades are written to a local Pebble database in the same request that
// persisted the ledger, then a Relay publishes them to Kafka and deletes each
// entry once the broker has acknowledged it. Entries are keyed by a
// monotonically increasing sequence so they are relayed in settlement order.
package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/atmx/energy-market/internal/model"
)

const keyPrefix = "trade/"

// nextKey persists the sequence so it survives a fully drained outbox.
var nextKey = []byte("meta/next")

var ErrClosed = errors.New("outbox: closed")

// Event is one pending trade notification.
type Event struct {
	Seq        uint64      `json:"seq"`
	Market     string      `json:"market"`
	Trade      model.Trade `json:"trade"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
}

// Outbox is a durable FIFO of trade events.
type Outbox struct {
	mu     sync.Mutex
	db     *pebble.DB
	next   uint64
	closed bool

	// scans counts live iterators; Close waits for them before closing db.
	scans sync.WaitGroup
}

// Open opens (or creates) the outbox at dir and resumes its sequence.
func Open(dir string) (*Outbox, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open outbox %s: %w", dir, err)
	}
	next, err := loadNext(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Outbox{db: db, next: next}, nil
}

// Close stops new work, waits for running scans to finish and closes the
// database. A scan in progress ends with ErrClosed at its next event. Close
// must not be called from a ScanPending callback.
func (o *Outbox) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.scans.Wait()
	return o.db.Close()
}

func (o *Outbox) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Enqueue appends trades in one synced batch. Either all of them become
// pending or none do.
func (o *Outbox) Enqueue(market string, trades []model.Trade, at time.Time) error {
	if len(trades) == 0 {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}

	b := o.db.NewBatch()
	defer b.Close()

	seq := o.next
	for _, t := range trades {
		val, err := json.Marshal(Event{Seq: seq, Market: market, Trade: t, EnqueuedAt: at})
		if err != nil {
			return fmt.Errorf("encode trade %s: %w", t.ID, err)
		}
		if err := b.Set(keyFor(seq), val, nil); err != nil {
			return err
		}
		seq++
	}
	if err := b.Set(nextKey, []byte(strconv.FormatUint(seq, 10)), nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit outbox batch: %w", err)
	}
	o.next = seq
	return nil
}

// ScanPending calls fn for up to limit pending events in sequence order.
// A limit of zero or less scans everything. Scanning stops at the first
// error fn returns, or with ErrClosed once Close has been called.
func (o *Outbox) ScanPending(limit int, fn func(Event) error) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	o.scans.Add(1)
	o.mu.Unlock()
	defer o.scans.Done()

	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyPrefix + "~"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		if limit > 0 && n >= limit {
			break
		}
		if o.isClosed() {
			return ErrClosed
		}
		var ev Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			return fmt.Errorf("decode outbox entry %s: %w", iter.Key(), err)
		}
		if err := fn(ev); err != nil {
			return err
		}
		n++
	}
	return iter.Error()
}

// Ack removes a relayed event.
func (o *Outbox) Ack(seq uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	return o.db.Delete(keyFor(seq), pebble.Sync)
}

// Pending counts events not yet acknowledged.
func (o *Outbox) Pending() (int, error) {
	n := 0
	err := o.ScanPending(0, func(Event) error {
		n++
		return nil
	})
	return n, err
}

func loadNext(db *pebble.DB) (uint64, error) {
	val, closer, err := db.Get(nextKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read outbox sequence: %w", err)
	}
	defer closer.Close()

	next, err := strconv.ParseUint(string(val), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse outbox sequence %q: %w", val, err)
	}
	return next, nil
}

func keyFor(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", keyPrefix, seq))
}

// encodeEvent is the Kafka message body for an event.
func encodeEvent(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode outbox event %d: %w", ev.Seq, err)
	}
	return data, nil
}
