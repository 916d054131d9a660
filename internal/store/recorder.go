package store

import (
	"context"
	"log"
	"sync/atomic"
	"time"
)

const (
	defaultQueueSize    = 64
	defaultSaveTimeout  = 10 * time.Second
	defaultDrainTimeout = 5 * time.Second
)

// Recorder accepts finalized sessions fire-and-forget and flushes them to
// the store from a background worker, so session teardown never blocks on
// the database.
type Recorder struct {
	store   Store
	log     *log.Logger
	queue   chan SessionRecord
	done    chan struct{}
	dropped atomic.Int64
}

func NewRecorder(store Store, logger *log.Logger) *Recorder {
	if logger == nil {
		logger = log.Default()
	}
	return &Recorder{
		store: store,
		log:   logger,
		queue: make(chan SessionRecord, defaultQueueSize),
		done:  make(chan struct{}),
	}
}

// Enqueue hands off a record without blocking. When the queue is full the
// record is dropped and logged; losing a session record is preferable to
// stalling a live connection's teardown.
func (r *Recorder) Enqueue(record SessionRecord) {
	select {
	case r.queue <- record:
	default:
		r.dropped.Add(1)
		r.log.Printf("store: queue full, dropped session record %s", record.ConnectionID)
	}
}

// Dropped reports how many records were lost to a full queue.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Run drains the queue until ctx is cancelled, then flushes what remains
// within a bounded grace period.
func (r *Recorder) Run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case record := <-r.queue:
			r.save(record)
		case <-ctx.Done():
			r.drain()
			return
		}
	}
}

// Done is closed once Run has returned.
func (r *Recorder) Done() <-chan struct{} {
	return r.done
}

func (r *Recorder) save(record SessionRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultSaveTimeout)
	defer cancel()
	if err := r.store.SaveSession(ctx, record); err != nil {
		r.log.Printf("store: save session %s failed: %v", record.ConnectionID, err)
	}
}

func (r *Recorder) drain() {
	deadline := time.After(defaultDrainTimeout)
	for {
		select {
		case record := <-r.queue:
			r.save(record)
		case <-deadline:
			r.log.Printf("store: drain timed out with %d records pending", len(r.queue))
			return
		default:
			return
		}
	}
}
