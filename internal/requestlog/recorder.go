package requestlog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const drainTimeout = 5 * time.Second

// Recorder decouples log writes from the request path. Record never
// blocks: entries go into a buffered queue drained by one background
// writer, and entries that arrive while the queue is full are counted and
// dropped rather than allowed to stall tool execution.
type Recorder struct {
	store  Store
	queue  chan Entry
	logger *slog.Logger

	dropped atomic.Int64

	mu     sync.RWMutex // guards closed against a Record racing Close
	closed bool

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// NewRecorder creates a Recorder with the given queue capacity.
func NewRecorder(store Store, buffer int, logger *slog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Recorder{
		store:  store,
		queue:  make(chan Entry, buffer),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start launches the background writer. Subsequent calls are no-ops.
func (r *Recorder) Start() {
	r.startOnce.Do(func() {
		go r.drain()
	})
}

// Record enqueues one entry without blocking. Returns false if the queue
// was full, or the recorder already closed, and the entry was dropped.
func (r *Recorder) Record(e Entry) bool {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	// The read lock keeps the queue open for the duration of the send;
	// Close takes the write lock before closing it.
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	select {
	case r.queue <- e:
		return true
	default:
		n := r.dropped.Add(1)
		r.logger.Warn("request log queue full, dropping entry",
			slog.String("server", e.ServerID),
			slog.String("method", e.Method),
			slog.Int64("dropped_total", n),
		)
		return false
	}
}

// Dropped returns how many entries have been dropped since startup.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// QueueDepth returns the number of entries waiting to be written.
func (r *Recorder) QueueDepth() int {
	return len(r.queue)
}

// Close stops accepting entries and flushes the queue, bounded by a drain
// timeout so shutdown cannot hang on a wedged database.
func (r *Recorder) Close() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
		select {
		case <-r.done:
		case <-time.After(drainTimeout):
			r.logger.Warn("request log drain timed out",
				slog.Int("remaining", len(r.queue)),
			)
		}
	})
}

func (r *Recorder) drain() {
	defer close(r.done)
	for e := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.store.Append(ctx, &e); err != nil {
			r.logger.Error("appending request log entry",
				slog.String("server", e.ServerID),
				slog.String("method", e.Method),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}
}
