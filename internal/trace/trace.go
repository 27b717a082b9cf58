// Package trace keeps a small in-memory ring of recent pipeline events and
// persists them to the storage port in batches. Tracing is best-effort:
// persistence failures are logged and dropped, never surfaced to callers.
package trace

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridianlabs/ragcore/internal/metrics"
	"github.com/meridianlabs/ragcore/internal/models"
	"github.com/meridianlabs/ragcore/internal/store"
)

const traceIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// GenerateTraceID yields "rag-<unix_ms>-<rand6>".
func GenerateTraceID() string {
	b := make([]byte, 6)
	for i := range b {
		b[i] = traceIDAlphabet[rand.Intn(len(traceIDAlphabet))]
	}
	return fmt.Sprintf("rag-%d-%s", time.Now().UnixMilli(), string(b))
}

// Config tunes the recorder.
type Config struct {
	Enabled       bool
	Persist       bool
	BufferSize    int           // ring capacity, default 200
	BatchSize     int           // flush threshold, default 20
	FlushInterval time.Duration // default 5s
}

// Recorder is the in-memory ring plus the batched write pipeline. One mutex
// guards both; Record never blocks on I/O.
type Recorder struct {
	cfg    Config
	store  store.Store
	logger *zap.Logger

	mu       sync.Mutex
	ring     []models.TraceEvent // FIFO, oldest first
	writeBuf []models.TraceEvent

	flushCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	once    sync.Once
}

// NewRecorder starts the flush loop when persistence is enabled.
func NewRecorder(cfg Config, st store.Store, logger *zap.Logger) *Recorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 200
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	r := &Recorder{
		cfg:     cfg,
		store:   st,
		logger:  logger.Named("trace"),
		ring:    make([]models.TraceEvent, 0, cfg.BufferSize),
		flushCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	if cfg.Enabled && cfg.Persist {
		go r.flushLoop()
	} else {
		close(r.doneCh)
	}
	return r
}

// Record appends the event to the ring (FIFO eviction at capacity) and, when
// persistence is on, queues it for the next batch flush. The write queue has
// a soft cap of 4x batch size; on overflow the oldest half is dropped and
// counted.
func (r *Recorder) Record(event models.TraceEvent) {
	if !r.cfg.Enabled {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	r.mu.Lock()
	if len(r.ring) >= r.cfg.BufferSize {
		copy(r.ring, r.ring[1:])
		r.ring = r.ring[:len(r.ring)-1]
	}
	r.ring = append(r.ring, event)

	shouldFlush := false
	if r.cfg.Persist {
		softCap := 4 * r.cfg.BatchSize
		if len(r.writeBuf) >= softCap {
			drop := len(r.writeBuf) / 2
			metrics.TraceDrops.Add(float64(drop))
			r.writeBuf = append(r.writeBuf[:0], r.writeBuf[drop:]...)
		}
		r.writeBuf = append(r.writeBuf, event)
		shouldFlush = len(r.writeBuf) >= r.cfg.BatchSize
	}
	r.mu.Unlock()

	if shouldFlush {
		select {
		case r.flushCh <- struct{}{}:
		default:
		}
	}
}

func (r *Recorder) flushLoop() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.flush()
		case <-r.flushCh:
			r.flush()
		case <-r.stopCh:
			r.flush()
			return
		}
	}
}

func (r *Recorder) flush() {
	r.mu.Lock()
	if len(r.writeBuf) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.writeBuf
	r.writeBuf = nil
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.store.CreateRagTraces(ctx, batch); err != nil {
		metrics.TraceFlushes.WithLabelValues("error").Inc()
		r.logger.Warn("trace flush failed, discarding batch",
			zap.Int("batch_size", len(batch)),
			zap.Error(err),
		)
		return
	}
	metrics.TraceFlushes.WithLabelValues("ok").Inc()
}

// Close stops the flush loop and performs a final flush. Call before closing
// the store.
func (r *Recorder) Close() {
	r.once.Do(func() {
		if r.cfg.Enabled && r.cfg.Persist {
			close(r.stopCh)
			<-r.doneCh
		}
	})
}

// Recent returns a snapshot of the ring, oldest first.
func (r *Recorder) Recent() []models.TraceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.TraceEvent, len(r.ring))
	copy(out, r.ring)
	return out
}

// Get returns all events of one trace in timestamp order, merging persisted
// rows with any events still sitting in the ring.
func (r *Recorder) Get(ctx context.Context, traceID string) ([]models.TraceEvent, error) {
	persisted, err := r.store.GetRagTracesByTraceID(ctx, traceID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(persisted))
	key := func(e models.TraceEvent) string {
		return e.Stage + "|" + e.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	for _, e := range persisted {
		seen[key(e)] = struct{}{}
	}
	out := persisted
	for _, e := range r.Recent() {
		if e.TraceID != traceID {
			continue
		}
		if _, dup := seen[key(e)]; dup {
			continue
		}
		out = append(out, e)
	}
	sortByTimestamp(out)
	return out, nil
}

// List pages persisted traces through the store.
func (r *Recorder) List(ctx context.Context, filter store.TraceFilter, limit, offset int) ([]models.TraceEvent, error) {
	return r.store.ListRagTraces(ctx, filter, limit, offset)
}

func sortByTimestamp(events []models.TraceEvent) {
	for i := 1; i < len(events); i++ {
		for j := i; j > 0 && events[j].Timestamp.Before(events[j-1].Timestamp); j-- {
			events[j], events[j-1] = events[j-1], events[j]
		}
	}
}
