package trace

import (
	"context"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridianlabs/ragcore/internal/models"
	"github.com/meridianlabs/ragcore/internal/store"
)

func event(traceID, stage string) models.TraceEvent {
	return models.TraceEvent{
		TraceID:   traceID,
		TraceType: models.TraceTypeQuery,
		Stage:     stage,
	}
}

func TestGenerateTraceIDFormat(t *testing.T) {
	re := regexp.MustCompile(`^rag-\d+-[a-z0-9]{6}$`)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id := GenerateTraceID()
		assert.Regexp(t, re, id)
		seen[id] = true
	}
	assert.Greater(t, len(seen), 1, "trace IDs should not collide constantly")
}

func TestRingFIFOEviction(t *testing.T) {
	r := NewRecorder(Config{Enabled: true, Persist: false, BufferSize: 5}, store.NewMemory(4), zap.NewNop())
	defer r.Close()
	for i := 0; i < 8; i++ {
		r.Record(event("t", fmt.Sprintf("stage-%d", i)))
	}
	recent := r.Recent()
	require.Len(t, recent, 5)
	assert.Equal(t, "stage-3", recent[0].Stage, "oldest events are evicted first")
	assert.Equal(t, "stage-7", recent[4].Stage)
}

func TestDisabledRecorderIsSilent(t *testing.T) {
	r := NewRecorder(Config{Enabled: false}, store.NewMemory(4), zap.NewNop())
	defer r.Close()
	r.Record(event("t", "stage"))
	assert.Empty(t, r.Recent())
}

func TestFlushOnBatchSize(t *testing.T) {
	mem := store.NewMemory(4)
	r := NewRecorder(Config{
		Enabled:       true,
		Persist:       true,
		BatchSize:     3,
		FlushInterval: time.Minute,
	}, mem, zap.NewNop())
	defer r.Close()

	for i := 0; i < 3; i++ {
		r.Record(event("batch", fmt.Sprintf("stage-%d", i)))
	}
	require.Eventually(t, func() bool {
		events, err := mem.GetRagTracesByTraceID(context.Background(), "batch")
		return err == nil && len(events) == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCloseFlushesRemainder(t *testing.T) {
	mem := store.NewMemory(4)
	r := NewRecorder(Config{
		Enabled:       true,
		Persist:       true,
		BatchSize:     20,
		FlushInterval: time.Minute,
	}, mem, zap.NewNop())

	r.Record(event("tail", "one"))
	r.Record(event("tail", "two"))
	r.Close()

	events, err := mem.GetRagTracesByTraceID(context.Background(), "tail")
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

type gatedStore struct {
	store.Store
	started chan struct{}
	release chan struct{}
}

func (g *gatedStore) CreateRagTraces(ctx context.Context, batch []models.TraceEvent) error {
	g.started <- struct{}{}
	<-g.release
	return g.Store.CreateRagTraces(ctx, batch)
}

func TestWriteBufferOverflowDropsOldestHalf(t *testing.T) {
	mem := store.NewMemory(4)
	gated := &gatedStore{
		Store:   mem,
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
	// batchSize 2 -> soft cap 8
	r := NewRecorder(Config{
		Enabled:       true,
		Persist:       true,
		BatchSize:     2,
		FlushInterval: time.Minute,
	}, gated, zap.NewNop())

	r.Record(event("ovf", "s0"))
	r.Record(event("ovf", "s1"))
	<-gated.started // first flush is now blocked holding the first batch

	// fill to the soft cap, then one more to trigger the drop
	for i := 2; i < 11; i++ {
		r.Record(event("ovf", fmt.Sprintf("s%d", i)))
	}

	close(gated.release)
	r.Close()

	events, err := mem.GetRagTracesByTraceID(context.Background(), "ovf")
	require.NoError(t, err)
	// 11 recorded: first batch of 2 persisted, 4 dropped at overflow,
	// remaining 5 flushed on close
	assert.Len(t, events, 7)
}

func TestGetMergesRingWithStore(t *testing.T) {
	mem := store.NewMemory(4)
	r := NewRecorder(Config{Enabled: true, Persist: false, BufferSize: 10}, mem, zap.NewNop())
	defer r.Close()

	persisted := event("merge", "query_start")
	persisted.Timestamp = time.Now().Add(-time.Second)
	require.NoError(t, mem.CreateRagTraces(context.Background(), []models.TraceEvent{persisted}))

	r.Record(event("merge", "query_complete"))

	events, err := r.Get(context.Background(), "merge")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "query_start", events[0].Stage)
	assert.Equal(t, "query_complete", events[1].Stage)
}
