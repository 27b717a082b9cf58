package embedding

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubProvider struct {
	calls     int
	failTimes int
	failKind  Kind
}

func (s *stubProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	s.calls++
	if s.calls <= s.failTimes {
		return nil, NewError(s.failKind, errors.New("provider failure"))
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{float32(len(text)), 1}
	}
	return out, nil
}

func (s *stubProvider) Dimensions() int { return 2 }
func (s *stubProvider) ModelID() string { return "stub-model" }

func newService(p Provider, cache Cache) *Service {
	return NewService(p, cache, ServiceConfig{Timeout: time.Second, MaxRetries: 2}, zap.NewNop())
}

func TestEmbedBatchesMissesIntoOneCall(t *testing.T) {
	p := &stubProvider{}
	s := newService(p, nil)
	out, err := s.Embed(context.Background(), []string{"one", "two", "three"})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, 1, p.calls)
	assert.Equal(t, []float32{3, 1}, out[0])
	assert.Equal(t, []float32{5, 1}, out[2])
}

func TestEmbedServesLocalCacheOnRepeat(t *testing.T) {
	p := &stubProvider{}
	s := newService(p, nil)
	_, err := s.Embed(context.Background(), []string{"repeated text"})
	require.NoError(t, err)
	_, err = s.Embed(context.Background(), []string{"repeated text"})
	require.NoError(t, err)
	assert.Equal(t, 1, p.calls, "second call must be an LRU hit")
}

func TestEmbedRetriesTransient(t *testing.T) {
	p := &stubProvider{failTimes: 2, failKind: KindTransient}
	s := newService(p, nil)
	out, err := s.Embed(context.Background(), []string{"text"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 3, p.calls)
}

func TestEmbedDoesNotRetryInvalid(t *testing.T) {
	p := &stubProvider{failTimes: 5, failKind: KindInvalid}
	s := newService(p, nil)
	_, err := s.Embed(context.Background(), []string{"text"})
	require.Error(t, err)
	assert.Equal(t, 1, p.calls)
	var embErr *Error
	require.ErrorAs(t, err, &embErr)
	assert.Equal(t, KindInvalid, embErr.Kind)
}

func TestEmbedGivesUpAfterMaxRetries(t *testing.T) {
	p := &stubProvider{failTimes: 10, failKind: KindTransient}
	s := newService(p, nil)
	_, err := s.Embed(context.Background(), []string{"text"})
	require.Error(t, err)
	assert.Equal(t, 3, p.calls) // initial + 2 retries
}

func TestEmbedEmptyInput(t *testing.T) {
	p := &stubProvider{}
	s := newService(p, nil)
	out, err := s.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, 0, p.calls)
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	cache, err := NewRedisCache(mr.Addr())
	require.NoError(t, err)

	key := MakeKey("stub-model", "some text")
	cache.Set(context.Background(), key, []float32{1.5, -2.25, 0}, time.Minute)

	v, ok := cache.Get(context.Background(), key)
	require.True(t, ok)
	assert.Equal(t, []float32{1.5, -2.25, 0}, v)

	_, ok = cache.Get(context.Background(), "emb:unknown")
	assert.False(t, ok)
}

func TestRedisCacheBadAddressFailsConstruction(t *testing.T) {
	_, err := NewRedisCache("127.0.0.1:1")
	assert.Error(t, err)
}

func TestServicePopulatesRemoteCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cache, err := NewRedisCache(mr.Addr())
	require.NoError(t, err)

	p := &stubProvider{}
	s := newService(p, cache)
	_, err = s.Embed(context.Background(), []string{"shared"})
	require.NoError(t, err)

	// a second service with a cold LRU should hit Redis, not the provider
	p2 := &stubProvider{}
	s2 := newService(p2, cache)
	out, err := s2.Embed(context.Background(), []string{"shared"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 0, p2.calls)
}

func TestMakeKeyDiffersByModelAndText(t *testing.T) {
	assert.NotEqual(t, MakeKey("m1", "text"), MakeKey("m2", "text"))
	assert.NotEqual(t, MakeKey("m1", "text"), MakeKey("m1", "other"))
	assert.Equal(t, MakeKey("m1", "text"), MakeKey("m1", "text"))
}
