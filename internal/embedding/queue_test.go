package embedding

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDims = 8

// fakeProvider records calls and answers with a programmable embed function.
type fakeProvider struct {
	mu      sync.Mutex
	calls   [][]string
	types   []InputType
	embedFn func(call int, texts []string) ([][]float32, error)
}

func (f *fakeProvider) Embed(_ context.Context, texts []string, inputType InputType) ([][]float32, error) {
	f.mu.Lock()
	call := len(f.calls)
	f.calls = append(f.calls, append([]string(nil), texts...))
	f.types = append(f.types, inputType)
	f.mu.Unlock()
	if f.embedFn != nil {
		return f.embedFn(call, texts)
	}
	return validVectors(len(texts)), nil
}

func (f *fakeProvider) Dimensions() int { return testDims }

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func validVectors(n int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		vec := make([]float32, testDims)
		for j := range vec {
			vec[j] = 0.5
		}
		out[i] = vec
	}
	return out
}

func zeroVectors(n int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = make([]float32, testDims)
	}
	return out
}

func newTestQueue(t *testing.T, provider Provider) *Queue {
	t.Helper()
	q, err := NewQueue(QueueConfig{
		Provider:         provider,
		Cache:            NewCache(100, nil),
		Limiter:          NewRateLimiter(1000, time.Second),
		PacingDelay:      -1, // no pacing between calls in tests
		RateLimitBackoff: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(q.Stop)
	return q
}

func TestQueueCachedRoundTrip(t *testing.T) {
	provider := &fakeProvider{}
	q := newTestQueue(t, provider)

	id, err := q.Submit([]string{"alpha"})
	require.NoError(t, err)
	require.True(t, q.Wait(context.Background(), id, 5*time.Second))
	assert.Equal(t, 1, provider.callCount())

	vec, ok := q.Lookup("alpha", InputTypeDocument)
	require.True(t, ok)
	assert.Len(t, vec, testDims)

	// Resubmitting a cached text completes without another provider call.
	id2, err := q.Submit([]string{"alpha"})
	require.NoError(t, err)
	require.True(t, q.Wait(context.Background(), id2, time.Second))
	assert.Equal(t, 1, provider.callCount())

	status := q.BatchStatus(id2)
	require.NotNil(t, status)
	assert.Equal(t, string(BatchCompleted), status["state"])
	assert.Equal(t, 1, status["cached"])

	// A query-typed embed is a separate cache entry and one more call.
	_, err = q.EmbedQuery(context.Background(), "beta")
	require.NoError(t, err)
	assert.Equal(t, 2, provider.callCount())
	provider.mu.Lock()
	assert.Equal(t, InputTypeQuery, provider.types[1])
	provider.mu.Unlock()

	// Cached query embeds skip the provider entirely.
	_, err = q.EmbedQuery(context.Background(), "beta")
	require.NoError(t, err)
	assert.Equal(t, 2, provider.callCount())
}

func TestQueueZeroVectorFailsBatch(t *testing.T) {
	provider := &fakeProvider{
		embedFn: func(_ int, texts []string) ([][]float32, error) {
			return zeroVectors(len(texts)), nil
		},
	}
	q := newTestQueue(t, provider)

	id, err := q.Submit([]string{"bad text"})
	require.NoError(t, err)
	assert.False(t, q.Wait(context.Background(), id, 5*time.Second))

	status := q.BatchStatus(id)
	require.NotNil(t, status)
	assert.Equal(t, string(BatchFailed), status["state"])

	_, ok := q.Lookup("bad text", InputTypeDocument)
	assert.False(t, ok, "invalid vectors must not reach the cache")
}

func TestQueueSuperBatchSplit(t *testing.T) {
	provider := &fakeProvider{}
	q := newTestQueue(t, provider)

	texts := make([]string, 250)
	for i := range texts {
		texts[i] = fmt.Sprintf("row %d", i)
	}

	id, err := q.Submit(texts)
	require.NoError(t, err)
	require.True(t, q.Wait(context.Background(), id, 10*time.Second))

	require.GreaterOrEqual(t, provider.callCount(), 3)
	provider.mu.Lock()
	for _, call := range provider.calls {
		assert.LessOrEqual(t, len(call), 120)
	}
	provider.mu.Unlock()
}

func TestQueueDedupesWithinBatch(t *testing.T) {
	provider := &fakeProvider{}
	q := newTestQueue(t, provider)

	id, err := q.Submit([]string{"same", "same", "same"})
	require.NoError(t, err)
	require.True(t, q.Wait(context.Background(), id, 5*time.Second))

	provider.mu.Lock()
	require.Equal(t, 1, len(provider.calls))
	assert.Equal(t, []string{"same"}, provider.calls[0])
	provider.mu.Unlock()
}

func TestQueueRateLimitRequeuesWithoutFailing(t *testing.T) {
	provider := &fakeProvider{
		embedFn: func(call int, texts []string) ([][]float32, error) {
			if call == 0 {
				return nil, &ProviderError{Kind: ErrKindRateLimit, StatusCode: 429, Message: "slow down"}
			}
			return validVectors(len(texts)), nil
		},
	}
	q := newTestQueue(t, provider)

	id, err := q.Submit([]string{"rate limited text"})
	require.NoError(t, err)
	require.True(t, q.Wait(context.Background(), id, 5*time.Second),
		"rate-limited batches must be requeued, not failed")
	assert.Equal(t, 2, provider.callCount())
}

func TestQueueProviderErrorFailsOwningBatch(t *testing.T) {
	provider := &fakeProvider{
		embedFn: func(_ int, _ []string) ([][]float32, error) {
			return nil, &ProviderError{Kind: ErrKindAuth, StatusCode: 401, Message: "bad key"}
		},
	}
	q := newTestQueue(t, provider)

	id, err := q.Submit([]string{"doomed"})
	require.NoError(t, err)
	assert.False(t, q.Wait(context.Background(), id, 5*time.Second))

	status := q.BatchStatus(id)
	require.NotNil(t, status)
	assert.Equal(t, string(BatchFailed), status["state"])
}

func TestQueueStats(t *testing.T) {
	provider := &fakeProvider{}
	q := newTestQueue(t, provider)

	id, err := q.Submit([]string{"stats text"})
	require.NoError(t, err)
	require.True(t, q.Wait(context.Background(), id, 5*time.Second))

	stats := q.Stats()
	batches, ok := stats["batches"].(map[string]int)
	require.True(t, ok)
	assert.Equal(t, 1, batches["completed"])
	assert.Equal(t, 0, batches["failed"])
}

func TestQueueDefaultsKeepFreeTierPacing(t *testing.T) {
	provider := &fakeProvider{}
	q, err := NewQueue(QueueConfig{
		Provider: provider,
		Cache:    NewCache(10, nil),
		Limiter:  NewRateLimiter(1000, time.Second),
	})
	require.NoError(t, err)
	t.Cleanup(q.Stop)

	assert.Equal(t, 21*time.Second, q.pacing, "an unset delay must not mean no pacing")
	assert.Equal(t, 60*time.Second, q.rateLimitBackoff)
	assert.Equal(t, 120, q.superBatchSize)
}

func TestQueueNegativePacingDisables(t *testing.T) {
	provider := &fakeProvider{}
	q, err := NewQueue(QueueConfig{
		Provider:    provider,
		Cache:       NewCache(10, nil),
		Limiter:     NewRateLimiter(1000, time.Second),
		PacingDelay: -1,
	})
	require.NoError(t, err)
	t.Cleanup(q.Stop)

	assert.Equal(t, time.Duration(0), q.pacing)
}
