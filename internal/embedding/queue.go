package embedding

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// BatchState is the lifecycle state of a queued submission.
type BatchState string

const (
	BatchPending    BatchState = "pending"
	BatchProcessing BatchState = "processing"
	BatchCompleted  BatchState = "completed"
	BatchFailed     BatchState = "failed"
)

// Batch tracks one submission through the queue. State transitions are
// monotonic: pending -> processing -> {completed | failed}.
type Batch struct {
	ID        string
	State     BatchState
	Hashes    []string
	Total     int
	ToProcess int
	Cached    int
	CreatedAt time.Time

	remaining int
	done      chan struct{}
}

type queueItem struct {
	hash string
	text string
}

// QueueConfig wires the queue's collaborators and pacing knobs.
type QueueConfig struct {
	Provider Provider
	Cache    *Cache
	Limiter  *RateLimiter

	SuperBatchSize   int           // default 120
	PacingDelay      time.Duration // default 21s, free-tier pacing; negative disables
	RateLimitBackoff time.Duration // default 60s
}

// Queue coalesces submitted texts into provider-sized super-batches. It is
// the sole caller of the embedding provider; a single processor goroutine
// drains the deque while submitters only touch state under the mutex.
type Queue struct {
	provider Provider
	cache    *Cache
	limiter  *RateLimiter
	dims     int

	superBatchSize   int
	pacing           time.Duration
	rateLimitBackoff time.Duration

	mu         sync.Mutex
	pending    []queueItem
	queued     map[string]bool
	owners     map[string][]*Batch
	batches    map[string]*Batch
	processing bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue creates an embedding queue.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("Provider is required")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("Cache is required")
	}
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("Limiter is required")
	}
	if cfg.SuperBatchSize <= 0 || cfg.SuperBatchSize > 120 {
		cfg.SuperBatchSize = 120
	}
	switch {
	case cfg.PacingDelay == 0:
		cfg.PacingDelay = 21 * time.Second
	case cfg.PacingDelay < 0:
		cfg.PacingDelay = 0
	}
	if cfg.RateLimitBackoff <= 0 {
		cfg.RateLimitBackoff = 60 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		provider:         cfg.Provider,
		cache:            cfg.Cache,
		limiter:          cfg.Limiter,
		dims:             cfg.Provider.Dimensions(),
		superBatchSize:   cfg.SuperBatchSize,
		pacing:           cfg.PacingDelay,
		rateLimitBackoff: cfg.RateLimitBackoff,
		queued:           make(map[string]bool),
		owners:           make(map[string][]*Batch),
		batches:          make(map[string]*Batch),
		ctx:              ctx,
		cancel:           cancel,
	}, nil
}

// Submit enqueues texts for embedding and returns a batch id immediately.
// Texts already cached are pre-completed in the batch accounting; texts
// already queued by another batch are tracked but not enqueued twice.
func (q *Queue) Submit(texts []string) (string, error) {
	if len(texts) == 0 {
		return "", fmt.Errorf("no texts submitted")
	}

	sum := md5.Sum([]byte(fmt.Sprintf("%d:%d", time.Now().UnixNano(), len(texts))))
	batch := &Batch{
		ID:        hex.EncodeToString(sum[:])[:16],
		State:     BatchPending,
		CreatedAt: time.Now(),
		done:      make(chan struct{}),
	}

	q.mu.Lock()
	seen := make(map[string]bool, len(texts))
	for _, text := range texts {
		hash := CacheKey(TruncateText(text), InputTypeDocument)
		if seen[hash] {
			continue
		}
		seen[hash] = true
		batch.Hashes = append(batch.Hashes, hash)

		if q.cache.Has(hash) {
			batch.Cached++
			continue
		}
		batch.ToProcess++
		batch.remaining++
		q.owners[hash] = append(q.owners[hash], batch)
		if !q.queued[hash] {
			q.queued[hash] = true
			q.pending = append(q.pending, queueItem{hash: hash, text: TruncateText(text)})
		}
	}
	batch.Total = len(batch.Hashes)

	if batch.remaining == 0 {
		batch.State = BatchCompleted
		batchesFinished.WithLabelValues("completed").Inc()
		close(batch.done)
	} else if !q.processing {
		q.processing = true
		q.wg.Add(1)
		go q.run()
	}
	q.batches[batch.ID] = batch
	q.mu.Unlock()

	log.Debug().
		Str("batch", batch.ID).
		Int("total", batch.Total).
		Int("cached", batch.Cached).
		Int("to_process", batch.ToProcess).
		Msg("Batch submitted")
	return batch.ID, nil
}

// Wait blocks until the batch reaches a terminal state. Returns false on
// timeout, unknown batch id, or a failed batch.
func (q *Queue) Wait(ctx context.Context, batchID string, timeout time.Duration) bool {
	q.mu.Lock()
	batch, ok := q.batches[batchID]
	q.mu.Unlock()
	if !ok {
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-batch.done:
		q.mu.Lock()
		state := batch.State
		q.mu.Unlock()
		return state == BatchCompleted
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// BatchStatus returns a snapshot of one batch, or nil when unknown.
func (q *Queue) BatchStatus(batchID string) map[string]any {
	q.mu.Lock()
	defer q.mu.Unlock()
	batch, ok := q.batches[batchID]
	if !ok {
		return nil
	}
	return map[string]any{
		"id":         batch.ID,
		"state":      string(batch.State),
		"total":      batch.Total,
		"cached":     batch.Cached,
		"to_process": batch.ToProcess,
		"created_at": batch.CreatedAt,
	}
}

// Lookup reads a text's vector through the cache.
func (q *Queue) Lookup(text string, inputType InputType) ([]float32, bool) {
	return q.cache.Get(CacheKey(TruncateText(text), inputType))
}

// EmbedQuery embeds a single query-typed text synchronously, bypassing the
// batch machinery but not the rate limiter or the cache.
func (q *Queue) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	text = TruncateText(text)
	hash := CacheKey(text, InputTypeQuery)
	if vec, ok := q.cache.Get(hash); ok {
		return vec, nil
	}
	if err := q.limiter.WaitIfNeeded(ctx); err != nil {
		return nil, err
	}
	vecs, err := q.provider.Embed(ctx, []string{text}, InputTypeQuery)
	observeProviderCall(err)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 || !ValidVector(vecs[0], q.dims) {
		return nil, fmt.Errorf("provider returned invalid query embedding")
	}
	q.cache.Put(hash, vecs[0])
	return vecs[0], nil
}

// Stats reports queue depth, per-state batch counts and cache size.
func (q *Queue) Stats() map[string]any {
	q.mu.Lock()
	defer q.mu.Unlock()
	states := map[BatchState]int{}
	for _, b := range q.batches {
		states[b.State]++
	}
	return map[string]any{
		"queue_depth": len(q.pending),
		"processing":  q.processing,
		"batches": map[string]int{
			"pending":    states[BatchPending],
			"processing": states[BatchProcessing],
			"completed":  states[BatchCompleted],
			"failed":     states[BatchFailed],
		},
		"cache_size": q.cache.Len(),
	}
}

// Stop cancels the processor and waits for it to exit.
func (q *Queue) Stop() {
	q.cancel()
	q.wg.Wait()
}

// run is the single-flight processor loop. Only one instance runs at a time,
// guarded by the processing flag.
func (q *Queue) run() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.processing = false
			q.mu.Unlock()
			return
		}
		n := len(q.pending)
		if n > q.superBatchSize {
			// Split the tail back onto the queue.
			n = q.superBatchSize
		}
		items := make([]queueItem, n)
		copy(items, q.pending[:n])
		q.pending = q.pending[n:]
		q.markProcessing(items)
		q.mu.Unlock()

		err := q.processSuperBatch(q.ctx, items)
		switch {
		case q.ctx.Err() != nil:
			return
		case IsRateLimit(err):
			log.Warn().
				Dur("backoff", q.rateLimitBackoff).
				Int("texts", len(items)).
				Msg("Provider rate limit hit, backing off")
			q.mu.Lock()
			q.pending = append(items, q.pending...)
			q.mu.Unlock()
			if sleepCtx(q.ctx, q.rateLimitBackoff) != nil {
				return
			}
			continue
		case err != nil:
			log.Error().Err(err).Int("texts", len(items)).Msg("Super-batch failed")
			hashes := make([]string, len(items))
			for i, it := range items {
				hashes[i] = it.hash
			}
			q.failHashes(hashes)
		}

		// Free-tier pacing between provider calls regardless of outcome.
		if sleepCtx(q.ctx, q.pacing) != nil {
			return
		}
	}
}

// markProcessing advances owner batches to processing. Caller holds the lock.
func (q *Queue) markProcessing(items []queueItem) {
	for _, it := range items {
		for _, b := range q.owners[it.hash] {
			if b.State == BatchPending {
				b.State = BatchProcessing
			}
		}
	}
}

// processSuperBatch drives one provider call: admission, embed, validate,
// cache, and individual retries for a small invalid remainder.
func (q *Queue) processSuperBatch(ctx context.Context, items []queueItem) error {
	if err := q.limiter.WaitIfNeeded(ctx); err != nil {
		return err
	}

	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.text
	}
	vecs, err := q.provider.Embed(ctx, texts, InputTypeDocument)
	observeProviderCall(err)
	if err != nil {
		return err
	}

	var invalid []queueItem
	for i, vec := range vecs {
		if ValidVector(vec, q.dims) {
			q.cache.Put(items[i].hash, vec)
			q.resolveHash(items[i].hash)
		} else {
			invalid = append(invalid, items[i])
		}
	}

	if len(invalid) > 0 {
		log.Warn().
			Int("invalid", len(invalid)).
			Int("batch", len(items)).
			Msg("Provider returned invalid embeddings")
	}

	// Retry a small invalid remainder one text at a time.
	if float64(len(invalid)) > 0.1*float64(len(items)) && len(invalid) < 10 {
		invalid = q.retryIndividually(ctx, invalid)
	}

	if len(invalid) > 0 {
		hashes := make([]string, len(invalid))
		for i, it := range invalid {
			hashes[i] = it.hash
		}
		q.failHashes(hashes)
	}
	return nil
}

// retryIndividually re-embeds each invalid text alone, returning the items
// that still failed.
func (q *Queue) retryIndividually(ctx context.Context, items []queueItem) []queueItem {
	var still []queueItem
	for _, it := range items {
		if sleepCtx(ctx, q.pacing) != nil {
			still = append(still, it)
			continue
		}
		if err := q.limiter.WaitIfNeeded(ctx); err != nil {
			still = append(still, it)
			continue
		}
		vecs, err := q.provider.Embed(ctx, []string{it.text}, InputTypeDocument)
		observeProviderCall(err)
		if err != nil || len(vecs) != 1 || !ValidVector(vecs[0], q.dims) {
			log.Warn().Str("hash", it.hash).Msg("Individual embedding retry failed")
			still = append(still, it)
			continue
		}
		q.cache.Put(it.hash, vecs[0])
		q.resolveHash(it.hash)
	}
	return still
}

// resolveHash marks a hash as cached and completes any batch whose manifest
// is fully resolved.
func (q *Queue) resolveHash(hash string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queued, hash)
	for _, b := range q.owners[hash] {
		if b.State == BatchCompleted || b.State == BatchFailed {
			continue
		}
		b.remaining--
		if b.remaining == 0 {
			b.State = BatchCompleted
			batchesFinished.WithLabelValues("completed").Inc()
			close(b.done)
		}
	}
	delete(q.owners, hash)
}

// failHashes fails every batch owning one of the hashes. Failed is terminal.
func (q *Queue) failHashes(hashes []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, hash := range hashes {
		delete(q.queued, hash)
		for _, b := range q.owners[hash] {
			if b.State == BatchCompleted || b.State == BatchFailed {
				continue
			}
			b.State = BatchFailed
			batchesFinished.WithLabelValues("failed").Inc()
			close(b.done)
		}
		delete(q.owners, hash)
	}
}
