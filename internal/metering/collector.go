package metering

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// BatchInserter is the interface used by Collector to persist usage records.
type BatchInserter interface {
	BatchInsert(ctx context.Context, records []Usage) error
}

// Collector buffers usage records in memory and periodically flushes them to
// the store in batches. It is safe for concurrent use.
type Collector struct {
	store         BatchInserter
	buffer        []Usage
	mu            sync.Mutex
	batchSize     int
	flushInterval time.Duration
	done          chan struct{}
	stopOnce      sync.Once
	metrics       FailureRecorder
}

// NewCollector creates a new Collector that flushes to the given store when the
// buffer reaches batchSize or every flushInterval, whichever comes first.
func NewCollector(store BatchInserter, batchSize int, flushInterval time.Duration) *Collector {
	return &Collector{
		store:         store,
		buffer:        make([]Usage, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}
}

// SetMetrics counts records lost to failed flushes.
func (c *Collector) SetMetrics(m FailureRecorder) {
	c.metrics = m
}

// Start flushes buffered records on a timer. It blocks until Stop is called
// or the context is cancelled, flushing once more before returning.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-ctx.Done():
			c.flush()
			return
		case <-c.done:
			c.flush()
			return
		}
	}
}

// Record adds a usage record to the buffer. If the buffer reaches batchSize,
// a flush is triggered immediately.
func (c *Collector) Record(u Usage) {
	c.mu.Lock()
	c.buffer = append(c.buffer, u)
	shouldFlush := len(c.buffer) >= c.batchSize
	c.mu.Unlock()

	if shouldFlush {
		c.flush()
	}
}

// flush drains the buffer into the store. Errors are logged, not returned.
func (c *Collector) flush() {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = make([]Usage, 0, c.batchSize)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.store.BatchInsert(ctx, batch); err != nil {
		slog.Error("failed to flush usage records", "count", len(batch), "error", err)
		if c.metrics != nil {
			c.metrics.RecordUsageFailures(len(batch))
		}
	}
}

// Stop signals the background goroutine to exit after a final flush.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}
