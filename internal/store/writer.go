package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"cppdex/internal/logging"
	"cppdex/internal/types"
)

// Op is one unit of mutation applied inside the writer's transaction. Apply
// runs on the writer goroutine only; implementations must not touch the
// database outside the supplied transaction.
type Op interface {
	Name() string
	Apply(tx *sql.Tx) (interface{}, error)
}

// Result is the per-op outcome delivered to the submitter.
type Result struct {
	Value interface{}
	Err   error
}

type pendingOp struct {
	op   Op
	done chan Result
}

// WriterConfig bounds the queue and batching behaviour.
type WriterConfig struct {
	QueueCapacity int
	BatchSize     int
	BatchWindow   time.Duration
	MaxRetries    int
}

// DefaultWriterConfig returns the spec defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		QueueCapacity: 1024,
		BatchSize:     64,
		BatchWindow:   25 * time.Millisecond,
		MaxRetries:    5,
	}
}

// ErrWouldBlock is returned by TrySubmit when the queue is full.
var ErrWouldBlock = types.E(types.KindWriteContention, "writer queue full")

// Writer serialises all store mutations through one goroutine, coalescing
// ops into micro-batched transactions. Exactly one Writer exists per store.
type Writer struct {
	store *Store
	cfg   WriterConfig

	queue chan pendingOp
	stop  chan struct{}
	done  chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewWriter creates the writer for a store.
func NewWriter(s *Store, cfg WriterConfig) *Writer {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = 25 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	return &Writer{
		store: s,
		cfg:   cfg,
		queue: make(chan pendingOp, cfg.QueueCapacity),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start launches the writer goroutine.
func (w *Writer) Start() {
	w.startOnce.Do(func() {
		go w.run()
	})
}

// Stop drains the queue and stops the writer. Submissions after Stop fail.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
	<-w.done
}

// QueueDepth reports the number of ops waiting, for the health surface.
func (w *Writer) QueueDepth() int { return len(w.queue) }

// Submit enqueues an op and waits for its outcome. Blocking on a full queue
// is the pipeline's natural backpressure; the context bounds the wait.
func (w *Writer) Submit(ctx context.Context, op Op) (interface{}, error) {
	p := pendingOp{op: op, done: make(chan Result, 1)}
	select {
	case w.queue <- p:
	case <-w.stop:
		return nil, types.E(types.KindInternal, "writer stopped")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-p.done:
		return res.Value, res.Err
	case <-ctx.Done():
		// The op is already queued and will still apply; only the wait is
		// abandoned.
		return nil, ctx.Err()
	}
}

// TrySubmit enqueues without blocking; the returned channel delivers the
// outcome. Returns ErrWouldBlock when the queue is full.
func (w *Writer) TrySubmit(op Op) (<-chan Result, error) {
	p := pendingOp{op: op, done: make(chan Result, 1)}
	select {
	case w.queue <- p:
		return p.done, nil
	case <-w.stop:
		return nil, types.E(types.KindInternal, "writer stopped")
	default:
		return nil, ErrWouldBlock
	}
}

func (w *Writer) run() {
	defer close(w.done)
	log := logging.Get(logging.CategoryWriter)

	for {
		var first pendingOp
		select {
		case first = <-w.queue:
		case <-w.stop:
			w.drain(log)
			return
		}

		batch := w.collectBatch(first)
		w.applyBatch(batch, log)
	}
}

// drain applies everything still queued at shutdown.
func (w *Writer) drain(log *logging.Logger) {
	for {
		select {
		case p := <-w.queue:
			w.applyBatch(w.collectBatch(p), log)
		default:
			return
		}
	}
}

// collectBatch coalesces up to BatchSize ops or until BatchWindow elapses.
func (w *Writer) collectBatch(first pendingOp) []pendingOp {
	batch := []pendingOp{first}
	timer := time.NewTimer(w.cfg.BatchWindow)
	defer timer.Stop()

	for len(batch) < w.cfg.BatchSize {
		select {
		case p := <-w.queue:
			batch = append(batch, p)
		case <-timer.C:
			return batch
		case <-w.stop:
			return batch
		}
	}
	return batch
}

// applyBatch opens one transaction, applies each op inside its own
// savepoint, and commits. Transient contention retries the whole batch with
// exponential backoff; it should never occur under the single-writer
// discipline, so it is also logged as a bug signal.
func (w *Writer) applyBatch(batch []pendingOp, log *logging.Logger) {
	results := make([]Result, len(batch))

	attempt := func() error {
		tx, err := w.store.db.Begin()
		if err != nil {
			return err
		}
		for i, p := range batch {
			results[i] = w.applyOne(tx, i, p.op)
			if results[i].Err != nil && IsBusyErr(results[i].Err) {
				_ = tx.Rollback()
				return results[i].Err
			}
		}
		return tx.Commit()
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(5*time.Millisecond),
		backoff.WithMaxInterval(250*time.Millisecond),
	), uint64(w.cfg.MaxRetries))

	var lastErr error
	tries := 0
	err := backoff.Retry(func() error {
		tries++
		err := attempt()
		if err == nil {
			return nil
		}
		lastErr = err
		if IsBusyErr(err) {
			// A locked database means something is writing outside the
			// single writer. Retry, but flag it.
			log.Error("database is locked during batch of %d ops (attempt %d): %v", len(batch), tries, err)
			return err
		}
		return backoff.Permanent(err)
	}, bo)

	if err != nil {
		if IsBusyErr(lastErr) {
			err = types.WrapE(types.KindWriteContention, lastErr,
				"batch failed after %d attempts", tries)
		}
		for i := range results {
			if results[i].Err == nil {
				results[i] = Result{Err: err}
			}
		}
		log.Error("batch of %d ops failed: %v", len(batch), err)
	} else if len(batch) > 1 {
		log.Debug("committed batch of %d ops", len(batch))
	}

	for i, p := range batch {
		p.done <- results[i]
	}
}

// applyOne runs a single op inside a savepoint so a failing op does not
// poison the rest of the batch.
func (w *Writer) applyOne(tx *sql.Tx, i int, op Op) Result {
	sp := fmt.Sprintf("op_%d", i)
	if _, err := tx.Exec("SAVEPOINT " + sp); err != nil {
		return Result{Err: err}
	}

	value, err := op.Apply(tx)
	if err != nil {
		_, _ = tx.Exec("ROLLBACK TO " + sp)
		_, _ = tx.Exec("RELEASE " + sp)
		return Result{Err: fmt.Errorf("op %s failed: %w", op.Name(), err)}
	}
	if _, err := tx.Exec("RELEASE " + sp); err != nil {
		return Result{Err: err}
	}
	return Result{Value: value}
}
