package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cppdex/internal/compiledb"
	"cppdex/internal/logging"
	"cppdex/internal/manifest"
	"cppdex/internal/store"
)

// Config bounds the worker pool and retry policy.
type Config struct {
	Workers      int
	MaxAttempts  int
	LeaseTTL     time.Duration
	PollInterval time.Duration
	GitPath      string
	RetryBackoff time.Duration
}

// DefaultConfig returns the spec defaults.
func DefaultConfig() Config {
	return Config{
		Workers:      2,
		MaxAttempts:  5,
		LeaseTTL:     60 * time.Second,
		PollInterval: 2 * time.Second,
		GitPath:      "git",
		RetryBackoff: 2 * time.Second,
	}
}

// Handler executes one claimed job. A returned error fails the attempt.
type Handler func(ctx context.Context, job *Job) error

// Engine polls the job queues with a fixed worker pool. Claims, heartbeats,
// and status flips all go through the single writer.
type Engine struct {
	store    *store.Store
	writer   *store.Writer
	manifest *manifest.Manifest
	compile  *compiledb.Cache
	cfg      Config

	handlersMu sync.RWMutex
	handlers   map[Queue]Handler

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewEngine creates the engine with the default handler: repo_sync_jobs
// run the checkout action. index_jobs have no handler until one is set with
// SetHandler; until then workers leave that queue's jobs pending.
func NewEngine(s *store.Store, w *store.Writer, m *manifest.Manifest, cc *compiledb.Cache, cfg Config) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.GitPath == "" {
		cfg.GitPath = "git"
	}
	e := &Engine{
		store:    s,
		writer:   w,
		manifest: m,
		compile:  cc,
		cfg:      cfg,
		handlers: make(map[Queue]Handler),
	}
	e.handlers[QueueRepoSync] = e.runRepoSync
	return e
}

// SetHandler registers (or replaces) the handler for a queue.
func (e *Engine) SetHandler(queue Queue, h Handler) {
	e.handlersMu.Lock()
	e.handlers[queue] = h
	e.handlersMu.Unlock()
}

// Enqueue inserts a job with idempotency and returns its id.
func (e *Engine) Enqueue(ctx context.Context, queue Queue, spec Spec) (string, error) {
	if spec.MaxAttempts == 0 {
		spec.MaxAttempts = e.cfg.MaxAttempts
	}
	v, err := e.writer.Submit(ctx, EnqueueOp{Queue: queue, Spec: spec})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Start launches the worker pool.
func (e *Engine) Start() {
	if e.stop != nil {
		return
	}
	e.stop = make(chan struct{})
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}
	logging.SyncLog("sync engine started with %d workers", e.cfg.Workers)
}

// Stop signals the workers and waits for in-flight jobs to finish.
func (e *Engine) Stop() {
	if e.stop == nil {
		return
	}
	close(e.stop)
	e.wg.Wait()
	e.stop = nil
}

func (e *Engine) worker(id int) {
	defer e.wg.Done()
	log := logging.Get(logging.CategorySync)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// Drain eagerly: keep claiming until both queues are idle, then
		// fall back to the poll interval.
		for e.pollOnce(log) {
			select {
			case <-e.stop:
				return
			default:
			}
		}
		select {
		case <-e.stop:
			return
		case <-ticker.C:
		}
	}
}

// pollOnce claims and executes at most one job; reports whether it did work.
func (e *Engine) pollOnce(log *logging.Logger) bool {
	ctx := context.Background()
	for _, queue := range []Queue{QueueRepoSync, QueueIndex} {
		e.handlersMu.RLock()
		handler := e.handlers[queue]
		e.handlersMu.RUnlock()
		if handler == nil {
			continue
		}

		v, err := e.writer.Submit(ctx, ClaimOp{Queue: queue, LeaseTTL: e.cfg.LeaseTTL})
		if err != nil {
			log.Error("claim on %s failed: %v", queue, err)
			continue
		}
		job, _ := v.(*Job)
		if job == nil {
			continue
		}

		e.execute(ctx, queue, job, handler, log)
		return true
	}
	return false
}

func (e *Engine) execute(ctx context.Context, queue Queue, job *Job, handler Handler, log *logging.Logger) {
	log.Info("job %s claimed from %s (%s %s@%s attempt %d)",
		job.ID, queue, job.EventType, job.RepoID, job.EventSHA, job.Attempts+1)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Heartbeat keeps the lease alive for long checkouts.
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		ticker := time.NewTicker(e.cfg.LeaseTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if _, err := e.writer.Submit(runCtx, HeartbeatOp{Queue: queue, JobID: job.ID, LeaseTTL: e.cfg.LeaseTTL}); err != nil {
					log.Warn("heartbeat for %s failed: %v", job.ID, err)
				}
			}
		}
	}()

	err := handler(runCtx, job)
	cancel()
	<-hbDone

	if err != nil {
		log.Warn("job %s failed: %v", job.ID, err)
		v, ferr := e.writer.Submit(ctx, FailOp{
			Queue: queue, JobID: job.ID, Message: err.Error(), Backoff: e.cfg.RetryBackoff,
		})
		if ferr != nil {
			log.Error("fail transition for %s failed: %v", job.ID, ferr)
			return
		}
		if v == StatusDeadLetter {
			log.Error("job %s dead-lettered after %d attempts: %v", job.ID, job.Attempts+1, err)
		}
		return
	}

	if _, err := e.writer.Submit(ctx, CompleteOp{Queue: queue, JobID: job.ID}); err != nil {
		log.Error("complete transition for %s failed: %v", job.ID, err)
		return
	}
	log.Info("job %s done", job.ID)
}

// runRepoSync is the repo_sync handler: resolve remote and token, perform a
// detached checkout at the exact SHA, refresh the compile-commands cache,
// and enqueue an index job for the updated files.
func (e *Engine) runRepoSync(ctx context.Context, job *Job) error {
	repo, ok := e.manifest.Repo(job.RepoID)
	if !ok {
		return fmt.Errorf("unknown repo %q", job.RepoID)
	}
	root, _ := e.manifest.RepoAbsRoot(job.RepoID)

	if err := CheckoutDetached(ctx, e.cfg.GitPath, root, repo, job.EventSHA); err != nil {
		return err
	}

	// Compile commands may have been regenerated by the checkout.
	e.compile.Invalidate(job.WorkspaceID)

	if _, err := e.writer.Submit(ctx, UpsertSyncStateOp{
		WorkspaceID: job.WorkspaceID,
		RepoID:      job.RepoID,
		SHA:         job.EventSHA,
		CompileDB:   true,
	}); err != nil {
		return err
	}

	_, err := e.writer.Submit(ctx, EnqueueOp{Queue: QueueIndex, Spec: Spec{
		WorkspaceID: job.WorkspaceID,
		RepoID:      job.RepoID,
		ContextID:   job.ContextID,
		Ref:         job.Ref,
		EventType:   job.EventType,
		EventSHA:    job.EventSHA,
		MaxAttempts: e.cfg.MaxAttempts,
		Payload:     job.Payload,
	}})
	return err
}
