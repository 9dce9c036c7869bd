// Package worker drains the task queue, executes inference, delivers the
// terminal callback, and releases the task record.
//
// Per-task state machine:
//
//	POP → FETCH → INFER → CALLBACK-OK → DELETE-RECORD → ACK
//	        │       │          │
//	        │       │          └─ CALLBACK-FAIL → ACK, record retained to TTL
//	        │       └─ INFER-FAIL → FAILURE callback → (as above)
//	        └─ FETCH-FAIL → FAILURE callback → (as above)
//
// Idempotence: the record delete happens before the queue ack, so a worker
// that pops a redelivered taskId and finds the record absent knows the task
// already produced its terminal callback and drops silently. Fetch and
// inference failures are permanent: they become FAILURE callbacks on the
// first attempt and are never nacked; redelivery comes only from crashes via
// the visibility timeout.
package worker

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/odontiq/odontiq/callback"
	"github.com/odontiq/odontiq/imagefetch"
	"github.com/odontiq/odontiq/observability"
	"github.com/odontiq/odontiq/pipeline"
	"github.com/odontiq/odontiq/task"
	"github.com/odontiq/odontiq/taskqueue"
	"github.com/odontiq/odontiq/taskstore"
)

// Pool execution models.
const (
	PoolThreaded      = "threaded"       // N executor goroutines in one process
	PoolSingleProcess = "single-process" // one task at a time, end to end
)

// Options configures a Worker.
type Options struct {
	// Concurrency is the executor count. Forced to 1 under PoolSingleProcess.
	// Default: 4.
	Concurrency int
	// Pool selects the execution model. Default: PoolThreaded.
	Pool string
	// PopWait is the long-poll window per Pop. Default: 5s.
	PopWait time.Duration
	// StagingDir holds images downloaded for URL-referenced tasks.
	// Default: os.TempDir().
	StagingDir string
	// Events records lifecycle events; optional.
	Events *observability.EventLogger
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Pool == "" {
		o.Pool = PoolThreaded
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.Pool == PoolSingleProcess {
		// Heavy native model libraries cannot be shared across parallel
		// executors in this mode; tasks run strictly serially.
		o.Concurrency = 1
	}
	if o.PopWait <= 0 {
		o.PopWait = 5 * time.Second
	}
	if o.StagingDir == "" {
		o.StagingDir = os.TempDir()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Worker executes tasks. Construct with New and start with Run.
type Worker struct {
	store      *taskstore.Store
	queue      *taskqueue.Queue
	fetcher    *imagefetch.Fetcher
	dispatcher *pipeline.Dispatcher
	callbacks  *callback.Dispatcher
	opts       Options
}

// New wires a Worker. All collaborators are construction-time dependencies;
// the worker holds no global state.
func New(store *taskstore.Store, queue *taskqueue.Queue, fetcher *imagefetch.Fetcher,
	dispatcher *pipeline.Dispatcher, callbacks *callback.Dispatcher, opts Options) *Worker {
	opts.defaults()
	return &Worker{
		store:      store,
		queue:      queue,
		fetcher:    fetcher,
		dispatcher: dispatcher,
		callbacks:  callbacks,
		opts:       opts,
	}
}

// Run starts the executor pool and blocks until ctx is cancelled, draining
// in-flight tasks before returning. Each executor handles one task at a time
// end-to-end; there is no interleaving within an executor.
func (w *Worker) Run(ctx context.Context) {
	log := w.opts.Logger
	log.Info("worker: pool started",
		"concurrency", w.opts.Concurrency, "pool", w.opts.Pool, "pop_wait", w.opts.PopWait)

	var wg sync.WaitGroup
	for i := 0; i < w.opts.Concurrency; i++ {
		wg.Add(1)
		go func(executor int) {
			defer wg.Done()
			w.runExecutor(ctx, executor)
		}(i)
	}
	wg.Wait()
	log.Info("worker: pool stopped")
}

func (w *Worker) runExecutor(ctx context.Context, executor int) {
	log := w.opts.Logger.With("executor", executor)
	for {
		if ctx.Err() != nil {
			return
		}
		taskID, ok, err := w.queue.Pop(ctx, w.opts.PopWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("worker: pop failed", "error", err)
			continue
		}
		if !ok {
			continue
		}
		w.ProcessOne(ctx, taskID)
	}
}

// ProcessOne runs the full state machine for a claimed taskId. Exported for
// tests and for single-shot drain tooling.
func (w *Worker) ProcessOne(ctx context.Context, taskID string) {
	log := w.opts.Logger.With("task_id", taskID)
	start := time.Now()

	rec, err := w.store.Get(ctx, taskID)
	if err != nil {
		// Store unreachable: nothing terminal happened, give the task back.
		log.Warn("worker: store unavailable, nacking", "error", err)
		if nerr := w.queue.Nack(ctx, taskID); nerr != nil {
			log.Warn("worker: nack failed", "error", nerr)
		}
		return
	}
	if rec == nil {
		// Redelivery of an already-terminal task: the first execution
		// deleted the record before acking. Drop silently.
		log.Info("worker: record absent on pop, dropping redelivery")
		w.logEvent(ctx, taskID, "", observability.EventRedeliveredDrop, "")
		w.ack(ctx, taskID, log)
		return
	}

	env := w.execute(ctx, rec)

	if err := w.callbacks.Send(ctx, rec.CallbackURL, env); err != nil {
		// Undelivered: ack the queue (no retry in v1) but retain the record
		// until TTL so an operator can inspect the failed delivery. A download
		// staged by this run is removed now: the stored record never learned
		// its path, so the TTL reaper could not clean it later. Uploaded
		// images stay; their path is in the stored record and the reaper owns
		// them.
		log.Warn("worker: callback undelivered, record retained to TTL",
			"callback_url", rec.CallbackURL, "error", err)
		if rec.ImageURL != "" {
			w.removeImage(rec)
		}
		w.logEvent(ctx, taskID, string(rec.TaskType), observability.EventCallbackUndelivered, "")
		w.ack(ctx, taskID, log)
		return
	}

	// Delivered. Delete-then-ack: the delete is the terminality marker that
	// makes redeliveries drop, so it must precede the ack.
	if _, err := w.store.Delete(ctx, taskID); err != nil {
		// The ack below still proceeds: without it the task would be
		// redelivered and could emit a second callback. The orphaned record
		// expires at TTL.
		log.Error("worker: record delete failed after delivery", "error", err)
	}
	w.removeImage(rec)

	event := observability.EventCompleted
	if env.Status == task.StatusFailure {
		event = observability.EventFailed
	}
	w.logEvent(ctx, taskID, string(rec.TaskType), event, "")
	w.ack(ctx, taskID, log)

	log.Info("worker: task terminal",
		"task_type", rec.TaskType, "status", env.Status,
		"duration_ms", time.Since(start).Milliseconds())
}

// execute produces the terminal envelope for rec: fetch, infer, wrap.
func (w *Worker) execute(ctx context.Context, rec *task.Record) *task.Envelope {
	imagePath, terr := w.materialize(ctx, rec)
	if terr != nil {
		return task.NewFailureEnvelope(rec, terr, time.Now())
	}

	data, terr := w.dispatcher.Dispatch(ctx, rec, imagePath)
	if terr != nil {
		return task.NewFailureEnvelope(rec, terr, time.Now())
	}
	return task.NewSuccessEnvelope(rec, data, time.Now())
}

// materialize puts the image bytes on local disk: a download for URL tasks,
// a stat for pre-uploaded multipart bodies.
func (w *Worker) materialize(ctx context.Context, rec *task.Record) (string, *task.Error) {
	if rec.ImagePath != "" {
		if terr := imagefetch.Stat(rec.ImagePath); terr != nil {
			return "", terr
		}
		return rec.ImagePath, nil
	}

	dest := filepath.Join(w.opts.StagingDir, rec.TaskID+urlExt(rec.ImageURL))
	if terr := w.fetcher.Fetch(ctx, rec.ImageURL, dest); terr != nil {
		return "", terr
	}
	// Track the staged file on the record so removeImage and the TTL reaper
	// find it.
	rec.ImagePath = dest
	return dest, nil
}

// removeImage deletes the task's local image file, if any. Uploaded files
// are owned by the record and die with it.
func (w *Worker) removeImage(rec *task.Record) {
	if rec.ImagePath == "" {
		return
	}
	if err := os.Remove(rec.ImagePath); err != nil && !os.IsNotExist(err) {
		w.opts.Logger.Warn("worker: image cleanup failed", "path", rec.ImagePath, "error", err)
	}
}

func (w *Worker) ack(ctx context.Context, taskID string, log *slog.Logger) {
	if err := w.queue.Ack(ctx, taskID); err != nil {
		log.Warn("worker: ack failed", "error", err)
	}
}

func (w *Worker) logEvent(ctx context.Context, taskID, taskType, event, detail string) {
	if w.opts.Events == nil {
		return
	}
	w.opts.Events.LogTaskEvent(ctx, observability.TaskEvent{
		TaskID:   taskID,
		TaskType: taskType,
		Event:    event,
		Detail:   detail,
	})
}

// urlExt extracts a usable file extension from an image URL, defaulting to
// ".img" when the path carries none.
func urlExt(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ".img"
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if ext == "" || len(ext) > 8 {
		return ".img"
	}
	return ext
}
