package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/zulandar/switchboard/internal/logging"
	"github.com/zulandar/switchboard/internal/models"
)

// Handler processes one claimed job. A returned error fails the job;
// wrap it with Permanent to skip the remaining attempts.
type Handler func(ctx context.Context, job *models.Job) error

// ExhaustedFunc is called after a job becomes dead.
type ExhaustedFunc func(ctx context.Context, job *models.Job, cause error)

// RunnerOpts configures a Runner.
type RunnerOpts struct {
	Workers      int           // workers per queue
	PollInterval time.Duration // idle wait between claims
	// Heartbeat is how often a running job's lease is renewed. Keep it
	// well below the lease given to StartSweeper.
	Heartbeat   time.Duration
	Logger      logging.Logger
	OnExhausted ExhaustedFunc
}

// Runner drives a worker pool per registered queue.
type Runner struct {
	q        *Queue
	opts     RunnerOpts
	log      logging.Logger
	id       string
	mu       sync.RWMutex
	handlers map[string]Handler
}

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NewRunner returns a Runner for q.
func NewRunner(q *Queue, opts RunnerOpts) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	host, _ := os.Hostname()
	return &Runner{
		q:        q,
		opts:     opts,
		log:      opts.Logger,
		id:       fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		handlers: make(map[string]Handler),
	}
}

// Queue returns the runner's queue.
func (r *Runner) Queue() *Queue { return r.q }

// Handle registers h for the named queue.
func (r *Runner) Handle(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Queues returns the registered queue names in sorted order.
func (r *Runner) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ProcessOne claims and runs at most one job from the named queue. It
// reports whether a job was run.
func (r *Runner) ProcessOne(ctx context.Context, name string) (bool, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("queue: no handler for %q", name)
	}

	job, err := r.q.Claim(ctx, name, r.id)
	if errors.Is(err, ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	// The handler loses its context when the lease does.
	hctx, cancel := context.WithCancel(ctx)
	hb := r.q.StartHeartbeat(hctx, job, r.opts.Heartbeat)
	go func() {
		select {
		case err := <-hb:
			r.log.Warn("job lease lost, stopping handler", "queue", name, "job", job.ID, "err", err)
			cancel()
		case <-hctx.Done():
		}
	}()

	start := time.Now()
	herr := h(hctx, job)
	cancel()
	if herr == nil {
		if err := r.q.Complete(ctx, job); err != nil {
			return true, err
		}
		r.log.Debug("job done", "queue", name, "job", job.ID, "elapsed", time.Since(start))
		return true, nil
	}

	dead, err := r.q.Fail(ctx, job, herr)
	if err != nil {
		return true, err
	}
	if dead {
		r.log.Error("job dead", "queue", name, "job", job.ID, "attempts", job.Attempts, "err", herr)
		if r.opts.OnExhausted != nil {
			r.opts.OnExhausted(ctx, job, herr)
		}
	} else {
		r.log.Warn("job failed, will retry", "queue", name, "job", job.ID, "attempt", job.Attempts, "err", herr)
	}
	return true, nil
}

// Drain runs due jobs across every registered queue until a full pass
// finds none, returning how many jobs ran.
func (r *Runner) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		ran := 0
		for _, name := range r.Queues() {
			ok, err := r.ProcessOne(ctx, name)
			if err != nil {
				return total, err
			}
			if ok {
				ran++
			}
		}
		total += ran
		if ran == 0 || ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}

// Run starts Workers goroutines per registered queue and blocks until ctx
// is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	names := r.Queues()
	if len(names) == 0 {
		return fmt.Errorf("queue: no handlers registered")
	}
	r.log.Info("workers starting", "runner", r.id, "queues", names, "per_queue", r.opts.Workers)

	var wg sync.WaitGroup
	for _, name := range names {
		for i := 0; i < r.opts.Workers; i++ {
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				r.work(ctx, name)
			}(name)
		}
	}
	wg.Wait()
	r.log.Info("workers stopped", "runner", r.id)
	return nil
}

func (r *Runner) work(ctx context.Context, name string) {
	for {
		if ctx.Err() != nil {
			return
		}
		ran, err := r.ProcessOne(ctx, name)
		if err != nil {
			r.log.Error("worker error", "queue", name, "err", err)
		}
		if ran && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.opts.PollInterval):
		}
	}
}

// StartSweeper schedules ReleaseStale on a cron schedule. Stop the returned
// cron to end sweeping.
func (r *Runner) StartSweeper(schedule string, lease time.Duration) (*cron.Cron, error) {
	c := cron.New(cron.WithParser(cronParser))
	_, err := c.AddFunc(schedule, func() {
		n, err := r.q.ReleaseStale(context.Background(), lease)
		if err != nil {
			r.log.Error("lease sweep failed", "err", err)
			return
		}
		if n > 0 {
			r.log.Warn("released stale jobs", "count", n, "lease", lease)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("queue: sweep schedule %q: %w", schedule, err)
	}
	c.Start()
	return c, nil
}
