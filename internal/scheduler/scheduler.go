// Package scheduler runs named jobs immediately or at a future time.
//
// Jobs are durable rows in the shared SQLite database: once scheduled they
// survive process restarts and are picked up by whichever worker claims
// them first. Each job kind is registered exactly once with a fixed
// concurrency ceiling; excess due work stays queued until a slot frees up.
//
// A failed handler is terminal for that job instance. The scheduler never
// retries; retry policy belongs to the caller.
package scheduler

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

//go:embed jobs.sql
var migrationsFS embed.FS

// Handler executes one job. The error (if any) is persisted on the job row.
type Handler func(ctx context.Context, job Job) error

type kindRuntime struct {
	handler  Handler
	limit    int
	inflight atomic.Int32
}

type Service struct {
	db  *sql.DB
	cfg Config
	log zerolog.Logger

	mu    sync.Mutex
	kinds map[string]*kindRuntime

	cron     *cron.Cron
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	stopping bool
}

func New(db *sql.DB, cfg Config, log zerolog.Logger) (*Service, error) {
	b, err := migrationsFS.ReadFile("jobs.sql")
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(string(b)); err != nil {
		return nil, err
	}
	return &Service{
		db:    db,
		cfg:   cfg.withDefaults(),
		log:   log.With().Str("comp", "scheduler").Logger(),
		kinds: map[string]*kindRuntime{},
	}, nil
}

// Register binds a handler and concurrency ceiling to a job kind. Each kind
// is registered once, before Start.
func (s *Service) Register(kind string, concurrency int, h Handler) error {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return fmt.Errorf("job kind is required")
	}
	if h == nil {
		return fmt.Errorf("handler for %q is nil", kind)
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.kinds[kind]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, kind)
	}
	s.kinds[kind] = &kindRuntime{handler: h, limit: concurrency}
	return nil
}

// ScheduleNow registers a job due immediately. The returned Job carries the
// id; execution happens asynchronously on a worker.
func (s *Service) ScheduleNow(ctx context.Context, kind string, payload []byte, opts ...ScheduleOption) (Job, error) {
	return s.ScheduleAt(ctx, time.Now(), kind, payload, opts...)
}

// ScheduleAt registers a job due at the given instant. Scheduling is
// synchronous registration plus asynchronous execution.
func (s *Service) ScheduleAt(ctx context.Context, at time.Time, kind string, payload []byte, opts ...ScheduleOption) (Job, error) {
	s.mu.Lock()
	_, known := s.kinds[kind]
	stopping := s.stopping
	s.mu.Unlock()
	if !known {
		return Job{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if stopping {
		return Job{}, ErrStopped
	}

	j := Job{
		ID:      uuid.NewString(),
		Kind:    kind,
		Payload: payload,
		RunAt:   at.UTC(),
		Status:  StatusQueued,
	}
	for _, opt := range opts {
		opt(&j)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, kind, payload, priority, status, run_at, created_at) VALUES(?,?,?,?,?,?,?)`,
		j.ID, j.Kind, string(j.Payload), j.Priority, j.Status, j.RunAt.Unix(), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return Job{}, err
	}
	return j, nil
}

// Start begins the claim loop and maintenance cron. Jobs left running by a
// previous process are re-queued first.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `UPDATE jobs SET status=? WHERE status=?`, StatusQueued, StatusRunning); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pollLoop(runCtx)
	}()

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.cfg.PruneSchedule, func() { s.prune(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("prune schedule: %w", err)
	}
	s.cron.Start()

	s.log.Info().Dur("poll_interval", s.cfg.PollInterval).Msg("scheduler started")
	return nil
}

// Stop halts claiming and waits for in-flight jobs to finish or ctx to end.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started || s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	s.mu.Unlock()

	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info().Msg("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn().Msg("scheduler stop timed out")
	}
}

func (s *Service) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		s.claimDue(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// claimDue moves due queued jobs to running, bounded per kind by the free
// concurrency slots, and dispatches them.
func (s *Service) claimDue(ctx context.Context) {
	s.mu.Lock()
	kinds := make(map[string]*kindRuntime, len(s.kinds))
	for k, rt := range s.kinds {
		kinds[k] = rt
	}
	s.mu.Unlock()

	for kind, rt := range kinds {
		free := rt.limit - int(rt.inflight.Load())
		if free <= 0 {
			continue
		}
		jobs, err := s.claim(ctx, kind, free)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Error().Err(err).Str("kind", kind).Msg("claim failed")
			}
			continue
		}
		for _, j := range jobs {
			rt.inflight.Add(1)
			s.wg.Add(1)
			go func(job Job) {
				defer s.wg.Done()
				defer rt.inflight.Add(-1)
				s.run(ctx, rt, job)
			}(j)
		}
	}
}

func (s *Service) claim(ctx context.Context, kind string, limit int) ([]Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, payload, priority, run_at FROM jobs
		 WHERE kind = ? AND status = ? AND run_at <= ?
		 ORDER BY priority DESC, run_at, created_at LIMIT ?`,
		kind, StatusQueued, time.Now().Unix(), limit,
	)
	if err != nil {
		return nil, err
	}
	var jobs []Job
	for rows.Next() {
		var (
			j       Job
			payload sql.NullString
			runAt   int64
		)
		if err := rows.Scan(&j.ID, &payload, &j.Priority, &runAt); err != nil {
			rows.Close()
			return nil, err
		}
		j.Kind = kind
		j.Payload = []byte(payload.String)
		j.RunAt = time.Unix(runAt, 0).UTC()
		j.Status = StatusRunning
		jobs = append(jobs, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, tx.Commit()
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, j := range jobs {
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, started_at=? WHERE id=?`, StatusRunning, now, j.ID); err != nil {
			return nil, err
		}
	}
	return jobs, tx.Commit()
}

func (s *Service) run(ctx context.Context, rt *kindRuntime, job Job) {
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return rt.handler(ctx, job)
	}()

	status := StatusDone
	var jobErr any
	if err != nil {
		status = StatusFailed
		jobErr = err.Error()
		s.log.Warn().Err(err).Str("kind", job.Kind).Str("job_id", job.ID).Dur("took", time.Since(start)).Msg("job failed")
	} else {
		s.log.Debug().Str("kind", job.Kind).Str("job_id", job.ID).Dur("took", time.Since(start)).Msg("job done")
	}

	// Persist the terminal state with a background context so shutdown does
	// not lose the outcome of a job that already ran.
	fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.db.ExecContext(fctx,
		`UPDATE jobs SET status=?, error=?, finished_at=? WHERE id=?`,
		status, jobErr, time.Now().UTC().Format(time.RFC3339Nano), job.ID,
	); err != nil {
		s.log.Error().Err(err).Str("job_id", job.ID).Msg("persist job outcome failed")
	}
}

func (s *Service) prune(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.Retention).UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN (?,?) AND finished_at < ?`,
		StatusDone, StatusFailed, cutoff,
	)
	if err != nil {
		s.log.Error().Err(err).Msg("prune failed")
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Debug().Int64("pruned", n).Msg("pruned finished jobs")
	}
}

// Lookup returns the current row for a job id, mainly for diagnostics and
// tests.
func (s *Service) Lookup(ctx context.Context, id string) (Job, error) {
	var (
		j       Job
		payload sql.NullString
		jobErr  sql.NullString
		runAt   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, payload, priority, status, run_at, error FROM jobs WHERE id = ?`, id,
	).Scan(&j.ID, &j.Kind, &payload, &j.Priority, &j.Status, &runAt, &jobErr)
	if err != nil {
		return Job{}, err
	}
	j.Payload = []byte(payload.String)
	j.RunAt = time.Unix(runAt, 0).UTC()
	j.Error = jobErr.String
	return j, nil
}
