package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"schoolbus/backend/model"
	"schoolbus/backend/optimize"
	"schoolbus/backend/progress"
)

// ManagerOptions wires a Manager's collaborators and retry policy.
type ManagerOptions struct {
	Store     *Store
	Broker    *progress.Broker
	Runner    Runner
	Optimizer *optimize.Optimizer

	TimeLimit     time.Duration
	RetryAttempts int
	RetryBase     time.Duration

	Logger zerolog.Logger
}

// Manager owns the job state machine:
// queued -> running -> completed | failed | cancelled, where the store
// sweep fails in-flight jobs with code INTERRUPTED after an unclean
// restart. All store writes go through the manager so transitions stay
// serialized.
type Manager struct {
	store  *Store
	broker *progress.Broker
	runner Runner
	opt    *optimize.Optimizer

	timeLimit time.Duration
	retries   int
	retryBase time.Duration
	log       zerolog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewManager builds a manager. Retry defaults: 3 attempts, 60s base.
func NewManager(opts ManagerOptions) *Manager {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 60 * time.Second
	}
	return &Manager{
		store:     opts.Store,
		broker:    opts.Broker,
		runner:    opts.Runner,
		opt:       opts.Optimizer,
		timeLimit: opts.TimeLimit,
		retries:   opts.RetryAttempts,
		retryBase: opts.RetryBase,
		log:       opts.Logger.With().Str("component", "jobs.manager").Logger(),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Submit parses and validates a request body, persists the queued record
// and dispatches the job. Validation failures return an INVALID_INPUT
// error without creating a job.
func (m *Manager) Submit(raw []byte) (*Record, error) {
	req, err := model.LoadRequestFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, &Error{Code: CodeInvalidInput, Message: err.Error(), Err: err}
	}
	if err := model.ValidateRoutes(req.Routes); err != nil {
		return nil, &Error{Code: CodeInvalidInput, Message: err.Error(), Err: err}
	}

	rec := &Record{
		ID:          uuid.NewString(),
		State:       StateQueued,
		Progress:    0,
		SubmittedAt: time.Now(),
		Request:     json.RawMessage(raw),
	}
	if err := m.put(rec); err != nil {
		return nil, &Error{Code: CodeInternal, Message: "persist job", Err: err}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancels[rec.ID] = cancel
	m.mu.Unlock()

	if err := m.runner.Dispatch(func() { m.execute(ctx, rec.ID, req) }); err != nil {
		cancel()
		m.finish(rec.ID, StateFailed, &Error{Code: CodeInternal, Message: err.Error(), Err: err})
		return nil, &Error{Code: CodeInternal, Message: err.Error(), Err: err}
	}
	m.log.Info().Str("job_id", rec.ID).Int("routes", len(req.Routes)).Msg("job queued")
	// a synchronous runner has already finished the job here; return the
	// record as the runner left it
	if cur, err := m.store.Get(rec.ID); err == nil {
		return cur, nil
	}
	return rec, nil
}

// Get returns the current record for id.
func (m *Manager) Get(id string) (*Record, error) { return m.store.Get(id) }

// List returns all known jobs, newest first.
func (m *Manager) List() ([]*Record, error) { return m.store.List() }

// Known reports whether id refers to any stored job. The progress broker
// uses it to reject subscriptions to unknown ids.
func (m *Manager) Known(id string) bool {
	_, err := m.store.Get(id)
	return err == nil
}

// Cancel requests cancellation. Terminal jobs are a no-op; unknown ids
// return ErrNotFound. A queued job is cancelled immediately; a running
// one transitions once its context cancellation is observed.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	rec, err := m.store.Get(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if rec.State.Terminal() {
		m.mu.Unlock()
		return nil
	}
	cancel := m.cancels[id]
	queued := rec.State == StateQueued
	if queued {
		now := time.Now()
		rec.State = StateCancelled
		rec.ErrorCode = CodeCancelled
		rec.ErrorMsg = "cancelled before execution started"
		rec.FinishedAt = &now
		if err := m.storePut(rec); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if queued {
		m.broker.Publish(progress.Event{
			JobID: id, Phase: rec.Phase, Progress: rec.Progress,
			Message: "job cancelled", Terminal: true, ErrorCode: CodeCancelled,
		})
	}
	m.log.Info().Str("job_id", id).Msg("cancellation requested")
	return nil
}

// Close waits for in-flight jobs to drain.
func (m *Manager) Close() { m.runner.Close() }

func (m *Manager) execute(ctx context.Context, id string, req *model.OptimizeRequest) {
	defer func() {
		m.mu.Lock()
		delete(m.cancels, id)
		m.mu.Unlock()
	}()

	m.mu.Lock()
	rec, err := m.store.Get(id)
	if err != nil || rec.State.Terminal() {
		m.mu.Unlock()
		return
	}
	now := time.Now()
	rec.State = StateRunning
	rec.StartedAt = &now
	if err := m.storePut(rec); err != nil {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	runCtx := ctx
	if m.timeLimit > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, m.timeLimit)
		defer cancel()
	}

	sink := optimize.SinkFunc(func(phase optimize.Phase, pct int, msg string) {
		m.broker.Publish(progress.Event{JobID: id, Phase: string(phase), Progress: pct, Message: msg})
		m.mu.Lock()
		if cur, err := m.store.Get(id); err == nil && !cur.State.Terminal() {
			cur.Phase = string(phase)
			cur.Progress = pct
			m.storePut(cur)
		}
		m.mu.Unlock()
	})

	res, runErr := m.runWithRetry(runCtx, id, req, sink)
	if runErr != nil {
		state := StateFailed
		if runErr.Code == CodeCancelled {
			state = StateCancelled
		}
		m.finish(id, state, runErr)
		return
	}

	buf, err := json.Marshal(res)
	if err != nil {
		m.finish(id, StateFailed, &Error{Code: CodeInternal, Message: "encode result", Err: err})
		return
	}
	m.mu.Lock()
	if rec, err := m.store.Get(id); err == nil && !rec.State.Terminal() {
		fin := time.Now()
		rec.State = StateCompleted
		rec.Phase = string(optimize.PhaseCompleted)
		rec.Progress = 100
		rec.FinishedAt = &fin
		rec.Result = buf
		m.storePut(rec)
	}
	m.mu.Unlock()
	m.broker.Publish(progress.Event{
		JobID: id, Phase: string(optimize.PhaseCompleted), Progress: 100,
		Message: "optimization completed", Terminal: true,
	})
	m.log.Info().Str("job_id", id).Float64("score", res.Score).Msg("job completed")
}

// runWithRetry retries transient failures with doubling backoff; every
// other failure is final.
func (m *Manager) runWithRetry(ctx context.Context, id string, req *model.OptimizeRequest, sink optimize.ProgressSink) (*optimize.Result, *Error) {
	delay := m.retryBase
	for attempt := 1; ; attempt++ {
		res, err := m.opt.Run(ctx, req, sink)
		if err == nil {
			return res, nil
		}
		coded := Classify(err)
		if !Transient(coded.Code) || attempt >= m.retries {
			return nil, coded
		}
		m.log.Warn().Str("job_id", id).Int("attempt", attempt).
			Dur("backoff", delay).Str("code", coded.Code).Msg("transient failure, retrying")
		select {
		case <-ctx.Done():
			return nil, Classify(ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// finish records a terminal failure state and publishes the terminal event.
func (m *Manager) finish(id string, state State, cause *Error) {
	var phase string
	var pct int
	m.mu.Lock()
	rec, err := m.store.Get(id)
	if err == nil && !rec.State.Terminal() {
		now := time.Now()
		rec.State = state
		rec.ErrorCode = cause.Code
		rec.ErrorMsg = cause.Message
		rec.FinishedAt = &now
		m.storePut(rec)
	}
	if rec != nil {
		phase, pct = rec.Phase, rec.Progress
	}
	m.mu.Unlock()
	m.broker.Publish(progress.Event{
		JobID: id, Phase: phase, Progress: pct,
		Message: cause.Message, Terminal: true, ErrorCode: cause.Code,
	})
	m.log.Warn().Str("job_id", id).Str("code", cause.Code).Str("state", string(state)).Msg("job finished with error")
}

// put serializes a new record under the state mutex.
func (m *Manager) put(rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.storePut(rec)
}

// storePut must be called with m.mu held.
func (m *Manager) storePut(rec *Record) error {
	if err := m.store.Put(rec); err != nil {
		m.log.Error().Err(err).Str("job_id", rec.ID).Msg("persist failed")
		return err
	}
	return nil
}
