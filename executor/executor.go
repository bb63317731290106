// Package executor implements the resource-aware trial execution
// scheduler: it owns the trial lifecycle and the resource pool, and
// drives remote work through a substrate proxy.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/gavv/monotime"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/hanfei1991/tuneflow/checkpoint"
	"github.com/hanfei1991/tuneflow/executor/pool"
	"github.com/hanfei1991/tuneflow/executor/registry"
	"github.com/hanfei1991/tuneflow/model"
	"github.com/hanfei1991/tuneflow/pkg/clock"
	"github.com/hanfei1991/tuneflow/pkg/containers"
	derror "github.com/hanfei1991/tuneflow/pkg/errors"
	"github.com/hanfei1991/tuneflow/substrate"
)

// Config tunes the executor's admission behavior.
type Config struct {
	// QueueTrials makes StartTrial accept trials that cannot be admitted
	// yet; they start on a later Tick once capacity frees. With it off,
	// failure to admit is an immediate error.
	QueueTrials bool

	// RefreshPeriod bounds how often the resource pool is synchronized
	// with the substrate's cluster view. Zero refreshes on every
	// admission query.
	RefreshPeriod time.Duration
}

// trialEntry is the executor's bookkeeping for one known trial.
type trialEntry struct {
	trial   *model.Trial
	factory registry.Factory

	// handle is live only while the trial is RUNNING.
	handle substrate.Handle
	node   model.NodeID
	queued bool

	startedAt time.Duration // monotonic

	// buffered holds step results collected by Tick before any
	// FetchResult claimed them.
	buffered []model.Result

	// cause is the typed terminal failure for a trial the sweep moved to
	// ERROR, kept so FetchResult can still surface it after the handle is
	// gone.
	cause error
}

// maxBufferedResults caps how many unclaimed step results the executor
// holds per trial. Once full the sweep stops draining that handle and the
// substrate's own channel backpressures the producer.
const maxBufferedResults = 64

// TrialExecutor coordinates trials against the resource pool and the
// substrate. It is logically single-threaded: every mutation funnels
// through its mutex, so no caller observes a half-applied transition.
type TrialExecutor struct {
	mu  sync.Mutex
	cfg Config

	reg     *registry.Registry
	proxy   substrate.Proxy
	cluster substrate.ClusterView
	pool    *pool.Pool

	clk         clock.Clock
	lastRefresh *atomic.Time

	entries map[model.TrialID]*trialEntry
	pending containers.Queue[*trialEntry]
}

// NewTrialExecutor creates an executor. cluster may be nil, in which case
// the pool is managed solely through direct AddNode/RemoveNode calls.
func NewTrialExecutor(
	cfg Config,
	reg *registry.Registry,
	proxy substrate.Proxy,
	cluster substrate.ClusterView,
	resourcePool *pool.Pool,
	clk clock.Clock,
) *TrialExecutor {
	return &TrialExecutor{
		cfg:         cfg,
		reg:         reg,
		proxy:       proxy,
		cluster:     cluster,
		pool:        resourcePool,
		clk:         clk,
		lastRefresh: atomic.NewTime(time.Time{}),
		entries:     make(map[model.TrialID]*trialEntry),
		pending:     containers.NewDeque[*trialEntry](),
	}
}

// StartTrial starts a PENDING trial, or resumes a PAUSED one from its
// latest checkpoint. Under the queueing policy a trial that cannot be
// admitted yet is accepted and started on a later Tick.
func (e *TrialExecutor) StartTrial(ctx context.Context, t *model.Trial) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch t.Status {
	case model.TrialPending, model.TrialPaused:
	default:
		return derror.ErrTrialConflict.GenWithStackByArgs("start", t.ID, t.Status)
	}

	ent := e.ensureEntryLocked(t)
	if ent.queued {
		// Already accepted; it starts once capacity frees.
		return nil
	}

	if ent.factory == nil {
		factory, err := e.reg.Resolve(t.Trainable)
		if err != nil {
			t.Status = model.TrialError
			return errors.Trace(err)
		}
		ent.factory = factory
	}

	e.maybeRefreshLocked()
	if !e.pool.HasResources(t.Resources) {
		if e.cfg.QueueTrials {
			e.enqueueLocked(ent)
			return nil
		}
		return derror.ErrResourceExhausted.GenWithStackByArgs()
	}
	return e.launchLocked(ctx, ent)
}

// PauseTrial checkpoints a RUNNING trial, halts its work and releases its
// resources. If checkpointing fails the trial stays RUNNING; work is
// never paused without a durable checkpoint.
func (e *TrialExecutor) PauseTrial(ctx context.Context, t *model.Trial) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent := e.entries[t.ID]
	if t.Status != model.TrialRunning || ent == nil || ent.handle == nil {
		return derror.ErrTrialConflict.GenWithStackByArgs("pause", t.ID, t.Status)
	}

	ref, err := e.proxy.Checkpoint(ctx, ent.handle, checkpoint.TargetMemory)
	if err != nil {
		return derror.WrapError(derror.ErrCheckpointFailed, substrate.ConvertError(err), t.ID)
	}
	t.Checkpoint = &ref

	e.proxy.Halt(ent.handle)
	e.releaseLocked(ent)
	ent.buffered = nil
	t.Status = model.TrialPaused
	log.L().Info("trial paused",
		zap.String("trial-id", string(t.ID)),
		zap.String("checkpoint", ref.Key))
	return nil
}

// StopTrial terminates a trial from any non-terminal state. The halt
// request to the substrate is fire-and-forget; resources are always
// released and the trial always ends up TERMINATED.
func (e *TrialExecutor) StopTrial(ctx context.Context, t *model.Trial) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch t.Status {
	case model.TrialPending, model.TrialRunning, model.TrialPaused:
	default:
		return derror.ErrTrialConflict.GenWithStackByArgs("stop", t.ID, t.Status)
	}

	var runtime time.Duration
	if ent := e.entries[t.ID]; ent != nil {
		ent.queued = false
		ent.buffered = nil
		if ent.handle != nil {
			e.proxy.Halt(ent.handle)
			e.releaseLocked(ent)
			runtime = monotime.Since(ent.startedAt)
		}
	}
	t.Status = model.TrialTerminated
	log.L().Info("trial stopped",
		zap.String("trial-id", string(t.ID)),
		zap.Duration("runtime", runtime))
	return nil
}

// ResetTrial applies a new config and experiment tag to a RUNNING trial
// in place, without restarting its work. It returns false with a nil
// error when the trainable does not support in-place reset; the caller
// is expected to fall back to stop-and-relaunch.
func (e *TrialExecutor) ResetTrial(
	ctx context.Context, t *model.Trial, newConfig model.TrialConfig, newTag string,
) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent := e.entries[t.ID]
	if t.Status != model.TrialRunning || ent == nil || ent.handle == nil {
		return false, derror.ErrTrialConflict.GenWithStackByArgs("reset", t.ID, t.Status)
	}

	ok, err := e.proxy.Reset(ctx, ent.handle, newConfig)
	if err != nil {
		return false, errors.Trace(substrate.ConvertError(err))
	}
	if !ok {
		return false, nil
	}
	t.Config = newConfig
	t.ExperimentTag = newTag
	log.L().Info("trial reset in place",
		zap.String("trial-id", string(t.ID)), zap.String("tag", newTag))
	return true, nil
}

// Save checkpoints a RUNNING trial to the given storage target and
// records the new checkpoint on the trial.
func (e *TrialExecutor) Save(
	ctx context.Context, t *model.Trial, target checkpoint.Target,
) (checkpoint.Ref, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent := e.entries[t.ID]
	if t.Status != model.TrialRunning || ent == nil || ent.handle == nil {
		return checkpoint.Ref{}, derror.ErrTrialConflict.GenWithStackByArgs("save", t.ID, t.Status)
	}

	ref, err := e.proxy.Checkpoint(ctx, ent.handle, target)
	if err != nil {
		return checkpoint.Ref{}, derror.WrapError(derror.ErrCheckpointFailed, substrate.ConvertError(err), t.ID)
	}
	t.Checkpoint = &ref
	return ref, nil
}

// Restore re-applies the trial's checkpoint to its currently running
// work. The trial status is unchanged.
func (e *TrialExecutor) Restore(ctx context.Context, t *model.Trial) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent := e.entries[t.ID]
	if t.Status != model.TrialRunning || ent == nil || ent.handle == nil {
		return derror.ErrTrialConflict.GenWithStackByArgs("restore", t.ID, t.Status)
	}
	if t.Checkpoint == nil {
		return derror.ErrNoCheckpoint.GenWithStackByArgs(t.ID)
	}

	if err := e.proxy.Restore(ctx, ent.handle, *t.Checkpoint); err != nil {
		return derror.WrapError(derror.ErrRestoreFailed, substrate.ConvertError(err), t.ID)
	}
	return nil
}

// FetchResult blocks the caller until the trial's remote work yields a
// step result or a typed failure. A normal result does not change the
// trial's status; failures are surfaced for the caller to interpret.
func (e *TrialExecutor) FetchResult(ctx context.Context, t *model.Trial) (model.Result, error) {
	e.mu.Lock()
	ent := e.entries[t.ID]
	if ent == nil {
		e.mu.Unlock()
		if t.Status.Terminal() {
			return nil, derror.ErrTrialFinished.GenWithStackByArgs(t.ID)
		}
		return nil, derror.ErrTrialConflict.GenWithStackByArgs("fetch", t.ID, t.Status)
	}
	if len(ent.buffered) > 0 {
		res := ent.buffered[0]
		ent.buffered = ent.buffered[1:]
		e.mu.Unlock()
		return res, nil
	}
	h := ent.handle
	if h == nil {
		if cause := ent.cause; cause != nil {
			// The sweep settled the trial; hand its typed failure to the
			// caller and let the bookkeeping go.
			delete(e.entries, t.ID)
			e.mu.Unlock()
			return nil, cause
		}
		e.mu.Unlock()
		return nil, derror.ErrTrialFinished.GenWithStackByArgs(t.ID)
	}
	e.mu.Unlock()

	select {
	case res, ok := <-h.Results():
		if ok {
			return res, nil
		}
		if err := h.Err(); err != nil {
			return nil, err
		}
		return nil, derror.ErrTrialFinished.GenWithStackByArgs(t.ID)
	case <-ctx.Done():
		return nil, errors.Trace(ctx.Err())
	}
}

// GetRunningTrials returns a snapshot of the trials currently RUNNING.
func (e *TrialExecutor) GetRunningTrials() []*model.Trial {
	e.mu.Lock()
	defer e.mu.Unlock()

	ret := make([]*model.Trial, 0, len(e.entries))
	for _, ent := range e.entries {
		if ent.trial.Status == model.TrialRunning {
			ret = append(ret, ent.trial)
		}
	}
	return ret
}

// HasResources reports whether the request could currently be admitted.
// The answer is advisory; Commit re-validates.
func (e *TrialExecutor) HasResources(request model.Resources) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maybeRefreshLocked()
	return e.pool.HasResources(request)
}

// Tick drives the executor's bookkeeping: it refreshes the pool from the
// cluster view, collects settled work, and starts queued trials for
// which capacity has freed. Call it periodically.
func (e *TrialExecutor) Tick(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	default:
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.maybeRefreshLocked()
	e.collectLocked()
	e.startQueuedLocked(ctx)
	return nil
}

func (e *TrialExecutor) ensureEntryLocked(t *model.Trial) *trialEntry {
	ent, ok := e.entries[t.ID]
	if !ok {
		ent = &trialEntry{trial: t}
		e.entries[t.ID] = ent
	}
	return ent
}

func (e *TrialExecutor) enqueueLocked(ent *trialEntry) {
	if ent.queued {
		return
	}
	ent.queued = true
	e.pending.Add(ent)
	log.L().Info("trial queued for resources",
		zap.String("trial-id", string(ent.trial.ID)),
		zap.Any("request", ent.trial.Resources))
}

// launchLocked commits resources and launches the trial's work. The
// commit is authoritative: a prior affirmative HasResources answer is
// not trusted.
func (e *TrialExecutor) launchLocked(ctx context.Context, ent *trialEntry) error {
	t := ent.trial

	node, err := e.pool.Commit(t.Resources, string(t.ID))
	if err != nil {
		if derror.ErrResourceExhausted.Equal(err) && e.cfg.QueueTrials {
			e.enqueueLocked(ent)
			return nil
		}
		return errors.Trace(err)
	}

	spec := substrate.WorkSpec{
		TrialID:   t.ID,
		Node:      node,
		Factory:   ent.factory,
		Config:    t.Config,
		Resources: t.Resources.Clone(),
	}
	if t.Status == model.TrialPaused && t.Checkpoint != nil {
		spec.Restore = t.Checkpoint
	}

	h, err := e.proxy.Launch(ctx, spec)
	if err != nil {
		if relErr := e.pool.Release(node, string(t.ID)); relErr != nil {
			log.L().Warn("failed to release after launch failure", zap.Error(relErr))
		}
		err = substrate.ConvertError(err)
		if derror.ErrResourceExhausted.Equal(err) && e.cfg.QueueTrials {
			// The pool view won the admission race but the substrate
			// refused; retry on a later Tick.
			e.enqueueLocked(ent)
			return nil
		}
		t.Status = model.TrialError
		return derror.WrapError(derror.ErrLaunchFailed, err, t.ID)
	}

	ent.handle = h
	ent.node = node
	ent.startedAt = monotime.Now()
	t.Status = model.TrialRunning
	log.L().Info("trial started",
		zap.String("trial-id", string(t.ID)),
		zap.String("node-id", string(node)),
		zap.Any("request", t.Resources))
	return nil
}

func (e *TrialExecutor) releaseLocked(ent *trialEntry) {
	if ent.handle == nil {
		return
	}
	if err := e.pool.Release(ent.node, string(ent.trial.ID)); err != nil {
		// The node may already be gone; its commitments were
		// force-released with it.
		log.L().Debug("resource release skipped", zap.Error(err))
	}
	ent.handle = nil
}

func (e *TrialExecutor) maybeRefreshLocked() {
	if e.cluster == nil {
		return
	}
	if e.cfg.RefreshPeriod > 0 && e.clk.Since(e.lastRefresh.Load()) < e.cfg.RefreshPeriod {
		return
	}
	evictions := e.pool.Sync(e.cluster.Nodes())
	e.lastRefresh.Store(e.clk.Now())

	for _, ev := range evictions {
		ent, ok := e.entries[model.TrialID(ev.Owner)]
		if !ok || ent.trial.Status != model.TrialRunning {
			continue
		}
		// The commitment was already force-released with the node.
		ent.handle = nil
		ent.cause = derror.ErrRemoteWorkerLost.GenWithStackByArgs()
		ent.trial.Status = model.TrialError
		log.L().Warn("trial lost its worker",
			zap.String("trial-id", ev.Owner),
			zap.String("node-id", string(ev.Node)),
			zap.Error(ent.cause))
	}
}

// collectLocked sweeps the outstanding handles without blocking, stashing
// step results and finishing settled trials. Entries that are terminal
// with nothing left to hand out are dropped.
func (e *TrialExecutor) collectLocked() {
	for id, ent := range e.entries {
		if ent.handle == nil || ent.trial.Status != model.TrialRunning {
			if ent.trial.Status.Terminal() && len(ent.buffered) == 0 && ent.cause == nil {
				delete(e.entries, id)
			}
			continue
		}
	poll:
		for len(ent.buffered) < maxBufferedResults {
			resp := e.proxy.Poll(ent.handle)
			switch resp.State {
			case substrate.PollReady:
				ent.buffered = append(ent.buffered, resp.Result)
			case substrate.PollDone:
				e.finishLocked(ent, model.TrialTerminated, nil)
				break poll
			case substrate.PollFailed:
				e.finishLocked(ent, model.TrialError, resp.Err)
				break poll
			default:
				break poll
			}
		}
	}
}

func (e *TrialExecutor) finishLocked(ent *trialEntry, status model.TrialStatus, cause error) {
	t := ent.trial
	runtime := monotime.Since(ent.startedAt)
	e.releaseLocked(ent)
	ent.cause = cause
	t.Status = status
	if cause != nil {
		log.L().Warn("trial failed",
			zap.String("trial-id", string(t.ID)),
			zap.Duration("runtime", runtime),
			zap.Error(cause))
		return
	}
	log.L().Info("trial finished",
		zap.String("trial-id", string(t.ID)),
		zap.Duration("runtime", runtime))
}

// startQueuedLocked starts queued trials in FIFO order. The head of the
// queue may not be jumped: once a queued trial does not fit, nothing
// behind it is considered.
func (e *TrialExecutor) startQueuedLocked(ctx context.Context) {
	for remaining := e.pending.Size(); remaining > 0; remaining-- {
		ent, ok := e.pending.Peek()
		if !ok {
			return
		}
		t := ent.trial
		if !ent.queued || (t.Status != model.TrialPending && t.Status != model.TrialPaused) {
			// Stopped or otherwise settled while waiting.
			e.pending.Pop()
			ent.queued = false
			continue
		}
		if !e.pool.HasResources(t.Resources) {
			return
		}
		e.pending.Pop()
		ent.queued = false
		if err := e.launchLocked(ctx, ent); err != nil {
			log.L().Warn("queued trial failed to start",
				zap.String("trial-id", string(t.ID)), zap.Error(err))
		}
	}
}
