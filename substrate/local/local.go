// Package local provides an in-process execution substrate. Each unit of
// work runs on its own goroutine "hosted" by a named node, so node loss
// and remote failures can be exercised without a real cluster.
package local

import (
	"context"
	"fmt"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hanfei1991/tuneflow/checkpoint"
	"github.com/hanfei1991/tuneflow/model"
	"github.com/hanfei1991/tuneflow/pkg/autoid"
	derror "github.com/hanfei1991/tuneflow/pkg/errors"
	"github.com/hanfei1991/tuneflow/substrate"
)

const resultBufferSize = 16

var (
	_ substrate.Proxy       = (*Substrate)(nil)
	_ substrate.ClusterView = (*Substrate)(nil)
)

// Substrate hosts units of work in process.
type Substrate struct {
	mu     sync.Mutex
	nodes  map[model.NodeID]model.Resources
	byNode map[model.NodeID]map[string]*work

	store checkpoint.Store
	ids   *autoid.SeqAllocator
}

func New(store checkpoint.Store) *Substrate {
	return &Substrate{
		nodes:  make(map[model.NodeID]model.Resources),
		byNode: make(map[model.NodeID]map[string]*work),
		store:  store,
		ids:    autoid.NewSeqAllocator(),
	}
}

// AddNode adds a node to the cluster, or updates its capacity if it is
// already known.
func (s *Substrate) AddNode(id model.NodeID, capacity model.Resources) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[id] = capacity.Clone()
	if _, ok := s.byNode[id]; !ok {
		s.byNode[id] = make(map[string]*work)
	}
	log.L().Info("node joined local substrate",
		zap.String("node-id", string(id)), zap.Any("capacity", capacity))
}

// RemoveNode removes a node. Work hosted on the node is lost and settles
// with a worker-lost failure.
func (s *Substrate) RemoveNode(id model.NodeID) {
	s.mu.Lock()
	victims := s.byNode[id]
	delete(s.nodes, id)
	delete(s.byNode, id)
	s.mu.Unlock()

	for _, w := range victims {
		w.kill(derror.ErrRemoteWorkerLost.GenWithStackByArgs())
	}
	log.L().Info("node left local substrate",
		zap.String("node-id", string(id)), zap.Int("lost-works", len(victims)))
}

// Nodes implements substrate.ClusterView.
func (s *Substrate) Nodes() []model.NodeInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]model.NodeInfo, 0, len(s.nodes))
	for id, capacity := range s.nodes {
		ret = append(ret, model.NodeInfo{ID: id, Capacity: capacity.Clone()})
	}
	return ret
}

// Launch implements substrate.Proxy.
func (s *Substrate) Launch(ctx context.Context, spec substrate.WorkSpec) (substrate.Handle, error) {
	s.mu.Lock()
	_, ok := s.nodes[spec.Node]
	s.mu.Unlock()
	if !ok {
		return nil, derror.ErrUnknownNode.GenWithStackByArgs(spec.Node)
	}

	tr, err := spec.Factory(spec.Config)
	if err != nil {
		return nil, errors.Trace(err)
	}

	caps := substrate.DetectCapabilities(tr)
	if spec.Restore != nil {
		if !caps.Checkpoint {
			tr.Close()
			return nil, derror.ErrRestoreFailed.GenWithStackByArgs(spec.TrialID)
		}
		payload, err := s.store.Get(ctx, *spec.Restore)
		if err != nil {
			tr.Close()
			return nil, errors.Trace(err)
		}
		if err := tr.(substrate.Checkpointable).RestoreState(payload); err != nil {
			tr.Close()
			return nil, derror.WrapError(derror.ErrRestoreFailed, err, spec.TrialID)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	w := &work{
		id:      fmt.Sprintf("work-%d", s.ids.AllocID()),
		node:    spec.Node,
		caps:    caps,
		tr:      tr,
		results: make(chan model.Result, resultBufferSize),
		haltCh:  make(chan struct{}),
		killCh:  make(chan error, 1),
		cancel:  cancel,
	}

	s.mu.Lock()
	hosted, ok := s.byNode[spec.Node]
	if !ok {
		// The node left between the check above and now.
		s.mu.Unlock()
		cancel()
		tr.Close()
		return nil, derror.ErrUnknownNode.GenWithStackByArgs(spec.Node)
	}
	hosted[w.id] = w
	s.mu.Unlock()

	go func() {
		w.run(runCtx)
		s.forget(w)
	}()

	log.L().Info("work launched",
		zap.String("work-id", w.id),
		zap.String("trial-id", string(spec.TrialID)),
		zap.String("node-id", string(spec.Node)))
	return w, nil
}

// Checkpoint implements substrate.Proxy. The snapshot is taken in between
// steps, so it is always consistent with the trainable's own view.
func (s *Substrate) Checkpoint(
	ctx context.Context, h substrate.Handle, target checkpoint.Target,
) (checkpoint.Ref, error) {
	w := h.(*work)
	if !w.caps.Checkpoint {
		return checkpoint.Ref{}, derror.ErrCheckpointFailed.GenWithStackByArgs(w.id)
	}

	w.stepMu.Lock()
	payload, err := w.tr.(substrate.Checkpointable).SaveState()
	w.stepMu.Unlock()
	if err != nil {
		return checkpoint.Ref{}, derror.WrapError(derror.ErrCheckpointFailed, err, w.id)
	}

	ref, err := s.store.Put(ctx, payload, target)
	if err != nil {
		return checkpoint.Ref{}, errors.Trace(err)
	}
	return ref, nil
}

// Restore implements substrate.Proxy.
func (s *Substrate) Restore(ctx context.Context, h substrate.Handle, ref checkpoint.Ref) error {
	w := h.(*work)
	if !w.caps.Checkpoint {
		return derror.ErrRestoreFailed.GenWithStackByArgs(w.id)
	}

	payload, err := s.store.Get(ctx, ref)
	if err != nil {
		return errors.Trace(err)
	}

	w.stepMu.Lock()
	err = w.tr.(substrate.Checkpointable).RestoreState(payload)
	w.stepMu.Unlock()
	return derror.WrapError(derror.ErrRestoreFailed, err, w.id)
}

// Reset implements substrate.Proxy.
func (s *Substrate) Reset(ctx context.Context, h substrate.Handle, config model.TrialConfig) (bool, error) {
	w := h.(*work)
	if !w.caps.InPlaceReset {
		return false, nil
	}

	w.stepMu.Lock()
	ok := w.tr.(substrate.Resettable).ResetConfig(config)
	w.stepMu.Unlock()
	return ok, nil
}

// Halt implements substrate.Proxy.
func (s *Substrate) Halt(h substrate.Handle) {
	h.(*work).halt()
}

// Poll implements substrate.Proxy.
func (s *Substrate) Poll(h substrate.Handle) substrate.PollResponse {
	w := h.(*work)
	select {
	case res, ok := <-w.results:
		if !ok {
			if err := w.Err(); err != nil {
				return substrate.PollResponse{State: substrate.PollFailed, Err: err}
			}
			return substrate.PollResponse{State: substrate.PollDone}
		}
		return substrate.PollResponse{State: substrate.PollReady, Result: res}
	default:
		return substrate.PollResponse{State: substrate.PollPending}
	}
}

func (s *Substrate) forget(w *work) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hosted, ok := s.byNode[w.node]; ok {
		delete(hosted, w.id)
	}
}

// work is one hosted unit of work. Its run loop is the only goroutine
// that closes the results channel, so the terminal error is always
// published before readers observe the close.
type work struct {
	id   string
	node model.NodeID
	caps substrate.Capabilities
	tr   substrate.Trainable

	// stepMu serializes Step against checkpoint/restore/reset, which all
	// touch the trainable's state.
	stepMu sync.Mutex

	results chan model.Result
	haltCh  chan struct{}
	killCh  chan error
	cancel  context.CancelFunc

	haltOnce sync.Once
	err      error
}

func (w *work) ID() string { return w.id }

func (w *work) Node() model.NodeID { return w.node }

func (w *work) Capabilities() substrate.Capabilities { return w.caps }

func (w *work) Results() <-chan model.Result { return w.results }

func (w *work) Err() error { return w.err }

func (w *work) halt() {
	w.haltOnce.Do(func() {
		close(w.haltCh)
		w.cancel()
	})
}

func (w *work) kill(err error) {
	select {
	case w.killCh <- err:
	default:
	}
	w.cancel()
}

func (w *work) run(ctx context.Context) {
	defer w.tr.Close()
	for {
		select {
		case <-w.haltCh:
			w.settle(nil)
			return
		case err := <-w.killCh:
			w.settle(err)
			return
		default:
		}

		w.stepMu.Lock()
		res, err := w.tr.Step(ctx)
		w.stepMu.Unlock()

		if err != nil {
			select {
			case <-w.haltCh:
				// The step was interrupted by a halt, not a real failure.
				w.settle(nil)
			case killErr := <-w.killCh:
				// Node loss wins over the step error it caused.
				w.settle(killErr)
			default:
				w.settle(derror.WrapError(derror.ErrRemoteTaskFailed, err))
			}
			return
		}

		select {
		case w.results <- res:
		case <-w.haltCh:
			w.settle(nil)
			return
		case err := <-w.killCh:
			w.settle(err)
			return
		}

		if res.Done() {
			w.settle(nil)
			return
		}
	}
}

// settle publishes the terminal error and closes the results channel.
// Only called from the run goroutine.
func (w *work) settle(err error) {
	w.err = err
	close(w.results)
	if err != nil {
		log.L().Info("work settled with failure",
			zap.String("work-id", w.id), zap.Error(err))
	}
}
