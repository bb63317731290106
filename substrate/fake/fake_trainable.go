// Package fake provides trainables for tests and demos.
package fake

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/hanfei1991/tuneflow/model"
	"github.com/hanfei1991/tuneflow/substrate"
)

// Config controls a fake trainable's behavior.
type Config struct {
	// Steps is the number of iterations until the trainable reports
	// done. Zero means it runs until halted.
	Steps int
	// FailAt makes Step return an error on the given (1-based) iteration.
	// Zero disables failure injection.
	FailAt int
}

type state struct {
	Count int `json:"count"`
}

// trainable counts steps and can save/restore its counter, like a real
// training loop with checkpointing but no in-place reset.
type trainable struct {
	mu     sync.Mutex
	cfg    Config
	config model.TrialConfig
	state  state
}

func (t *trainable) Step(ctx context.Context) (model.Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Count++
	if t.cfg.FailAt > 0 && t.state.Count == t.cfg.FailAt {
		return nil, errors.New("injected step failure")
	}
	res := model.Result{"count": t.state.Count}
	if t.cfg.Steps > 0 && t.state.Count >= t.cfg.Steps {
		res["done"] = true
	}
	return res, nil
}

func (t *trainable) Close() {}

func (t *trainable) SaveState() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return json.Marshal(t.state)
}

func (t *trainable) RestoreState(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return json.Unmarshal(payload, &t.state)
}

// resettableTrainable additionally supports in-place reconfiguration.
type resettableTrainable struct {
	trainable
}

func (t *resettableTrainable) ResetConfig(config model.TrialConfig) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.config = config
	return true
}

// bareTrainable supports neither checkpointing nor reset.
type bareTrainable struct {
	inner trainable
}

func (t *bareTrainable) Step(ctx context.Context) (model.Result, error) {
	return t.inner.Step(ctx)
}

func (t *bareTrainable) Close() {}

// NewFactory returns a factory for a checkpointable trainable without
// in-place reset support.
func NewFactory(cfg Config) substrate.TrainableFactory {
	return func(config model.TrialConfig) (substrate.Trainable, error) {
		return &trainable{cfg: cfg, config: config}, nil
	}
}

// NewResettableFactory returns a factory for a trainable that supports
// both checkpointing and in-place reset.
func NewResettableFactory(cfg Config) substrate.TrainableFactory {
	return func(config model.TrialConfig) (substrate.Trainable, error) {
		tr := &resettableTrainable{}
		tr.cfg = cfg
		tr.config = config
		return tr, nil
	}
}

// NewBareFactory returns a factory for a trainable with no optional
// capabilities at all.
func NewBareFactory(cfg Config) substrate.TrainableFactory {
	return func(config model.TrialConfig) (substrate.Trainable, error) {
		tr := &bareTrainable{}
		tr.inner.cfg = cfg
		tr.inner.config = config
		return tr, nil
	}
}

// NewBrokenFactory returns a factory that always fails to build its
// trainable, for exercising launch failures.
func NewBrokenFactory(msg string) substrate.TrainableFactory {
	return func(config model.TrialConfig) (substrate.Trainable, error) {
		return nil, errors.New(msg)
	}
}
