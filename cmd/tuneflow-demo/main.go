// tuneflow-demo runs a handful of fake trials through the scheduler on an
// in-process substrate, exercising start, pause, resume and stop.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hanfei1991/tuneflow/checkpoint"
	"github.com/hanfei1991/tuneflow/executor"
	"github.com/hanfei1991/tuneflow/executor/pool"
	"github.com/hanfei1991/tuneflow/executor/registry"
	"github.com/hanfei1991/tuneflow/model"
	"github.com/hanfei1991/tuneflow/pkg/clock"
	derror "github.com/hanfei1991/tuneflow/pkg/errors"
	"github.com/hanfei1991/tuneflow/substrate/fake"
	"github.com/hanfei1991/tuneflow/substrate/local"
)

const demoTrainable = "demo-counter"

func main() {
	cfg := NewConfig()
	if err := cfg.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		log.L().Error("demo failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *Config) error {
	logger, props, err := log.InitLogger(&log.Config{Level: cfg.LogLevel})
	if err != nil {
		return err
	}
	log.ReplaceGlobals(logger, props)

	refreshPeriod, err := cfg.refreshPeriod()
	if err != nil {
		return err
	}

	store := checkpoint.NewLocalStore(cfg.CheckpointDir)
	sub := local.New(store)
	for _, node := range cfg.Nodes {
		sub.AddNode(model.NodeID(node.ID),
			model.NewResources(model.RescUnit(node.CPU), model.RescUnit(node.GPU)))
	}

	reg := registry.NewRegistry()
	if err := reg.Register(demoTrainable, fake.NewResettableFactory(fake.Config{Steps: 5})); err != nil {
		return err
	}

	exec := executor.NewTrialExecutor(
		executor.Config{
			QueueTrials:   cfg.QueueTrials,
			RefreshPeriod: refreshPeriod,
		},
		reg, sub, sub, pool.New(), clock.New(),
	)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	trials := make([]*model.Trial, 0, cfg.Trials)
	for i := 0; i < cfg.Trials; i++ {
		trials = append(trials, model.NewTrial(
			demoTrainable,
			model.TrialConfig{"index": i},
			model.NewResources(1, 0),
		))
	}

	errg, ctx := errgroup.WithContext(ctx)
	tickCtx, stopTicking := context.WithCancel(ctx)
	errg.Go(func() error {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-tickCtx.Done():
				return nil
			case <-ticker.C:
				if err := exec.Tick(ctx); err != nil {
					return err
				}
			}
		}
	})

	errg.Go(func() error {
		defer stopTicking()
		return driveTrials(ctx, exec, trials)
	})

	if err := errg.Wait(); err != nil {
		return err
	}

	for _, t := range trials {
		log.L().Info("trial summary",
			zap.String("trial-id", string(t.ID)),
			zap.String("status", t.Status.String()))
	}
	return nil
}

// driveTrials plays one scripted pass over the trials: start everything,
// pause and resume the first trial, consume a few results, then stop all.
func driveTrials(ctx context.Context, exec *executor.TrialExecutor, trials []*model.Trial) error {
	// Pace submissions so queueing behavior is visible in the log.
	rl := rate.NewLimiter(rate.Every(50*time.Millisecond), 1)
	for _, t := range trials {
		if err := rl.Wait(ctx); err != nil {
			return err
		}
		if err := exec.StartTrial(ctx, t); err != nil {
			return err
		}
	}

	if running := exec.GetRunningTrials(); len(running) > 0 {
		first := running[0]
		res, err := exec.FetchResult(ctx, first)
		if err != nil && !derror.ErrTrialFinished.Equal(err) {
			return err
		}
		log.L().Info("first result", zap.Any("result", res))

		// The trial may settle on its own before the pause lands; that is
		// not a demo failure.
		if err := exec.PauseTrial(ctx, first); err == nil {
			if err := exec.StartTrial(ctx, first); err != nil {
				return err
			}
		} else if !derror.ErrTrialConflict.Equal(err) {
			return err
		}
	}

	// Let the remaining work finish, then stop whatever is left. Trials
	// that already settled reject the stop; that is fine here.
	time.Sleep(200 * time.Millisecond)
	for _, t := range trials {
		if err := exec.StopTrial(ctx, t); err != nil && !derror.ErrTrialConflict.Equal(err) {
			return err
		}
	}
	return nil
}
