package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/nanopub-net/nanoreg/internal/config"
	"github.com/nanopub-net/nanoreg/internal/metrics"
	"github.com/nanopub-net/nanoreg/internal/retriever"
	"github.com/nanopub-net/nanoreg/internal/storage"
	"github.com/sirupsen/logrus"
)

// Task actions, one per crawl step. Strictly sequential: the engine executes
// one task to completion at a time, each computing its successor(s).
const (
	ActionInitDb               = "init-db"
	ActionLoadConfig           = "load-config"
	ActionLoadSetting          = "load-setting"
	ActionLoadDeclarations     = "load-declarations"
	ActionExpandTrustPaths     = "expand-trust-paths"
	ActionLoadCore             = "load-core"
	ActionFinishIteration      = "finish-iteration"
	ActionCalculateTrustScores = "calculate-trust-scores"
	ActionAggregateAgents      = "aggregate-agents"
	ActionLoadingDone          = "loading-done"
	ActionUpdate               = "update"
)

// decayFactor is the fixed per-hop trust decay applied when a path is
// extended across an account's outgoing edges.
const decayFactor = 0.9

// Engine drives the crawl/scoring state machine off the durable task queue.
// It is single-threaded: no two steps ever run concurrently, and
// any step error halts the loop with server status "hanging".
type Engine struct {
	storage   *storage.Storage
	retriever *retriever.Retriever
	cfg       *config.Config
	tracker   *metrics.Tracker
	coverage  *Coverage

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEngine wires the crawl engine onto an explicitly constructed store and
// retriever. There is no global handle state; everything is injected here.
func NewEngine(store *storage.Storage, retr *retriever.Retriever, cfg *config.Config, tracker *metrics.Tracker) *Engine {
	return &Engine{
		storage:   store,
		retriever: retr,
		cfg:       cfg,
		tracker:   tracker,
		coverage:  NewCoverage(cfg.CoverageTypes, cfg.CoverageAgents),
		stopChan:  make(chan struct{}),
	}
}

// Bootstrap seeds the task queue on first boot. If tasks are already pending
// the engine simply resumes from the earliest one; durability of the queue is
// what makes the whole crawl resumable after a crash.
func (e *Engine) Bootstrap() error {
	count, err := e.storage.TaskCount()
	if err != nil {
		return err
	}
	if count > 0 {
		logrus.Infof("Resuming: %d pending task(s) in the queue", count)
		return nil
	}

	setupID, err := e.storage.GetInfo(storage.InfoSetupID)
	if err != nil {
		return err
	}
	if setupID != "" {
		// A previous run completed its crawl and left nothing queued; the
		// next full recrawl starts from Update
		logrus.Info("Queue empty with existing setup, scheduling update")
		return e.storage.EnqueueTask(&storage.Task{NotBefore: time.Now(), Action: ActionUpdate})
	}

	logrus.Info("First boot, scheduling initialization")
	return e.storage.EnqueueTask(&storage.Task{NotBefore: time.Now(), Action: ActionInitDb})
}

// Start launches the engine loop
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.run()
}

// run polls the durable queue and executes tasks until stopped or hung.
func (e *Engine) run() {
	defer e.wg.Done()

	logrus.Info("Engine loop started")
	pollInterval := time.Duration(e.cfg.TaskPollIntervalMs) * time.Millisecond

	for {
		select {
		case <-e.stopChan:
			logrus.Info("Engine loop received stop signal")
			return
		default:
		}

		task, err := e.storage.NextDueTask(time.Now())
		if err != nil {
			e.hang(fmt.Errorf("task poll failed: %w", err))
			return
		}
		if task == nil {
			// Nothing due; short idle backoff
			select {
			case <-e.stopChan:
				return
			case <-time.After(pollInterval):
			}
			continue
		}

		logrus.Debugf("Executing task %d: %s (depth=%d, loadCount=%d)", task.ID, task.Action, task.Depth, task.LoadCount)

		successors, err := e.execute(task)
		if err != nil {
			e.hang(fmt.Errorf("task %s failed: %w", task.Action, err))
			return
		}

		// The handoff is one transaction: a crash before it commits re-runs
		// the current step, which every step tolerates by being idempotent
		if err := e.storage.CompleteAndEnqueue(task.ID, successors); err != nil {
			e.hang(fmt.Errorf("failed to hand off task %s: %w", task.Action, err))
			return
		}

		if e.tracker != nil {
			e.tracker.IncrementTasksExecuted()
		}
	}
}

// execute dispatches one task to its step function. Steps are a closed set;
// an unknown action in the queue is an invariant violation.
func (e *Engine) execute(task *storage.Task) ([]*storage.Task, error) {
	switch task.Action {
	case ActionInitDb:
		return e.stepInitDb()
	case ActionLoadConfig:
		return e.stepLoadConfig()
	case ActionLoadSetting:
		return e.stepLoadSetting()
	case ActionLoadDeclarations:
		return e.stepLoadDeclarations(task.Depth)
	case ActionExpandTrustPaths:
		return e.stepExpandTrustPaths(task.Depth)
	case ActionLoadCore:
		return e.stepLoadCore(task.Depth, task.LoadCount)
	case ActionFinishIteration:
		return e.stepFinishIteration(task.Depth, task.LoadCount)
	case ActionCalculateTrustScores:
		return e.stepCalculateTrustScores()
	case ActionAggregateAgents:
		return e.stepAggregateAgents()
	case ActionLoadingDone:
		return e.stepLoadingDone()
	case ActionUpdate:
		return e.stepUpdate()
	}
	return nil, fmt.Errorf("unknown task action %q", task.Action)
}

// hang records a fatal engine error. Fail-stop: the task is not re-enqueued
// and no further tasks run until an operator restarts the process.
func (e *Engine) hang(err error) {
	logrus.Errorf("Engine halting: %v", err)
	if infoErr := e.storage.SetInfo(storage.InfoStatus, storage.StatusHanging); infoErr != nil {
		logrus.Errorf("Failed to record hanging status: %v", infoErr)
	}
}

// Stop signals the engine loop to exit after the in-flight task completes
// (safe to call multiple times). There is no cancellation of a running task.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		logrus.Info("Stopping engine...")
		close(e.stopChan)

		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			logrus.Info("Engine stopped")
		case <-time.After(30 * time.Second):
			logrus.Warn("Engine stop timeout (30s) - a task may still be running")
		}
	})
}

// after builds a successor task due immediately.
func after(action string, depth, loadCount int) *storage.Task {
	return &storage.Task{NotBefore: time.Now(), Action: action, Depth: depth, LoadCount: loadCount}
}
