package core

// scheduler.go is the indexing task pipeline: a bounded prefetch window
// feeding a strictly serial executor, coordinated with the reorg watchdog
// via the chainReorged flag and stopAllTasks(). The fetch/verify/import
// loop shape follows the sync manager this file replaces; the body is
// rewritten around IndexingTask's state machine instead of a peer
// replicator.

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TaskState is an IndexingTask's position in its state machine.
type TaskState int

const (
	TaskCreated TaskState = iota
	TaskPrefetching
	TaskReady
	TaskExecuting
	TaskDone
	TaskCancelled
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskCreated:
		return "Created"
	case TaskPrefetching:
		return "Prefetching"
	case TaskReady:
		return "Ready"
	case TaskExecuting:
		return "Executing"
	case TaskDone:
		return "Done"
	case TaskCancelled:
		return "Cancelled"
	case TaskFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// IndexingTask carries one block height through prefetch and execution.
type IndexingTask struct {
	Height uint64

	mu    sync.Mutex
	state TaskState
	raw   *RawBlock
	txs   []*Transaction
	err   error

	// TraceID correlates this task's prefetch and execute log lines across
	// goroutines; it carries no on-chain meaning.
	TraceID string
}

func newIndexingTask(height uint64) *IndexingTask {
	return &IndexingTask{Height: height, state: TaskCreated, TraceID: uuid.NewString()}
}

func (t *IndexingTask) setState(s TaskState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *IndexingTask) getState() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SchedulerConfig bounds the prefetch pipeline.
type SchedulerConfig struct {
	PrefetchDepth int
}

// Scheduler is the sole writer into the store's block-commit path: it
// prefetches up to PrefetchDepth blocks concurrently, executes exactly one
// at a time, and defers to the reorg watchdog for any rollback.
type Scheduler struct {
	cfg    SchedulerConfig
	rpc    BitcoinRPC
	parser *TxParser
	store  *Store
	logger *logrus.Logger

	mu                sync.Mutex
	pendingBlockHeight uint64
	nextBestTip        uint64
	taskInProgress     bool
	chainReorged       bool
	tasks              map[uint64]*IndexingTask
	quit               chan struct{}

	onBlockProcessed func(height uint64)
}

// NewScheduler wires a scheduler to its RPC source, parser, and store,
// starting from the store's current tip.
func NewScheduler(cfg SchedulerConfig, rpc BitcoinRPC, parser *TxParser, store *Store, logger *logrus.Logger) *Scheduler {
	if cfg.PrefetchDepth <= 0 {
		cfg.PrefetchDepth = 8
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	var tip uint64
	if hdr, ok := store.getLatestBlock(); ok {
		tip = hdr.Height
	}
	return &Scheduler{
		cfg:                cfg,
		rpc:                rpc,
		parser:             parser,
		store:              store,
		logger:             logger,
		pendingBlockHeight: tip,
		nextBestTip:        tip,
		tasks:              make(map[uint64]*IndexingTask),
		quit:               make(chan struct{}),
	}
}

// OnBlockProcessed registers a callback invoked after a task commits
// successfully — the PoA/plugin bus notification spec.md §4.6 describes.
func (s *Scheduler) OnBlockProcessed(fn func(height uint64)) {
	s.mu.Lock()
	s.onBlockProcessed = fn
	s.mu.Unlock()
}

// Recover runs startup crash recovery: kill pending writes, then revert any
// half-committed height so the next task starts from clean state.
func (s *Scheduler) Recover() {
	s.store.killAllPendingWrites()
	if hdr, ok := s.store.getLatestBlock(); ok {
		_ = s.store.revertUntil(hdr.Height + 1)
	}
}

// onBlockChange pushes the target tip forward and creates as many tasks as
// fit in the prefetch window.
func (s *Scheduler) onBlockChange(tip uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tip > s.nextBestTip {
		s.nextBestTip = tip
	}
	s.fillPrefetchWindowLocked()
}

func (s *Scheduler) fillPrefetchWindowLocked() {
	inFlight := 0
	for _, t := range s.tasks {
		switch t.getState() {
		case TaskPrefetching, TaskReady, TaskExecuting:
			inFlight++
		}
	}
	next := s.pendingBlockHeight + 1
	for h := next; inFlight < s.cfg.PrefetchDepth && h <= s.nextBestTip; h++ {
		if _, exists := s.tasks[h]; exists {
			continue
		}
		task := newIndexingTask(h)
		s.tasks[h] = task
		inFlight++
		go s.prefetch(task)
	}
}

// prefetch runs RPC fetch + parse for one task, task-local and
// concurrency-safe: it only reads from Bitcoin RPC and writes to the
// task's own memory.
func (s *Scheduler) prefetch(task *IndexingTask) {
	task.setState(TaskPrefetching)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	raw, err := s.rpc.GetBlockByHeight(ctx, task.Height)
	if err != nil {
		task.mu.Lock()
		task.err = err
		task.mu.Unlock()
		task.setState(TaskFailed)
		return
	}

	txs := make([]*Transaction, 0, len(raw.RawTxs))
	for _, rawTx := range raw.RawTxs {
		tx, err := s.parser.Parse(rawTx)
		if err != nil {
			task.mu.Lock()
			task.err = err
			task.mu.Unlock()
			task.setState(TaskFailed)
			return
		}
		txs = append(txs, tx)
	}

	task.mu.Lock()
	task.raw = raw
	task.txs = txs
	task.mu.Unlock()
	task.setState(TaskReady)
}

// process drains one Ready task and executes it. Re-entering process()
// while a task is already executing is a fatal corruption signal.
func (s *Scheduler) process(execute func(*IndexingTask) error) error {
	s.mu.Lock()
	if s.taskInProgress {
		s.mu.Unlock()
		return ErrTaskInProgress
	}
	if s.chainReorged {
		s.mu.Unlock()
		return nil // yield to the in-flight reorg
	}
	next := s.pendingBlockHeight + 1
	task, ok := s.tasks[next]
	if !ok || task.getState() != TaskReady {
		s.mu.Unlock()
		return nil // nothing ready yet
	}
	s.taskInProgress = true
	s.mu.Unlock()

	task.setState(TaskExecuting)
	err := execute(task)

	s.mu.Lock()
	s.taskInProgress = false
	if err != nil {
		task.setState(TaskFailed)
		delete(s.tasks, task.Height)
		s.mu.Unlock()
		s.logger.WithField("trace", task.TraceID).WithError(err).Warn("indexing task execution failed")
		return s.handleProcessFailure(task.Height, err)
	}
	task.setState(TaskDone)
	s.pendingBlockHeight = task.Height
	delete(s.tasks, task.Height)
	cb := s.onBlockProcessed
	s.mu.Unlock()

	s.fillPrefetchWindowLocked2()
	if cb != nil {
		cb(task.Height)
	}
	return nil
}

func (s *Scheduler) fillPrefetchWindowLocked2() {
	s.mu.Lock()
	s.fillPrefetchWindowLocked()
	s.mu.Unlock()
}

// handleProcessFailure stops all tasks, reverts the store by one block, and
// resets nextBestTip to the last committed height. It creates no new tasks:
// prefetching resumes only when onBlockChange next raises the tip. If a
// reorg is simultaneously in flight this exits cleanly without
// double-reverting.
func (s *Scheduler) handleProcessFailure(failedHeight uint64, cause error) error {
	s.mu.Lock()
	if s.chainReorged {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.cancelAll(false)
	if err := s.store.revertUntil(failedHeight); err != nil {
		return WrapError(ErrCorruption, "RevertAfterFailureFailed", "revert store after processing failure", err)
	}

	s.mu.Lock()
	s.pendingBlockHeight = failedHeight - 1
	s.nextBestTip = s.pendingBlockHeight
	s.mu.Unlock()

	s.logger.WithError(cause).WithField("height", failedHeight).Warn("indexing task failed, reverted and restarting")
	return cause
}

// cancelAll drops prefetch work for every tracked task. If reorged, this
// yields to the watchdog's revertUntil before the next task starts.
func (s *Scheduler) cancelAll(reorged bool) {
	s.mu.Lock()
	for h, t := range s.tasks {
		t.setState(TaskCancelled)
		delete(s.tasks, h)
	}
	if reorged {
		s.chainReorged = true
	}
	s.mu.Unlock()
}

// stopAllTasks quiesces the pipeline for the reorg watchdog: it blocks
// until no task is executing, then cancels every prefetch task.
func (s *Scheduler) stopAllTasks() {
	for {
		s.mu.Lock()
		inProgress := s.taskInProgress
		s.mu.Unlock()
		if !inProgress {
			break
		}
		time.Sleep(time.Millisecond)
	}
	s.cancelAll(true)
}

// applyReorg runs the scheduler side of a reorg watchdog signal: stop all
// tasks, kill pending writes, revert to fromHeight+1, reset the tip
// tracker, and restart the pipeline.
func (s *Scheduler) applyReorg(fromHeight uint64) error {
	s.stopAllTasks()
	s.store.killAllPendingWrites()
	if err := s.store.revertUntil(fromHeight + 1); err != nil {
		return err
	}

	s.mu.Lock()
	s.pendingBlockHeight = fromHeight
	s.nextBestTip = fromHeight
	s.chainReorged = false
	s.mu.Unlock()

	s.onBlockChange(fromHeight)
	return nil
}

// Status reports the pipeline's current position for CLI/RPC use.
func (s *Scheduler) Status() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"pendingBlockHeight": s.pendingBlockHeight,
		"nextBestTip":        s.nextBestTip,
		"taskInProgress":     s.taskInProgress,
		"chainReorged":       s.chainReorged,
		"tasksInFlight":      len(s.tasks),
	}
}

// Run drives process() on a tight loop until ctx is cancelled, the shape
// the prior sync loop used for its fetch/verify/import cycle.
func (s *Scheduler) Run(ctx context.Context, execute func(*IndexingTask) error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		case <-ticker.C:
			if err := s.process(execute); err != nil && !IsKind(err, ErrInvariant) {
				s.logger.WithError(err).Warn("scheduler process error")
			}
		}
	}
}

// Stop terminates the scheduler's run loop.
func (s *Scheduler) Stop() { close(s.quit) }
