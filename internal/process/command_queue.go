// Package process serializes orchestrator invocations per channel. Each
// channel owns a lane; lanes run independently and a lane runs one task at a
// time unless configured otherwise.
package process

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// CommandLane names an execution lane, normally a channel id.
type CommandLane string

// LaneMain is used when no lane is given.
const LaneMain CommandLane = "main"

// DefaultWarnAfterMs is the default threshold for warning about long wait times.
const DefaultWarnAfterMs = 2000

// ChannelLane returns the lane for a channel.
func ChannelLane(channelID string) CommandLane {
	if channelID == "" {
		return LaneMain
	}
	return CommandLane(channelID)
}

// QueueEntry represents a task waiting to be executed in a command queue.
type QueueEntry struct {
	// Task is the function to execute.
	Task func(ctx context.Context) (any, error)
	// EnqueuedAt is the timestamp when this entry was added to the queue.
	EnqueuedAt time.Time
	// WarnAfterMs is the threshold in milliseconds after which OnWait is called.
	WarnAfterMs int
	// OnWait is called when wait time exceeds WarnAfterMs.
	OnWait func(waitMs int, queuedAhead int)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan taskResult
}

type taskResult struct {
	value any
	err   error
}

type laneState struct {
	lane          CommandLane
	queue         []*QueueEntry
	running       map[*QueueEntry]struct{}
	maxConcurrent int
	mu            sync.Mutex
}

// EnqueueOptions configures how a task is enqueued.
type EnqueueOptions struct {
	// WarnAfterMs is the threshold in milliseconds for wait time warnings.
	WarnAfterMs int
	// OnWait is called when the task has been waiting longer than WarnAfterMs.
	OnWait func(waitMs int, queuedAhead int)
	// Context bounds both the wait and the task. Defaults to context.Background().
	Context context.Context
}

// CommandQueue manages lanes.
type CommandQueue struct {
	lanes map[CommandLane]*laneState
	mu    sync.RWMutex
}

// NewCommandQueue creates an empty CommandQueue.
func NewCommandQueue() *CommandQueue {
	return &CommandQueue{lanes: make(map[CommandLane]*laneState)}
}

func (cq *CommandQueue) ensureState(lane CommandLane) *laneState {
	if lane == "" {
		lane = LaneMain
	}
	cq.mu.RLock()
	state, exists := cq.lanes[lane]
	cq.mu.RUnlock()
	if exists {
		return state
	}

	cq.mu.Lock()
	defer cq.mu.Unlock()
	if state, exists = cq.lanes[lane]; exists {
		return state
	}
	state = &laneState{
		lane:          lane,
		running:       make(map[*QueueEntry]struct{}),
		maxConcurrent: 1,
	}
	cq.lanes[lane] = state
	return state
}

func (cq *CommandQueue) lookup(lane CommandLane) (*laneState, bool) {
	if lane == "" {
		lane = LaneMain
	}
	cq.mu.RLock()
	defer cq.mu.RUnlock()
	state, ok := cq.lanes[lane]
	return state, ok
}

// SetLaneConcurrency sets the maximum number of concurrent tasks for a lane.
// The value is clamped to a minimum of 1.
func (cq *CommandQueue) SetLaneConcurrency(lane CommandLane, maxConcurrent int) {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	state := cq.ensureState(lane)
	state.mu.Lock()
	state.maxConcurrent = maxConcurrent
	state.mu.Unlock()
	cq.pump(state)
}

// pump starts queued tasks while the lane has capacity.
func (cq *CommandQueue) pump(state *laneState) {
	for {
		state.mu.Lock()
		if len(state.running) >= state.maxConcurrent || len(state.queue) == 0 {
			state.mu.Unlock()
			return
		}
		entry := state.queue[0]
		state.queue = state.queue[1:]
		queuedAhead := len(state.queue)

		waitedMs := int(time.Since(entry.EnqueuedAt).Milliseconds())
		if waitedMs >= entry.WarnAfterMs && entry.OnWait != nil {
			entry.OnWait(waitedMs, queuedAhead)
		}
		state.running[entry] = struct{}{}
		state.mu.Unlock()

		go cq.run(state, entry)
	}
}

func (cq *CommandQueue) run(state *laneState, e *QueueEntry) {
	var res taskResult
	if err := e.ctx.Err(); err != nil {
		res.err = err
	} else {
		res.value, res.err = e.Task(e.ctx)
	}

	state.mu.Lock()
	delete(state.running, e)
	state.mu.Unlock()

	e.done <- res
	cq.pump(state)
}

// EnqueueInLane adds a task to lane and blocks until it has run. Cancelling
// opts.Context, or calling Cancel for the lane, cancels the task's context
// and releases the waiter.
func EnqueueInLane[T any](cq *CommandQueue, lane CommandLane, task func(ctx context.Context) (T, error), opts *EnqueueOptions) (T, error) {
	warnAfterMs := DefaultWarnAfterMs
	var onWait func(int, int)
	parent := context.Background()
	if opts != nil {
		if opts.WarnAfterMs > 0 {
			warnAfterMs = opts.WarnAfterMs
		}
		onWait = opts.OnWait
		if opts.Context != nil {
			parent = opts.Context
		}
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	entry := &QueueEntry{
		Task: func(taskCtx context.Context) (any, error) {
			return task(taskCtx)
		},
		EnqueuedAt:  time.Now(),
		WarnAfterMs: warnAfterMs,
		OnWait:      onWait,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan taskResult, 1),
	}

	state := cq.ensureState(lane)
	state.mu.Lock()
	state.queue = append(state.queue, entry)
	state.mu.Unlock()
	cq.pump(state)

	select {
	case res := <-entry.done:
		return typedResult[T](res)
	case <-ctx.Done():
		// A task that finished as the context ended still reports its result.
		select {
		case res := <-entry.done:
			return typedResult[T](res)
		default:
		}
		cq.remove(state, entry)
		var zero T
		return zero, ctx.Err()
	}
}

func typedResult[T any](res taskResult) (T, error) {
	var zero T
	if res.err != nil {
		return zero, res.err
	}
	if res.value == nil {
		return zero, nil
	}
	typed, ok := res.value.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected task result type %T", res.value)
	}
	return typed, nil
}

// remove drops a still-queued entry.
func (cq *CommandQueue) remove(state *laneState, entry *QueueEntry) {
	state.mu.Lock()
	defer state.mu.Unlock()
	for i, e := range state.queue {
		if e == entry {
			state.queue = append(state.queue[:i], state.queue[i+1:]...)
			return
		}
	}
}

// Enqueue adds a task to the main lane and returns the result.
func Enqueue[T any](cq *CommandQueue, task func(ctx context.Context) (T, error), opts *EnqueueOptions) (T, error) {
	return EnqueueInLane(cq, LaneMain, task, opts)
}

// Cancel cancels the running task of a lane and discards its queued tasks.
// It returns how many tasks were affected.
func (cq *CommandQueue) Cancel(lane CommandLane) int {
	state, ok := cq.lookup(lane)
	if !ok {
		return 0
	}
	state.mu.Lock()
	entries := append([]*QueueEntry(nil), state.queue...)
	state.queue = nil
	for e := range state.running {
		entries = append(entries, e)
	}
	state.mu.Unlock()

	for _, e := range entries {
		e.cancel()
	}
	return len(entries)
}

// ClearLane removes all queued (but not running) tasks from a lane.
// Returns the number of tasks removed.
func (cq *CommandQueue) ClearLane(lane CommandLane) int {
	state, ok := cq.lookup(lane)
	if !ok {
		return 0
	}
	state.mu.Lock()
	removed := state.queue
	state.queue = nil
	state.mu.Unlock()
	for _, e := range removed {
		e.cancel()
	}
	return len(removed)
}

// LaneStats describes one lane.
type LaneStats struct {
	Lane          CommandLane
	Pending       int
	Active        int
	MaxConcurrent int
}

// GetLaneStats returns statistics for a specific lane.
func (cq *CommandQueue) GetLaneStats(lane CommandLane) LaneStats {
	if lane == "" {
		lane = LaneMain
	}
	state, ok := cq.lookup(lane)
	if !ok {
		return LaneStats{Lane: lane, MaxConcurrent: 1}
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return LaneStats{
		Lane:          lane,
		Pending:       len(state.queue),
		Active:        len(state.running),
		MaxConcurrent: state.maxConcurrent,
	}
}

// GetAllLaneStats returns statistics for lanes with pending or active work,
// sorted by lane.
func (cq *CommandQueue) GetAllLaneStats() []LaneStats {
	cq.mu.RLock()
	defer cq.mu.RUnlock()

	stats := make([]LaneStats, 0, len(cq.lanes))
	for _, state := range cq.lanes {
		state.mu.Lock()
		s := LaneStats{
			Lane:          state.lane,
			Pending:       len(state.queue),
			Active:        len(state.running),
			MaxConcurrent: state.maxConcurrent,
		}
		state.mu.Unlock()
		if s.Pending > 0 || s.Active > 0 {
			stats = append(stats, s)
		}
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Lane < stats[j].Lane })
	return stats
}

// Busy reports whether a lane has a running task.
func (cq *CommandQueue) Busy(lane CommandLane) bool {
	return cq.GetLaneStats(lane).Active > 0
}
