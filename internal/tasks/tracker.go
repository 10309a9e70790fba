package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mfalcone/taskmux/internal/observability"
)

var ErrTaskNotFound = errors.New("task not found")

const mirrorTimeout = 2 * time.Second

type entry struct {
	chatID string
	cancel context.CancelFunc
	done   chan struct{}

	// cause is the work's terminal error. Written once by the run goroutine
	// before done is closed; read only after <-done.
	cause error
}

// Tracker owns the local task registry and chat group index, spawns tracked
// work, and coordinates with an optional Broker for fleet-wide visibility
// and cancellation. Construct one per process and inject it where task
// operations are needed.
type Tracker struct {
	mu     sync.RWMutex
	tasks  map[string]*entry
	byChat map[string]map[string]struct{}
	broker Broker

	subMu       sync.Mutex
	subscribers map[int]chan Event
	nextSubID   int

	logger  *zap.Logger
	metrics *observability.Metrics
}

func NewTracker(logger *zap.Logger, metrics *observability.Metrics) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		tasks:       make(map[string]*entry),
		byChat:      make(map[string]map[string]struct{}),
		subscribers: make(map[int]chan Event),
		logger:      logger,
		metrics:     metrics,
	}
}

// SetBroker installs or removes (nil) the shared broker. The distributed
// code paths check the broker on every call, so a broker appearing or
// disappearing mid-lifetime takes effect without a restart.
func (t *Tracker) SetBroker(b Broker) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.broker = b
}

func (t *Tracker) currentBroker() Broker {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.broker
}

// Distributed reports whether a shared broker is configured right now.
func (t *Tracker) Distributed() bool {
	return t.currentBroker() != nil
}

// Create spawns work as an independent goroutine and registers it under a
// fresh task id, grouped by chatID when non-empty. The local registry is
// updated before Create returns, so an immediate List or Stop sees the task.
// The broker mirror write is best-effort and never fails the creation.
func (t *Tracker) Create(ctx context.Context, work Work, chatID string) (string, error) {
	if work == nil {
		return "", errors.New("work is required")
	}
	chatID = strings.TrimSpace(chatID)
	taskID := uuid.NewString()

	runCtx, cancel := context.WithCancel(context.Background())
	e := &entry{
		chatID: chatID,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	t.mu.Lock()
	t.tasks[taskID] = e
	if chatID != "" {
		set, ok := t.byChat[chatID]
		if !ok {
			set = make(map[string]struct{})
			t.byChat[chatID] = set
		}
		set[taskID] = struct{}{}
	}
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.ActiveTasks.Inc()
		t.metrics.TaskEvents.WithLabelValues("created").Inc()
	}
	t.publish(Event{Type: EventTaskStarted, TaskID: taskID, ChatID: chatID, At: time.Now().UTC()})

	if b := t.currentBroker(); b != nil {
		mirrorCtx, cancelMirror := context.WithTimeout(ctx, mirrorTimeout)
		defer cancelMirror()
		if err := b.SaveTask(mirrorCtx, taskID, chatID); err != nil {
			t.logger.Warn("task mirror write failed",
				zap.String("task_id", taskID), zap.Error(err))
			if t.metrics != nil {
				t.metrics.MirrorFailures.Inc()
			}
		}
	}

	go t.run(taskID, e, runCtx, cancel, work)
	return taskID, nil
}

func (t *Tracker) run(taskID string, e *entry, ctx context.Context, cancel context.CancelFunc, work Work) {
	defer cancel()

	err := runWork(ctx, taskID, work)
	e.cause = err

	// Cleanup completes before done is observable, so a local Stop that
	// returns has the registries already settled.
	t.cleanup(taskID, e.chatID)
	close(e.done)

	now := time.Now().UTC()
	switch {
	case err == nil:
		if t.metrics != nil {
			t.metrics.TaskEvents.WithLabelValues("completed").Inc()
		}
		t.publish(Event{Type: EventTaskCompleted, TaskID: taskID, ChatID: e.chatID, At: now})
	case errors.Is(err, context.Canceled):
		if t.metrics != nil {
			t.metrics.TaskEvents.WithLabelValues("cancelled").Inc()
		}
		t.publish(Event{Type: EventTaskCancelled, TaskID: taskID, ChatID: e.chatID, At: now})
	default:
		if t.metrics != nil {
			t.metrics.TaskEvents.WithLabelValues("failed").Inc()
		}
		t.publish(Event{Type: EventTaskFailed, TaskID: taskID, ChatID: e.chatID, Detail: err.Error(), At: now})
	}
}

func runWork(ctx context.Context, taskID string, work Work) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return work(ctx, taskID)
}

// cleanup removes the task from the local registry and group index, pruning
// empty chat entries, then performs the symmetric broker removal. Safe to
// invoke more than once for the same id; errors are logged, never returned.
func (t *Tracker) cleanup(taskID, chatID string) {
	t.mu.Lock()
	_, existed := t.tasks[taskID]
	delete(t.tasks, taskID)
	if chatID != "" {
		if set, ok := t.byChat[chatID]; ok {
			delete(set, taskID)
			if len(set) == 0 {
				delete(t.byChat, chatID)
			}
		}
	}
	t.mu.Unlock()

	if existed && t.metrics != nil {
		t.metrics.ActiveTasks.Dec()
	}

	if b := t.currentBroker(); b != nil {
		ctx, cancelFn := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancelFn()
		if err := b.CleanupTask(ctx, taskID, chatID); err != nil {
			t.logger.Warn("task mirror cleanup failed",
				zap.String("task_id", taskID), zap.Error(err))
			if t.metrics != nil {
				t.metrics.MirrorFailures.Inc()
			}
		}
	}
}

// ListAll returns the ids of every tracked task: fleet-wide via the broker
// mirror when one is configured, otherwise this instance only. The result is
// a snapshot with no ordering guarantee.
func (t *Tracker) ListAll(ctx context.Context) ([]string, error) {
	if b := t.currentBroker(); b != nil {
		return b.ListTasks(ctx)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.tasks))
	for id := range t.tasks {
		out = append(out, id)
	}
	return out, nil
}

// ListByChat returns the tracked task ids under one chat id. An unknown chat
// yields an empty slice.
func (t *Tracker) ListByChat(ctx context.Context, chatID string) ([]string, error) {
	chatID = strings.TrimSpace(chatID)
	if b := t.currentBroker(); b != nil {
		return b.ListChatTasks(ctx, chatID)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	set := t.byChat[chatID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out, nil
}

// Stop requests cancellation of a task.
//
// With a broker configured it does not consult the local registry at all: it
// broadcasts a stop command and reports success as soon as the signal is
// dispatched. The owning instance, wherever it is, acts on the command
// asynchronously; there is no confirmation round-trip.
//
// Without a broker it cancels the local handle and waits for the task to
// wind down: Stopped=true when the work honored the cancellation,
// Stopped=false when it ran to completion regardless, ErrTaskNotFound when
// the id is unknown.
func (t *Tracker) Stop(ctx context.Context, taskID string) (StopResult, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return StopResult{}, ErrTaskNotFound
	}

	if b := t.currentBroker(); b != nil {
		if err := b.PublishCommand(ctx, Command{Action: ActionStop, TaskID: taskID}); err != nil {
			return StopResult{}, fmt.Errorf("publish stop command: %w", err)
		}
		if t.metrics != nil {
			t.metrics.StopSignals.WithLabelValues("distributed").Inc()
		}
		return StopResult{Stopped: true, Message: fmt.Sprintf("Stop signal sent for %s", taskID)}, nil
	}

	t.mu.RLock()
	e, ok := t.tasks[taskID]
	t.mu.RUnlock()
	if !ok {
		return StopResult{}, ErrTaskNotFound
	}

	e.cancel()
	if t.metrics != nil {
		t.metrics.StopSignals.WithLabelValues("local").Inc()
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		return StopResult{}, ctx.Err()
	}

	if errors.Is(e.cause, context.Canceled) {
		return StopResult{Stopped: true, Message: fmt.Sprintf("Task %s successfully stopped", taskID)}, nil
	}
	return StopResult{Stopped: false, Message: fmt.Sprintf("Failed to stop task %s", taskID)}, nil
}

// AppendDelta publishes a streamed text chunk for a running task to event
// subscribers. Chunks are forwarded verbatim; whitespace between chunks is
// part of the reassembled text. Unknown or already-finished ids are ignored.
func (t *Tracker) AppendDelta(taskID, delta string) {
	if delta == "" {
		return
	}
	t.mu.RLock()
	e, ok := t.tasks[taskID]
	t.mu.RUnlock()
	if !ok {
		return
	}
	t.publish(Event{Type: EventTaskDelta, TaskID: taskID, ChatID: e.chatID, TextDelta: delta, At: time.Now().UTC()})
}

// RunCommandListener subscribes to the broker's command channel and serves
// inbound commands until ctx is cancelled. A stop command is resolved
// against the local registry only; ids owned by other instances are silently
// ignored. Malformed payloads are logged and skipped so one bad message
// never stalls the loop.
func (t *Tracker) RunCommandListener(ctx context.Context) error {
	b := t.currentBroker()
	if b == nil {
		return errors.New("no broker configured")
	}

	msgs, err := b.SubscribeCommands(ctx)
	if err != nil {
		return fmt.Errorf("subscribe commands: %w", err)
	}
	t.logger.Info("task command listener started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-msgs:
			if !ok {
				return nil
			}
			t.handleCommand(payload)
		}
	}
}

func (t *Tracker) handleCommand(payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		t.logger.Warn("malformed task command", zap.Error(err))
		if t.metrics != nil {
			t.metrics.MalformedCommands.Inc()
		}
		return
	}

	switch cmd.Action {
	case ActionStop:
		t.mu.RLock()
		e, ok := t.tasks[cmd.TaskID]
		t.mu.RUnlock()
		if !ok {
			// Owned by another instance, or already gone. That instance runs
			// the same check and acts if the task is its own.
			return
		}
		e.cancel()
		t.logger.Info("cancelled task on stop command", zap.String("task_id", cmd.TaskID))
	default:
		t.logger.Warn("unknown task command action", zap.String("action", cmd.Action))
	}
}

// Subscribe registers an event channel for task lifecycle notifications.
// Events are dropped rather than blocking when a subscriber falls behind.
// The returned func unsubscribes and closes the channel.
func (t *Tracker) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 256)
	t.subMu.Lock()
	t.nextSubID++
	id := t.nextSubID
	t.subscribers[id] = ch
	t.subMu.Unlock()

	return ch, func() {
		t.subMu.Lock()
		defer t.subMu.Unlock()
		if c, ok := t.subscribers[id]; ok {
			delete(t.subscribers, id)
			close(c)
		}
	}
}

func (t *Tracker) publish(evt Event) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	for _, ch := range t.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}
