// Package task provides the asynchronous task tracker: a process-wide (but
// explicitly constructed) registry of long-running operations that tools
// create and update, and that presentation layers observe for live progress.
package task

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sudalk/nanobot/logging"
)

// Status is the lifecycle state of a tracked task.
type Status string

const (
	// StatusPending marks a created task that has not started running.
	StatusPending Status = "pending"
	// StatusRunning marks a task doing work.
	StatusRunning Status = "running"
	// StatusCompleted marks a successfully finished task.
	StatusCompleted Status = "completed"
	// StatusFailed marks a task that gave up with an error.
	StatusFailed Status = "failed"
	// StatusCancelled marks a task stopped before completion.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status ends the task lifecycle.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Record is a tracked task's status/progress snapshot. Records are mutated
// only through Tracker.Update; observers receive copies.
type Record struct {
	TaskID      string     `json:"task_id"`
	SessionID   string     `json:"session_id"`
	TaskType    string     `json:"task_type"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      Status     `json:"status"`
	Progress    int        `json:"progress"` // 0-100
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Update carries the fields to merge into a record. Nil fields are left
// unchanged.
type Update struct {
	Status      *Status
	Progress    *int
	Result      *string
	Error       *string
	Description *string
}

// ErrTaskNotFound is returned when a task id has no record.
var ErrTaskNotFound = errors.New("task not found")

// Observer receives a snapshot of a record after every successful update.
// Observers run on their own goroutine; a panicking observer is logged and
// does not affect the mutator or other observers.
type Observer func(Record)

// entry pairs a record with its own mutex so unrelated tasks can be mutated
// concurrently. The tracker-level lock only guards the map and ordering.
type entry struct {
	mu  sync.Mutex
	rec Record
}

// Tracker is the async task registry. Safe for concurrent use from multiple
// tool executions; mutation of a single record is serialized per record.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string

	obsMu     sync.RWMutex
	observers map[int]Observer
	nextObsID int

	logger logging.Logger
	now    func() time.Time
}

// NewTracker constructs an empty tracker. A nil logger is replaced with a
// no-op logger.
func NewTracker(logger logging.Logger) *Tracker {
	return &Tracker{
		entries:   make(map[string]*entry),
		observers: make(map[int]Observer),
		logger:    logging.OrNoOp(logger),
		now:       time.Now,
	}
}

// Create inserts a pending record and returns its id. Creation does not
// notify observers.
func (t *Tracker) Create(sessionID, taskType, title, description string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := shortID()
	for _, exists := t.entries[id]; exists; _, exists = t.entries[id] {
		id = shortID()
	}

	now := t.now()
	t.entries[id] = &entry{rec: Record{
		TaskID:      id,
		SessionID:   sessionID,
		TaskType:    taskType,
		Title:       title,
		Description: description,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}}
	t.order = append(t.order, id)

	t.logger.Info("task.created", "task_id", id, "title", title, "session_id", sessionID)
	return id
}

// Get returns a snapshot of the record or ErrTaskNotFound.
func (t *Tracker) Get(taskID string) (Record, error) {
	e, err := t.entry(taskID)
	if err != nil {
		return Record{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, nil
}

// BySession returns snapshots of every record owned by a session, in
// insertion order.
func (t *Tracker) BySession(sessionID string) []Record {
	t.mu.RLock()
	ids := make([]string, len(t.order))
	copy(ids, t.order)
	t.mu.RUnlock()

	var out []Record
	for _, id := range ids {
		e, err := t.entry(id)
		if err != nil {
			continue
		}
		e.mu.Lock()
		if e.rec.SessionID == sessionID {
			out = append(out, e.rec)
		}
		e.mu.Unlock()
	}
	return out
}

// Update merges the provided fields into the record: progress is clamped to
// [0,100], UpdatedAt always advances and CompletedAt is set exactly when the
// status transitions into a terminal state. After a successful update every
// registered observer is notified asynchronously with the updated snapshot.
func (t *Tracker) Update(taskID string, upd Update) (Record, error) {
	e, err := t.entry(taskID)
	if err != nil {
		t.logger.Warn("task.update.not_found", "task_id", taskID)
		return Record{}, err
	}

	e.mu.Lock()
	rec := &e.rec
	if upd.Status != nil {
		if upd.Status.Terminal() && !rec.Status.Terminal() {
			done := t.now()
			rec.CompletedAt = &done
		}
		rec.Status = *upd.Status
	}
	if upd.Progress != nil {
		rec.Progress = clampProgress(*upd.Progress)
	}
	if upd.Result != nil {
		rec.Result = *upd.Result
	}
	if upd.Error != nil {
		rec.Error = *upd.Error
	}
	if upd.Description != nil {
		rec.Description = *upd.Description
	}
	rec.UpdatedAt = t.now()
	snapshot := *rec
	e.mu.Unlock()

	t.logger.Debug("task.updated", "task_id", taskID, "status", string(snapshot.Status), "progress", snapshot.Progress)
	t.notify(snapshot)
	return snapshot, nil
}

// Complete marks the task completed with 100% progress and the given result.
func (t *Tracker) Complete(taskID, result string) (Record, error) {
	status := StatusCompleted
	progress := 100
	return t.Update(taskID, Update{Status: &status, Progress: &progress, Result: &result})
}

// Fail marks the task failed with the given error message.
func (t *Tracker) Fail(taskID, errMsg string) (Record, error) {
	status := StatusFailed
	return t.Update(taskID, Update{Status: &status, Error: &errMsg})
}

// Delete removes a record. Returns false when the id is unknown.
func (t *Tracker) Delete(taskID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[taskID]; !ok {
		return false
	}
	delete(t.entries, taskID)
	t.removeFromOrderLocked(taskID)
	t.logger.Info("task.deleted", "task_id", taskID)
	return true
}

// Cleanup removes terminal records whose CompletedAt is older than maxAge and
// returns the number removed.
func (t *Tracker) Cleanup(maxAge time.Duration) int {
	cutoff := t.now().Add(-maxAge)

	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []string
	for id, e := range t.entries {
		e.mu.Lock()
		stale := e.rec.Status.Terminal() && e.rec.CompletedAt != nil && e.rec.CompletedAt.Before(cutoff)
		e.mu.Unlock()
		if stale {
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		delete(t.entries, id)
		t.removeFromOrderLocked(id)
	}

	if len(removed) > 0 {
		t.logger.Info("task.cleanup", "removed", len(removed))
	}
	return len(removed)
}

// RegisterObserver adds an update observer and returns a handle for
// UnregisterObserver.
func (t *Tracker) RegisterObserver(obs Observer) int {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	t.nextObsID++
	id := t.nextObsID
	t.observers[id] = obs
	return id
}

// UnregisterObserver removes a previously registered observer.
func (t *Tracker) UnregisterObserver(handle int) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	delete(t.observers, handle)
}

// notify fans the snapshot out to every observer, one goroutine each, so a
// slow or panicking observer cannot block the mutator or its peers.
func (t *Tracker) notify(rec Record) {
	t.obsMu.RLock()
	observers := make([]Observer, 0, len(t.observers))
	for _, obs := range t.observers {
		observers = append(observers, obs)
	}
	t.obsMu.RUnlock()

	for _, obs := range observers {
		go func(obs Observer) {
			defer func() {
				if r := recover(); r != nil {
					t.logger.Error("task.observer.panic", "task_id", rec.TaskID, "recover", r)
				}
			}()
			obs(rec)
		}(obs)
	}
}

func (t *Tracker) entry(taskID string) (*entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return e, nil
}

func (t *Tracker) removeFromOrderLocked(taskID string) {
	for i, id := range t.order {
		if id == taskID {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// shortID returns the 8-char task id form used in titles and logs.
func shortID() string {
	return uuid.NewString()[:8]
}
