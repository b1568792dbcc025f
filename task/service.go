package task

import "time"

// EventType identifies task update events pushed to presentation observers.
const EventType = "task_update"

// Event is the structured update delivered to presentation-layer observers,
// suitable for push delivery (e.g. over a socket) to whichever client is
// watching the owning session.
type Event struct {
	Type string `json:"type"` // always EventType
	Task Record `json:"task"`
}

// Service is the thin task-management surface exposed to presentation
// layers. Every operation passes straight through to the Tracker.
type Service struct {
	tracker *Tracker
}

// NewService wraps a tracker.
func NewService(tracker *Tracker) *Service {
	return &Service{tracker: tracker}
}

// CreateTask creates a pending task and returns its id.
func (s *Service) CreateTask(sessionID, taskType, title, description string) string {
	return s.tracker.Create(sessionID, taskType, title, description)
}

// GetTask returns the record for a task id.
func (s *Service) GetTask(taskID string) (Record, error) {
	return s.tracker.Get(taskID)
}

// ListTasks returns the session's records in insertion order.
func (s *Service) ListTasks(sessionID string) []Record {
	return s.tracker.BySession(sessionID)
}

// UpdateTask merges the provided fields into a record.
func (s *Service) UpdateTask(taskID string, upd Update) (Record, error) {
	return s.tracker.Update(taskID, upd)
}

// Watch registers an observer receiving Events for a single session's tasks.
// Updates for other sessions are filtered out. The returned handle is
// consumed by Unwatch.
func (s *Service) Watch(sessionID string, fn func(Event)) int {
	return s.tracker.RegisterObserver(func(rec Record) {
		if rec.SessionID != sessionID {
			return
		}
		fn(Event{Type: EventType, Task: rec})
	})
}

// Unwatch removes a Watch registration.
func (s *Service) Unwatch(handle int) {
	s.tracker.UnregisterObserver(handle)
}

// StartCleanup launches a goroutine that periodically purges terminal records
// older than maxAge. The returned stop function terminates it.
func (s *Service) StartCleanup(interval, maxAge time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s.tracker.Cleanup(maxAge)
			}
		}
	}()
	return func() { close(done) }
}
