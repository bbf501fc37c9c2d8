package recovery

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// RestartRequest asks the next worker cycle on an emulator to do a full
// stop/start before anything else.
type RestartRequest struct {
	ID          string
	EmulatorID  int
	Reason      string
	RequestedAt time.Time
}

// RequestQueue holds at most one pending restart request per emulator. A
// later request for the same emulator replaces the earlier one.
type RequestQueue struct {
	mu      sync.Mutex
	pending map[int]RestartRequest
	now     func() time.Time
}

func NewRequestQueue() *RequestQueue {
	return &RequestQueue{
		pending: make(map[int]RestartRequest),
		now:     time.Now,
	}
}

// SetClock overrides the time source for tests.
func (q *RequestQueue) SetClock(now func() time.Time) { q.now = now }

// Add records a restart request for the emulator and returns it.
func (q *RequestQueue) Add(emulatorID int, reason string) RestartRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	req := RestartRequest{
		ID:          uuid.NewString(),
		EmulatorID:  emulatorID,
		Reason:      reason,
		RequestedAt: q.now(),
	}
	q.pending[emulatorID] = req
	return req
}

// Pending returns the request for an emulator, if any.
func (q *RequestQueue) Pending(emulatorID int) (RestartRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.pending[emulatorID]
	return req, ok
}

// Clear removes the request for an emulator after a successful restart.
func (q *RequestQueue) Clear(emulatorID int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, emulatorID)
}

// All returns a copy of every pending request.
func (q *RequestQueue) All() []RestartRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]RestartRequest, 0, len(q.pending))
	for _, req := range q.pending {
		out = append(out, req)
	}
	return out
}
