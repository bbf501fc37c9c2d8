package scheduler

import "time"

// Queue entry statuses surfaced to the GUI.
const (
	StatusProcessing = "processing"
	StatusNew        = "new"
	StatusReady      = "ready"
	StatusWaiting    = "waiting"
)

// ActiveEntry is one emulator currently held by a worker.
type ActiveEntry struct {
	EmulatorID int       `json:"emulator_id"`
	Name       string    `json:"name"`
	StartedAt  time.Time `json:"started_at"`
}

// QueueEntry is one scheduled emulator awaiting dispatch.
type QueueEntry struct {
	EmulatorID  int       `json:"emulator_id"`
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	LaunchAt    time.Time `json:"launch_at"`
	WaitMinutes int       `json:"wait_minutes"`
	Reasons     []string  `json:"reasons"`
}

// Snapshot is the GUI-facing view of one scheduler iteration.
type Snapshot struct {
	Active        []ActiveEntry `json:"active"`
	Queue         []QueueEntry  `json:"queue"`
	IdleCount     int           `json:"idle_count"`
	TotalEnabled  int           `json:"total_enabled"`
	MaxConcurrent int           `json:"max_concurrent"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Snapshot returns a copy of the latest published snapshot. Reads never
// block scheduling: the snapshot lives under its own mutex.
func (s *Scheduler) Snapshot() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return copySnapshot(s.snapshot)
}

func (s *Scheduler) publishSnapshot(snap Snapshot) {
	s.snapMu.Lock()
	s.snapshot = snap
	s.snapMu.Unlock()
	if s.onSnapshot != nil {
		s.onSnapshot(copySnapshot(snap))
	}
}

func copySnapshot(in Snapshot) Snapshot {
	out := in
	out.Active = append([]ActiveEntry(nil), in.Active...)
	out.Queue = make([]QueueEntry, len(in.Queue))
	for i, q := range in.Queue {
		q.Reasons = append([]string(nil), q.Reasons...)
		out.Queue[i] = q
	}
	return out
}
