// Package freeze implements the per-(emulator, function) freeze registry.
// A freeze says "do not touch this function on this emulator until the
// deadline". The in-memory registry is authoritative; a store-backed mirror
// exists only so a process restart recovers live freezes.
package freeze

import (
	"sync"
	"time"

	"emufleet/internal/logging"
)

// Key identifies one freezable (emulator, function) pair.
type Key struct {
	EmulatorID int
	Function   string
}

// Record is the durable form of one freeze entry.
type Record struct {
	EmulatorID int
	Function   string
	UnfreezeAt time.Time
	Reason     string
}

// Mirror is the durable backing for the registry. Implemented by the state
// store. Mirror writes are best-effort: a failed mirror write never undoes
// the registry update.
type Mirror interface {
	SaveFreeze(emulatorID int, function string, unfreezeAt time.Time, reason string) error
	DeleteFreeze(emulatorID int, function string) error
	LoadFreezes() ([]Record, error)
}

type entry struct {
	unfreezeAt time.Time
	reason     string
}

// Registry holds all active freezes behind a single mutex.
type Registry struct {
	mu      sync.Mutex
	entries map[Key]entry
	mirror  Mirror
	now     func() time.Time
}

// NewRegistry creates an empty registry. mirror may be nil (tests).
func NewRegistry(mirror Mirror) *Registry {
	return &Registry{
		entries: make(map[Key]entry),
		mirror:  mirror,
		now:     time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Freeze records a freeze lasting d from now. A later call for the same key
// overwrites the earlier deadline, even if it shortens it: the most recent
// failure knows best.
func (r *Registry) Freeze(emulatorID int, function string, d time.Duration, reason string) time.Time {
	r.mu.Lock()
	until := r.now().Add(d)
	r.entries[Key{emulatorID, function}] = entry{unfreezeAt: until, reason: reason}
	r.mu.Unlock()

	logging.Get(logging.CategoryScheduler).Info(
		"freeze: emulator=%d function=%s until=%s reason=%q",
		emulatorID, function, until.Format("15:04:05"), reason)

	if r.mirror != nil {
		if err := r.mirror.SaveFreeze(emulatorID, function, until, reason); err != nil {
			logging.Get(logging.CategoryStore).Warn(
				"freeze mirror write failed for emulator=%d function=%s: %v",
				emulatorID, function, err)
		}
	}
	return until
}

// IsFrozen reports whether the pair is currently frozen. Expired entries are
// evicted on read.
func (r *Registry) IsFrozen(emulatorID int, function string) bool {
	_, frozen := r.UnfreezeAt(emulatorID, function)
	return frozen
}

// UnfreezeAt returns the active deadline for the pair, if any.
func (r *Registry) UnfreezeAt(emulatorID int, function string) (time.Time, bool) {
	key := Key{emulatorID, function}

	r.mu.Lock()
	e, ok := r.entries[key]
	if ok && !e.unfreezeAt.After(r.now()) {
		delete(r.entries, key)
		ok = false
	}
	r.mu.Unlock()

	if !ok {
		// Expired or absent; clean the mirror lazily.
		if r.mirror != nil {
			_ = r.mirror.DeleteFreeze(emulatorID, function)
		}
		return time.Time{}, false
	}
	return e.unfreezeAt, true
}

// Unfreeze removes the freeze for the pair, if present.
func (r *Registry) Unfreeze(emulatorID int, function string) {
	r.mu.Lock()
	delete(r.entries, Key{emulatorID, function})
	r.mu.Unlock()

	if r.mirror != nil {
		if err := r.mirror.DeleteFreeze(emulatorID, function); err != nil {
			logging.Get(logging.CategoryStore).Warn(
				"freeze mirror delete failed for emulator=%d function=%s: %v",
				emulatorID, function, err)
		}
	}
}

// Active returns a copy of all live freeze records. Expired entries are
// evicted.
func (r *Registry) Active() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	out := make([]Record, 0, len(r.entries))
	for key, e := range r.entries {
		if !e.unfreezeAt.After(now) {
			delete(r.entries, key)
			continue
		}
		out = append(out, Record{
			EmulatorID: key.EmulatorID,
			Function:   key.Function,
			UnfreezeAt: e.unfreezeAt,
			Reason:     e.reason,
		})
	}
	return out
}

// RestoreFromMirror rebuilds the registry from the durable mirror at process
// start. Expired mirror rows are dropped, live ones loaded.
func (r *Registry) RestoreFromMirror() error {
	if r.mirror == nil {
		return nil
	}
	records, err := r.mirror.LoadFreezes()
	if err != nil {
		return err
	}

	r.mu.Lock()
	now := r.now()
	restored := 0
	for _, rec := range records {
		if !rec.UnfreezeAt.After(now) {
			continue
		}
		r.entries[Key{rec.EmulatorID, rec.Function}] = entry{
			unfreezeAt: rec.UnfreezeAt,
			reason:     rec.Reason,
		}
		restored++
	}
	r.mu.Unlock()

	// Drop expired rows from the mirror so they are not reloaded forever.
	for _, rec := range records {
		if !rec.UnfreezeAt.After(r.now()) {
			_ = r.mirror.DeleteFreeze(rec.EmulatorID, rec.Function)
		}
	}

	logging.Boot("freeze registry restored: %d live freezes (of %d mirrored)", restored, len(records))
	return nil
}
