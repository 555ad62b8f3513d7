package queue

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	ErrDayConflict   = errors.New("queue: another snipe is already queued for that day")
	ErrAlreadyQueued = errors.New("queue: class is already queued")
	ErrClassStarted  = errors.New("queue: class has already started")
	ErrNotFound      = errors.New("queue: snipe not found")
)

// DayConflictError names the pending entry that blocks an insertion.
type DayConflictError struct {
	Day      string
	Existing Entry
	// Location is the zone Day was computed in.
	Location *time.Location
}

func (e *DayConflictError) Error() string {
	return fmt.Sprintf("already have a snipe queued for %s: %s at %s (class ID %d); only one class per day allowed",
		e.Day, e.Existing.ClassName, e.localClassTime().Format("15:04"), e.Existing.ClassID)
}

func (e *DayConflictError) localClassTime() time.Time {
	if e.Location == nil {
		return e.Existing.ClassTime
	}
	return e.Existing.ClassTime.In(e.Location)
}

func (e *DayConflictError) Unwrap() error { return ErrDayConflict }

type Status string

const (
	StatusQueued     Status = "queued"
	StatusActive     Status = "active"
	StatusCompleted  Status = "completed"
	StatusWaitlisted Status = "waitlisted"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// Pending reports whether the entry still holds its day.
func (s Status) Pending() bool { return s == StatusQueued || s == StatusActive }

var Statuses = []Status{StatusQueued, StatusActive, StatusCompleted, StatusWaitlisted, StatusFailed, StatusExpired}

type Entry struct {
	ClassID       int64      `json:"class_id"`
	ClassName     string     `json:"class_name"`
	Trainer       string     `json:"trainer,omitempty"`
	ClassTime     time.Time  `json:"class_time"`
	WindowOpensAt time.Time  `json:"window_opens_at"`
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	Message       string     `json:"message,omitempty"`
}

func (e *Entry) resolve(status Status, msg string, at time.Time) {
	e.Status = status
	e.Message = msg
	e.ResolvedAt = &at
}

// Queue is the persisted document. Stores load and save it whole.
type Queue struct {
	Entries []Entry `json:"snipes"`
}

func (q Queue) index(classID int64) int {
	return slices.IndexFunc(q.Entries, func(e Entry) bool { return e.ClassID == classID })
}

// Find returns a copy of the entry for classID.
func (q Queue) Find(classID int64) (Entry, bool) {
	i := q.index(classID)
	if i < 0 {
		return Entry{}, false
	}
	return q.Entries[i], true
}

// Sorted returns the entries ordered by window opening time.
func (q Queue) Sorted() []Entry {
	out := slices.Clone(q.Entries)
	slices.SortStableFunc(out, func(a, b Entry) int {
		return a.WindowOpensAt.Compare(b.WindowOpensAt)
	})
	return out
}

// Counts returns the number of entries per status.
func (q Queue) Counts() map[string]int {
	counts := make(map[string]int, len(Statuses))
	for _, s := range Statuses {
		counts[string(s)] = 0
	}
	for _, e := range q.Entries {
		counts[string(e.Status)]++
	}
	return counts
}

// purge drops entries resolved before cutoff.
func (q *Queue) purge(cutoff time.Time) int {
	before := len(q.Entries)
	q.Entries = slices.DeleteFunc(q.Entries, func(e Entry) bool {
		return !e.Status.Pending() && e.ResolvedAt != nil && e.ResolvedAt.Before(cutoff)
	})
	return before - len(q.Entries)
}
