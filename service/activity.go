package service

import (
	"sync"
	"time"

	"github.com/massensors/beltconsole/telemetry"
)

// Level classifies an activity entry.
type Level string

const (
	LevelInfo     Level = "info"
	LevelRequest  Level = "request"
	LevelResponse Level = "response"
	LevelSuccess  Level = "success"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
)

// ActivityEntry is one line of the operator activity log.
type ActivityEntry struct {
	Time    time.Time `json:"time"`
	Level   Level     `json:"level"`
	Message string    `json:"message"`
}

// ActivityLog keeps the most recent entries in a fixed-size ring.
type ActivityLog struct {
	mu       sync.RWMutex
	entries  []ActivityEntry
	next     int
	full     bool
	now      func() time.Time
	metrics  telemetry.Collector
	onAppend func(ActivityEntry)
}

func newActivityLog(capacity int, now func() time.Time, metrics telemetry.Collector) *ActivityLog {
	if capacity <= 0 {
		capacity = 100
	}
	if now == nil {
		now = time.Now
	}
	if metrics == nil {
		metrics = telemetry.Noop()
	}
	return &ActivityLog{entries: make([]ActivityEntry, capacity), now: now, metrics: metrics}
}

// Add appends an entry, evicting the oldest once the log is full.
func (l *ActivityLog) Add(level Level, message string) ActivityEntry {
	entry := ActivityEntry{Time: l.now(), Level: level, Message: message}
	l.mu.Lock()
	l.entries[l.next] = entry
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
	hook := l.onAppend
	l.mu.Unlock()

	l.metrics.IncActivity(string(level))
	if hook != nil {
		hook(entry)
	}
	return entry
}

// Entries returns the retained entries, oldest first.
func (l *ActivityLog) Entries() []ActivityEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.full {
		out := make([]ActivityEntry, l.next)
		copy(out, l.entries[:l.next])
		return out
	}
	out := make([]ActivityEntry, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	out = append(out, l.entries[:l.next]...)
	return out
}

// Len returns the number of retained entries.
func (l *ActivityLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.full {
		return len(l.entries)
	}
	return l.next
}

// Clear drops all entries.
func (l *ActivityLog) Clear() {
	l.mu.Lock()
	l.next = 0
	l.full = false
	l.mu.Unlock()
}
