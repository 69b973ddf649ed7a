package main

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type daemonLogEntry struct {
	ID      int64  `json:"id"`
	Time    string `json:"time"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

// daemonLogStore keeps a bounded in-memory ring of log lines so the
// control socket can serve recent history without touching files.
type daemonLogStore struct {
	lock     sync.Mutex
	capacity int
	entries  []daemonLogEntry
	nextID   int64
}

func newDaemonLogStore(capacity int) *daemonLogStore {
	if capacity <= 0 {
		capacity = 4000
	}
	return &daemonLogStore{
		capacity: capacity,
		entries:  make([]daemonLogEntry, 0, capacity),
		nextID:   1,
	}
}

func (s *daemonLogStore) append(level, message string, ts time.Time) {
	if s == nil {
		return
	}
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		level = "info"
	}
	message = strings.TrimSpace(message)

	s.lock.Lock()
	defer s.lock.Unlock()

	item := daemonLogEntry{
		ID:      s.nextID,
		Time:    ts.Format(time.RFC3339),
		Level:   level,
		Message: message,
	}
	s.nextID++
	s.entries = append(s.entries, item)
	if len(s.entries) > s.capacity {
		trim := len(s.entries) - s.capacity
		s.entries = append([]daemonLogEntry(nil), s.entries[trim:]...)
	}
}

func (s *daemonLogStore) list(limit int, level string) []daemonLogEntry {
	if s == nil {
		return nil
	}
	if limit <= 0 {
		limit = 200
	}
	if limit > 2000 {
		limit = 2000
	}
	level = strings.ToLower(strings.TrimSpace(level))

	s.lock.Lock()
	defer s.lock.Unlock()

	out := make([]daemonLogEntry, 0, limit)
	for i := len(s.entries) - 1; i >= 0; i-- {
		item := s.entries[i]
		if level != "" && item.Level != level {
			continue
		}
		out = append(out, item)
		if len(out) >= limit {
			break
		}
	}
	// Keep ascending order for chronological rendering.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

type daemonLogHook struct{}

func (h *daemonLogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *daemonLogHook) Fire(entry *logrus.Entry) error {
	if entry == nil {
		return nil
	}
	daemonLogs.append(entry.Level.String(), formatLogMessage(entry), entry.Time)
	return nil
}

func formatLogMessage(entry *logrus.Entry) string {
	msg := strings.TrimSpace(entry.Message)
	if len(entry.Data) == 0 {
		return msg
	}

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	if msg != "" {
		b.WriteString(msg)
	}
	for _, k := range keys {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fmt.Sprintf("%v", entry.Data[k]))
	}
	return b.String()
}

var (
	daemonLogs         = newDaemonLogStore(4000)
	initLogCaptureOnce sync.Once
)

func initDaemonLogCapture() {
	initLogCaptureOnce.Do(func() {
		logrus.StandardLogger().AddHook(&daemonLogHook{})
	})
}
