package mcpclient

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Bliod-Cook/drome/internal/types"
)

// DefaultLogCapacity is the per-server log ring size.
const DefaultLogCapacity = 200

// NotificationKind discriminates out-of-band notifications.
type NotificationKind string

const (
	NotifyLog         NotificationKind = "log"
	NotifyProgress    NotificationKind = "progress"
	NotifyListChanged NotificationKind = "list_changed"
	NotifyState       NotificationKind = "state"
)

// Notification is pushed to subscribers for server logs, tool call progress,
// list invalidations and session state changes.
type Notification struct {
	Kind     NotificationKind `json:"kind"`
	ServerID string           `json:"server_id"`
	CallID   string           `json:"call_id,omitempty"`
	Log      *types.LogEntry  `json:"log,omitempty"`
	Progress *types.Progress  `json:"progress,omitempty"`
	List     string           `json:"list,omitempty"`
	State    string           `json:"state,omitempty"`
}

// logRing is a fixed-capacity buffer that evicts its oldest entry.
type logRing struct {
	entries []types.LogEntry
	next    int
	full    bool
}

func newLogRing(capacity int) *logRing {
	return &logRing{entries: make([]types.LogEntry, capacity)}
}

func (r *logRing) add(e types.LogEntry) {
	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

func (r *logRing) snapshot() []types.LogEntry {
	if !r.full {
		return append([]types.LogEntry(nil), r.entries[:r.next]...)
	}
	out := make([]types.LogEntry, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	return append(out, r.entries[:r.next]...)
}

// hub fans notifications out to subscribers without blocking. A subscriber
// whose buffer is full misses the notification.
type hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Notification
}

func (h *hub) subscribe(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Notification, buffer)
	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[int]chan Notification)
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *hub) publish(n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// Subscribe registers an observer of notifications. The returned function
// unsubscribes and closes the channel.
func (m *Manager) Subscribe(buffer int) (<-chan Notification, func()) {
	return m.hub.subscribe(buffer)
}

// Logs returns the buffered log entries of a server, oldest first.
func (m *Manager) Logs(serverID string) []types.LogEntry {
	m.logsMu.Lock()
	defer m.logsMu.Unlock()
	ring, ok := m.logs[serverID]
	if !ok {
		return nil
	}
	return ring.snapshot()
}

func (m *Manager) appendLog(e types.LogEntry) {
	m.logsMu.Lock()
	ring, ok := m.logs[e.ServerID]
	if !ok {
		ring = newLogRing(m.logCapacity)
		m.logs[e.ServerID] = ring
	}
	ring.add(e)
	m.logsMu.Unlock()

	m.hub.publish(Notification{Kind: NotifyLog, ServerID: e.ServerID, Log: &e})
}

func (m *Manager) handleLogMessage(serverID string, p *mcpsdk.LoggingMessageParams) {
	if p == nil {
		return
	}
	m.appendLog(types.LogEntry{
		ServerID:  serverID,
		Timestamp: time.Now().UTC(),
		Level:     string(p.Level),
		Message:   logMessage(p.Data),
		Data:      p.Data,
		Source:    p.Logger,
	})
}

// logMessage derives a display line from a log notification payload.
func logMessage(data any) string {
	switch v := data.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any:
		for _, key := range []string{"message", "msg"} {
			if s, ok := v[key].(string); ok {
				return s
			}
		}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprint(data)
	}
	return string(b)
}

// drainStderr copies a process's diagnostic stream into the server log until
// r is closed.
func (m *Manager) drainStderr(serverID string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 16*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		m.appendLog(types.LogEntry{
			ServerID:  serverID,
			Timestamp: time.Now().UTC(),
			Level:     "info",
			Message:   line,
			Source:    "stderr",
		})
	}
	if err := scanner.Err(); err != nil {
		m.logger.Debug("mcp.stderr.closed", "server", serverID, "error", err)
	}
}
