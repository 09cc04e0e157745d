// internal/protocol/types.go
package protocol

import "time"

// LogType is the console channel an entry was captured from
type LogType string

const (
	LogTypeLog   LogType = "log"
	LogTypeWarn  LogType = "warn"
	LogTypeError LogType = "error"
)

// LogEntry is one intercepted console call
type LogEntry struct {
	Type      LogType   `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NetworkEntry is one intercepted outbound request.
// Exactly one of Status and Error is set.
type NetworkEntry struct {
	URL       string    `json:"url"`
	Method    string    `json:"method"`
	Status    int       `json:"status,omitempty"`
	Error     string    `json:"error,omitempty"`
	Duration  int64     `json:"duration"` // milliseconds
	Timestamp time.Time `json:"timestamp"`
}

// Component is one live component instance found in the DOM
type Component struct {
	Name  string      `json:"-"`
	Props interface{} `json:"props"`
	State interface{} `json:"state"`
	Key   interface{} `json:"key"`
}

// Storage holds the three flat key-value sections read from the host
type Storage struct {
	PersistentStore map[string]string `json:"persistentStore"`
	SessionStore    map[string]string `json:"sessionStore"`
	Cookies         map[string]string `json:"cookies"`
}

// Snapshot is sent from agent to collector on every emission
type Snapshot struct {
	URL        string                 `json:"url"`
	Title      string                 `json:"title"`
	Components map[string][]Component `json:"components"`
	Storage    Storage                `json:"storage"`
	Console    []LogEntry             `json:"console"`
	Network    []NetworkEntry         `json:"network"`
	Errors     []LogEntry             `json:"errors"`
	Timestamp  time.Time              `json:"timestamp"`
}

// StoredSnapshot is what the collector persists to SQLite
type StoredSnapshot struct {
	ID         string    `json:"id"`
	ReceivedAt time.Time `json:"received_at"`
	Snapshot   Snapshot  `json:"snapshot"`
}

// EmptyStorage returns a Storage with all sections initialised
func EmptyStorage() Storage {
	return Storage{
		PersistentStore: map[string]string{},
		SessionStore:    map[string]string{},
		Cookies:         map[string]string{},
	}
}

// Normalize replaces nil collections with empty ones so they encode as [] and {}
func (s *Snapshot) Normalize() {
	if s.Components == nil {
		s.Components = map[string][]Component{}
	}
	if s.Storage.PersistentStore == nil {
		s.Storage.PersistentStore = map[string]string{}
	}
	if s.Storage.SessionStore == nil {
		s.Storage.SessionStore = map[string]string{}
	}
	if s.Storage.Cookies == nil {
		s.Storage.Cookies = map[string]string{}
	}
	if s.Console == nil {
		s.Console = []LogEntry{}
	}
	if s.Network == nil {
		s.Network = []NetworkEntry{}
	}
	if s.Errors == nil {
		s.Errors = []LogEntry{}
	}
}
