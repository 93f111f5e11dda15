package models

import (
	"time"
)

// SessionStatus is the connection state of a live session.
type SessionStatus int

const (
	StatusDisconnected SessionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s SessionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText lets the status travel as its name in JSON state snapshots.
func (s SessionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ToolKind names the single grounding tool a session may carry.
type ToolKind int

const (
	ToolNone ToolKind = iota
	ToolFileSearch
	ToolWebSearch
)

func (k ToolKind) String() string {
	switch k {
	case ToolFileSearch:
		return "file_search"
	case ToolWebSearch:
		return "web_search"
	default:
		return "none"
	}
}

// ToolSelection holds at most one grounding tool. The remote side rejects a
// session that combines file search with web search, so there is no way to
// express both here.
type ToolSelection struct {
	Kind     ToolKind
	StoreIDs []string // only for ToolFileSearch
}

func FileSearchTool(storeIDs ...string) ToolSelection {
	return ToolSelection{Kind: ToolFileSearch, StoreIDs: append([]string(nil), storeIDs...)}
}

func WebSearchTool() ToolSelection {
	return ToolSelection{Kind: ToolWebSearch}
}

// Equal reports whether two selections describe the same tool.
func (t ToolSelection) Equal(o ToolSelection) bool {
	if t.Kind != o.Kind || len(t.StoreIDs) != len(o.StoreIDs) {
		return false
	}
	for i := range t.StoreIDs {
		if t.StoreIDs[i] != o.StoreIDs[i] {
			return false
		}
	}
	return true
}

// SessionConfig is fixed for the lifetime of a LiveSession. A change means a
// new session, never an in-place update.
type SessionConfig struct {
	ModelID               string
	SystemInstructionText string
	VoiceID               string
	ToolSelection         ToolSelection
	TranscribeOutput      bool
}

// CompletedTurn is one finalized transcript turn.
type CompletedTurn struct {
	ID        uint64    `json:"id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	RoleModel = "model"
	RoleUser  = "user"
)

// SessionState is the snapshot handed to the UI layer.
type SessionState struct {
	Status            SessionStatus  `json:"status"`
	IsRecording       bool           `json:"is_recording"`
	StreamingText     string         `json:"streaming_text"`
	IsStreaming       bool           `json:"is_streaming"`
	LastCompletedTurn *CompletedTurn `json:"last_completed_turn,omitempty"`
	Error             string         `json:"error,omitempty"`
}
