package models

import "sort"

const (
	DocumentStateProcessing = "processing"
	DocumentStateReady      = "ready"
	DocumentStateFailed     = "failed"
)

type Document struct {
	ID    string
	State string
}

// KnowledgeBase is a snapshot of one document store.
type KnowledgeBase struct {
	StoreID   string
	Documents []Document
}

// ReadyDocumentIDs returns the sorted ids of documents in the ready state.
func (kb KnowledgeBase) ReadyDocumentIDs() []string {
	var ids []string
	for _, d := range kb.Documents {
		if d.State == DocumentStateReady {
			ids = append(ids, d.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// BaseSessionSettings are the parts of a SessionConfig that do not depend on
// document availability.
type BaseSessionSettings struct {
	ModelID               string
	SystemInstructionText string
	VoiceID               string
	TranscribeOutput      bool
}

// BuildSessionConfig picks file search when the store exists and has at least
// one ready document, web search otherwise. Never both.
func BuildSessionConfig(base BaseSessionSettings, kb KnowledgeBase) SessionConfig {
	tool := WebSearchTool()
	if kb.StoreID != "" && len(kb.ReadyDocumentIDs()) > 0 {
		tool = FileSearchTool(kb.StoreID)
	}
	return SessionConfig{
		ModelID:               base.ModelID,
		SystemInstructionText: base.SystemInstructionText,
		VoiceID:               base.VoiceID,
		ToolSelection:         tool,
		TranscribeOutput:      base.TranscribeOutput,
	}
}
