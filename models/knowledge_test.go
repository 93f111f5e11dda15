package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildSessionConfigPicksExactlyOneTool(t *testing.T) {
	base := BaseSessionSettings{ModelID: "m", VoiceID: "Puck", SystemInstructionText: "be brief"}

	tests := []struct {
		name string
		kb   KnowledgeBase
		want ToolSelection
	}{
		{
			name: "no store",
			kb:   KnowledgeBase{},
			want: WebSearchTool(),
		},
		{
			name: "store without ready documents",
			kb: KnowledgeBase{StoreID: "store-1", Documents: []Document{
				{ID: "a", State: DocumentStateProcessing},
				{ID: "b", State: DocumentStateFailed},
			}},
			want: WebSearchTool(),
		},
		{
			name: "store with a ready document",
			kb: KnowledgeBase{StoreID: "store-1", Documents: []Document{
				{ID: "a", State: DocumentStateProcessing},
				{ID: "b", State: DocumentStateReady},
			}},
			want: FileSearchTool("store-1"),
		},
		{
			name: "ready documents but no store",
			kb:   KnowledgeBase{Documents: []Document{{ID: "b", State: DocumentStateReady}}},
			want: WebSearchTool(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := BuildSessionConfig(base, tt.kb)
			assert.True(t, tt.want.Equal(cfg.ToolSelection), "got %+v", cfg.ToolSelection)
			assert.Equal(t, "m", cfg.ModelID)
			assert.Equal(t, "Puck", cfg.VoiceID)
			assert.Equal(t, "be brief", cfg.SystemInstructionText)
		})
	}
}

func TestReadyDocumentIDsSorted(t *testing.T) {
	kb := KnowledgeBase{StoreID: "s", Documents: []Document{
		{ID: "z", State: DocumentStateReady},
		{ID: "a", State: DocumentStateReady},
		{ID: "m", State: DocumentStateProcessing},
	}}
	assert.Equal(t, []string{"a", "z"}, kb.ReadyDocumentIDs())
}

func TestCaptureConfigValidate(t *testing.T) {
	cfg := DefaultCaptureConfig()
	assert.NoError(t, cfg.Validate())

	bad := cfg
	bad.MinInterval = bad.MaxInterval
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.DiffThreshold = 1.5
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.DiffSampleSize = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.JPEGQuality = FixedQuality(0)
	assert.Error(t, bad.Validate())
}
