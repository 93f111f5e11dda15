package models

import "strings"

// Event is the closed set of notifications a LiveSession emits.
type Event interface {
	isEvent()
}

type OpenedEvent struct{}

type ClosedEvent struct {
	Reason string
}

// ContentEvent carries the raw parts of one model turn message.
type ContentEvent struct {
	Parts []Part
}

type TextDeltaEvent struct {
	Text string
}

type TurnCompleteEvent struct{}

type InterruptedEvent struct{}

type ToolCallEvent struct {
	Calls []FunctionCall
}

type ErrorEvent struct {
	Err error
}

func (OpenedEvent) isEvent()       {}
func (ClosedEvent) isEvent()       {}
func (ContentEvent) isEvent()      {}
func (TextDeltaEvent) isEvent()    {}
func (TurnCompleteEvent) isEvent() {}
func (InterruptedEvent) isEvent()  {}
func (ToolCallEvent) isEvent()     {}
func (ErrorEvent) isEvent()        {}

// Part is either inline binary data or text.
type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
}

type InlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"` // base64
}

// IsAudio reports whether the part is inline audio.
func (p Part) IsAudio() bool {
	return p.InlineData != nil && strings.HasPrefix(p.InlineData.MimeType, "audio/")
}

type FunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name,omitempty"`
	Args map[string]any `json:"args,omitempty"`
}

type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name,omitempty"`
	Response map[string]any `json:"response"`
}

// ToolResponse answers one or more tool calls.
type ToolResponse struct {
	FunctionResponses []FunctionResponse `json:"functionResponses"`
}
