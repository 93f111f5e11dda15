package handlers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Perceptus-Labs/perceptus-live/models"
)

// Client messages. Exactly one field is set per message.
type clientMessage struct {
	Setup         *setupMessage        `json:"setup,omitempty"`
	ClientContent *clientContent       `json:"clientContent,omitempty"`
	RealtimeInput *realtimeInput       `json:"realtimeInput,omitempty"`
	ToolResponse  *models.ToolResponse `json:"toolResponse,omitempty"`
}

type setupMessage struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *content         `json:"systemInstruction,omitempty"`
	Tools                    []tool           `json:"tools,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Role  string        `json:"role,omitempty"`
	Parts []models.Part `json:"parts"`
}

// tool carries exactly one grounding capability.
type tool struct {
	FileSearch   *fileSearchTool `json:"fileSearch,omitempty"`
	GoogleSearch *struct{}       `json:"googleSearch,omitempty"`
}

type fileSearchTool struct {
	FileSearchStoreNames []string `json:"fileSearchStoreNames"`
}

type clientContent struct {
	Turns        []content `json:"turns"`
	TurnComplete bool      `json:"turnComplete"`
}

type realtimeInput struct {
	MediaChunks []models.MediaChunk `json:"mediaChunks"`
}

// Server messages.
type serverMessage struct {
	SetupComplete *struct{}      `json:"setupComplete,omitempty"`
	ServerContent *serverContent `json:"serverContent,omitempty"`
	ToolCall      *toolCall      `json:"toolCall,omitempty"`
	GoAway        *goAway        `json:"goAway,omitempty"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text,omitempty"`
}

type toolCall struct {
	FunctionCalls []models.FunctionCall `json:"functionCalls,omitempty"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

func buildSetup(cfg models.SessionConfig) *setupMessage {
	model := cfg.ModelID
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	setup := &setupMessage{
		Model: model,
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
	}
	if cfg.VoiceID != "" {
		setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.VoiceID}},
		}
	}
	if cfg.SystemInstructionText != "" {
		setup.SystemInstruction = &content{Parts: []models.Part{{Text: cfg.SystemInstructionText}}}
	}
	if cfg.TranscribeOutput {
		setup.OutputAudioTranscription = &struct{}{}
	}
	setup.Tools = buildTools(cfg.ToolSelection)
	return setup
}

// buildTools renders the selection as a tool array of at most one entry.
func buildTools(sel models.ToolSelection) []tool {
	switch sel.Kind {
	case models.ToolFileSearch:
		names := make([]string, len(sel.StoreIDs))
		copy(names, sel.StoreIDs)
		return []tool{{FileSearch: &fileSearchTool{FileSearchStoreNames: names}}}
	case models.ToolWebSearch:
		return []tool{{GoogleSearch: &struct{}{}}}
	default:
		return nil
	}
}

func textMessage(text string) clientMessage {
	return clientMessage{ClientContent: &clientContent{
		Turns:        []content{{Role: "user", Parts: []models.Part{{Text: text}}}},
		TurnComplete: true,
	}}
}

func mediaMessage(chunk models.MediaChunk) clientMessage {
	return clientMessage{RealtimeInput: &realtimeInput{MediaChunks: []models.MediaChunk{chunk}}}
}

// decodedMessage is one server message split into the session events it
// produces, in delivery order.
type decodedMessage struct {
	setupComplete bool
	goAway        *goAway
	events        []models.Event
}

func decodeServerMessage(data []byte) (decodedMessage, error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return decodedMessage{}, fmt.Errorf("failed to unmarshal server message: %w", err)
	}

	out := decodedMessage{setupComplete: msg.SetupComplete != nil, goAway: msg.GoAway}
	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil && len(sc.ModelTurn.Parts) > 0 {
			parts := sc.ModelTurn.Parts
			out.events = append(out.events, models.ContentEvent{Parts: parts})

			var text strings.Builder
			for _, p := range parts {
				if p.InlineData == nil {
					text.WriteString(p.Text)
				}
			}
			if text.Len() > 0 {
				out.events = append(out.events, models.TextDeltaEvent{Text: text.String()})
			}
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			out.events = append(out.events, models.TextDeltaEvent{Text: sc.OutputTranscription.Text})
		}
		if sc.Interrupted {
			out.events = append(out.events, models.InterruptedEvent{})
		}
		if sc.TurnComplete {
			out.events = append(out.events, models.TurnCompleteEvent{})
		}
	}
	if msg.ToolCall != nil && len(msg.ToolCall.FunctionCalls) > 0 {
		out.events = append(out.events, models.ToolCallEvent{Calls: msg.ToolCall.FunctionCalls})
	}
	return out, nil
}
