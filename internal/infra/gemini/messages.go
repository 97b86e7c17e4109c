package gemini

import (
	"strings"

	"voice-bridge/internal/domain"
)

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string           `json:"model"`
	GenerationConfig  generationConfig `json:"generationConfig"`
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
	Tools             []tool           `json:"tools,omitempty"`
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
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type tool struct {
	FunctionDeclarations []domain.FunctionDeclaration `json:"functionDeclarations,omitempty"`
	GoogleSearch         *struct{}                    `json:"googleSearch,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []domain.Blob `json:"mediaChunks"`
}

type toolResponseMessage struct {
	ToolResponse *domain.ToolResponse `json:"toolResponse"`
}

func newSetupMessage(s domain.Setup) setupMessage {
	model := s.Model
	if model == "" {
		model = DefaultModel
	}
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}

	msg := setupMessage{Setup: setupConfig{
		Model: model,
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
	}}

	if s.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: s.Voice}},
		}
	}
	if s.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &content{Parts: []part{{Text: s.SystemInstruction}}}
	}
	if len(s.Functions) > 0 {
		msg.Setup.Tools = append(msg.Setup.Tools, tool{FunctionDeclarations: s.Functions})
	}
	if s.GoogleSearch {
		msg.Setup.Tools = append(msg.Setup.Tools, tool{GoogleSearch: &struct{}{}})
	}
	return msg
}
