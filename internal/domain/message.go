package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Setup carries everything the remote side needs when a channel is opened.
// SystemInstruction is passed through untouched.
type Setup struct {
	Model             string
	Voice             string
	SystemInstruction string
	Functions         []FunctionDeclaration
	GoogleSearch      bool
}

type FunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ClientMessage is one outbound message. Exactly one field is set.
type ClientMessage struct {
	RealtimeInput *RealtimeInput `json:"realtimeInput,omitempty"`
	ToolResponse  *ToolResponse  `json:"toolResponse,omitempty"`
}

type RealtimeInput struct {
	Media *Blob `json:"media,omitempty"`
}

type ToolResponse struct {
	FunctionResponses []FunctionResponse `json:"functionResponses"`
}

type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ServerMessage is one inbound message from the inference service.
type ServerMessage struct {
	SetupComplete        json.RawMessage       `json:"setupComplete,omitempty"`
	ServerContent        *ServerContent        `json:"serverContent,omitempty"`
	ToolCall             *ToolCall             `json:"toolCall,omitempty"`
	ToolCallCancellation *ToolCallCancellation `json:"toolCallCancellation,omitempty"`
	UsageMetadata        json.RawMessage       `json:"usageMetadata,omitempty"`
	GoAway               *GoAway               `json:"goAway,omitempty"`
}

type ServerContent struct {
	ModelTurn          *Content           `json:"modelTurn,omitempty"`
	Interrupted        bool               `json:"interrupted,omitempty"`
	TurnComplete       bool               `json:"turnComplete,omitempty"`
	GenerationComplete bool               `json:"generationComplete,omitempty"`
	GroundingMetadata  *GroundingMetadata `json:"groundingMetadata,omitempty"`
}

type Content struct {
	Parts []Part `json:"parts,omitempty"`
}

type Part struct {
	Text       string `json:"text,omitempty"`
	InlineData *Blob  `json:"inlineData,omitempty"`
}

type GroundingMetadata struct {
	GroundingChunks []GroundingChunk `json:"groundingChunks,omitempty"`
}

type GroundingChunk struct {
	Web *WebChunk `json:"web,omitempty"`
}

type WebChunk struct {
	Title string `json:"title"`
	URI   string `json:"uri"`
}

type ToolCall struct {
	FunctionCalls []FunctionCall `json:"functionCalls"`
}

type FunctionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type ToolCallCancellation struct {
	IDs []string `json:"ids"`
}

type GoAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

var errUnknownShape = errors.New("no recognised fields")

// DecodeServerMessage parses one inbound frame. Any failure is a *ProtocolError.
func DecodeServerMessage(data []byte) (*ServerMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, &ProtocolError{Err: errors.New("empty message")}
	}

	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &ProtocolError{Err: fmt.Errorf("decoding message: %w", err)}
	}

	if msg.SetupComplete == nil && msg.ServerContent == nil && msg.ToolCall == nil &&
		msg.ToolCallCancellation == nil && msg.UsageMetadata == nil && msg.GoAway == nil {
		return nil, &ProtocolError{Err: errUnknownShape}
	}

	return &msg, nil
}

// EventKind identifies what happened on the duplex channel.
type EventKind int

const (
	EventOpen EventKind = iota + 1
	EventMessage
	EventClose
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// TransportEvent is one item of the inbound event stream. Data is set for
// messages, Code and Reason for closes, Err for errors.
type TransportEvent struct {
	Kind   EventKind
	Data   []byte
	Code   int
	Reason string
	Err    error
}
