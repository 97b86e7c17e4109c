package application

import (
	"context"

	"voice-bridge/internal/domain"
)

// ToolHandler executes function calls requested by the model.
type ToolHandler interface {
	Declarations() []domain.FunctionDeclaration
	Call(ctx context.Context, call domain.FunctionCall) (map[string]any, error)
}
