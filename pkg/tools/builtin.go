package tools

import (
	"context"
	"strings"

	"github.com/vango-go/vai-bridge/pkg/backend"
)

const (
	BuiltinEndCall      = "end_call"
	BuiltinTransferCall = "transfer_call"
)

type endCallArgs struct {
	Message string `json:"message" jsonschema:"description=Final sentence to speak before hanging up"`
}

// EndCallTool lets the model hang up gracefully via a special action.
type EndCallTool struct{}

func (EndCallTool) Name() string { return BuiltinEndCall }

func (EndCallTool) Definition() backend.ToolDefinition {
	return backend.ToolDefinition{
		Name:        BuiltinEndCall,
		Description: "End the call. Use after the caller's needs are handled and they have said goodbye.",
		Parameters:  SchemaFor(endCallArgs{}),
	}
}

func (EndCallTool) Execute(ctx context.Context, args map[string]any) Result {
	message, _ := args["message"].(string)
	if strings.TrimSpace(message) == "" {
		message = "Thank you for calling. Goodbye!"
	}
	return Result{
		OK:      true,
		Special: &SpecialAction{Kind: SpecialEndCall, Message: message},
	}
}

type transferCallArgs struct {
	Message        string `json:"message" jsonschema:"description=Sentence to speak before transferring"`
	TransferNumber string `json:"transfer_number,omitempty" jsonschema:"description=Override destination in E.164 format"`
}

// TransferCallTool hands the call to a human. A default destination is
// configured per agent; the model may override it per call.
type TransferCallTool struct {
	DefaultNumber string
}

func (TransferCallTool) Name() string { return BuiltinTransferCall }

func (TransferCallTool) Definition() backend.ToolDefinition {
	return backend.ToolDefinition{
		Name:        BuiltinTransferCall,
		Description: "Transfer the call to a human agent when the caller asks for one or the conversation needs escalation.",
		Parameters:  SchemaFor(transferCallArgs{}),
	}
}

func (t TransferCallTool) Execute(ctx context.Context, args map[string]any) Result {
	message, _ := args["message"].(string)
	if strings.TrimSpace(message) == "" {
		message = "One moment while I transfer you."
	}
	number, _ := args["transfer_number"].(string)
	if strings.TrimSpace(number) == "" {
		number = t.DefaultNumber
	}
	if strings.TrimSpace(number) == "" {
		return Result{OK: false, Err: "no transfer destination configured"}
	}
	return Result{
		OK:      true,
		Special: &SpecialAction{Kind: SpecialTransferCall, Message: message, TransferNumber: number},
	}
}
