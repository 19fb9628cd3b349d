package pricing

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies a billable operation.
type Kind int

// Kind constants define billable operation kinds.
const (
	KindUnknown Kind = iota
	// KindToolExecution is a marketplace or custom tool call.
	KindToolExecution
	// KindAgentConversation is one agent/LLM turn, priced by tokens.
	KindAgentConversation
	// KindMessageRelay is a message relayed through a channel adapter.
	KindMessageRelay
)

var kindNames = map[Kind]string{
	KindToolExecution:     "tool_execution",
	KindAgentConversation: "agent_conversation",
	KindMessageRelay:      "message_relay",
}

// ErrUnknownOperation indicates an operation kind with no pricing rule.
var ErrUnknownOperation = errors.New("pricing: unknown operation")

// String returns the wire name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseKind resolves a wire name such as "tool_execution".
func ParseKind(raw string) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	for kind, kindName := range kindNames {
		if kindName == name {
			return kind, nil
		}
	}
	return KindUnknown, fmt.Errorf("%w: %q", ErrUnknownOperation, raw)
}

// MarshalText encodes the kind as its wire name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a wire name.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Operation describes something that costs credits. Only the fields relevant to Kind are read.
type Operation struct {
	Kind         Kind   `json:"kind"`
	ToolName     string `json:"tool_name,omitempty"`
	CustomTool   bool   `json:"custom_tool,omitempty"`
	InputTokens  int64  `json:"input_tokens,omitempty"`
	OutputTokens int64  `json:"output_tokens,omitempty"`
	Calls        int    `json:"calls"`
}

// ToolExecution builds a tool call operation.
func ToolExecution(toolName string, custom bool, calls int) Operation {
	return Operation{Kind: KindToolExecution, ToolName: strings.TrimSpace(toolName), CustomTool: custom, Calls: calls}
}

// AgentConversation builds a single agent turn with the given token counts.
func AgentConversation(inputTokens, outputTokens int64) Operation {
	return Operation{Kind: KindAgentConversation, InputTokens: inputTokens, OutputTokens: outputTokens, Calls: 1}
}

// MessageRelay builds a relay operation for count messages.
func MessageRelay(count int) Operation {
	return Operation{Kind: KindMessageRelay, Calls: count}
}

// TotalTokens returns input plus output tokens.
func (o Operation) TotalTokens() int64 {
	return o.InputTokens + o.OutputTokens
}

// Description renders a short ledger description for the operation.
func (o Operation) Description() string {
	switch o.Kind {
	case KindToolExecution:
		name := o.ToolName
		if name == "" {
			name = "tool"
		}
		if o.CustomTool {
			return fmt.Sprintf("Custom tool execution: %s x%d", name, o.Calls)
		}
		return fmt.Sprintf("Tool execution: %s x%d", name, o.Calls)
	case KindAgentConversation:
		return fmt.Sprintf("Agent conversation: %d tokens", o.TotalTokens())
	case KindMessageRelay:
		return fmt.Sprintf("Message relay x%d", o.Calls)
	default:
		return "Unknown operation"
	}
}
