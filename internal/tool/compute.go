package tool

import (
	"context"
	"fmt"
	"strings"

	"flowbot/internal/eval"
)

// Compute capabilities: pure in-process transformations registered alongside
// tools under the same execution contract. Skills reference them via the
// `compute` step field; no inline code ever runs.

// EchoTool returns its msg argument unchanged. Handy in skill templates and
// as the smallest possible capability for smoke-testing a workflow.
type EchoTool struct{}

func NewEchoTool() *EchoTool { return &EchoTool{} }

func (t *EchoTool) Name() string        { return "echo" }
func (t *EchoTool) Description() string { return "Return the msg argument unchanged." }
func (t *EchoTool) Parameters() map[string]any {
	return ToolParameters(
		map[string]Param{
			"msg": {Type: "string", Description: "Text to return"},
		},
		[]string{"msg"},
	)
}

func (t *EchoTool) Execute(_ context.Context, args map[string]any) (string, error) {
	return ArgsString(args, "msg"), nil
}

// TextJoinTool concatenates a list of parts with a separator.
type TextJoinTool struct{}

func NewTextJoinTool() *TextJoinTool { return &TextJoinTool{} }

func (t *TextJoinTool) Name() string        { return "text_join" }
func (t *TextJoinTool) Description() string { return "Join a list of text parts with a separator (default: newline)." }
func (t *TextJoinTool) Parameters() map[string]any {
	return ToolParameters(
		map[string]Param{
			"parts":     {Type: "array", Description: "Parts to join"},
			"separator": {Type: "string", Description: "Separator between parts (default: newline)"},
		},
		[]string{"parts"},
	)
}

func (t *TextJoinTool) Execute(_ context.Context, args map[string]any) (string, error) {
	raw, ok := args["parts"].([]any)
	if !ok {
		return "", fmt.Errorf("missing or invalid argument: parts")
	}
	sep := "\n"
	if s, ok := args["separator"].(string); ok && s != "" {
		sep = s
	}
	parts := make([]string, len(raw))
	for i, p := range raw {
		parts[i] = eval.Stringify(p)
	}
	return strings.Join(parts, sep), nil
}
