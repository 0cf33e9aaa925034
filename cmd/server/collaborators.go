package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/yysun/agent-world-sub012/internal/world"
)

// echoModel is the built-in Language Model Port used when no provider
// adapter is wired in. It answers with the last user message so the runtime
// can be exercised end to end without credentials.
type echoModel struct{}

func (echoModel) Generate(_ context.Context, agentID string, history []world.Message, stream world.StreamSink) (world.ModelOutput, error) {
	last := ""
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == world.RoleUser {
			last = history[i].Content
			break
		}
	}
	reply := fmt.Sprintf("%s heard: %s", agentID, strings.TrimSpace(last))
	if stream != nil {
		stream(reply)
	}
	return world.ModelOutput{Kind: world.OutputText, Content: reply}, nil
}

// localExecutor runs a few harmless built-in tools. Anything that touches
// the filesystem or shell belongs in a real executor with its own sandbox.
type localExecutor struct {
	tools map[string]func(args map[string]any) (string, error)
}

func newLocalExecutor() *localExecutor {
	return &localExecutor{
		tools: map[string]func(args map[string]any) (string, error){
			"time": func(map[string]any) (string, error) {
				return time.Now().UTC().Format(time.RFC3339), nil
			},
			"echo": func(args map[string]any) (string, error) {
				if v, ok := args["text"].(string); ok {
					return v, nil
				}
				return "", fmt.Errorf("missing text argument")
			},
		},
	}
}

func (e *localExecutor) Execute(_ context.Context, call world.ToolInvocation) world.ToolOutcome {
	fn := e.tools[call.Name]
	if fn == nil {
		return world.ToolOutcome{OK: false, Err: fmt.Sprintf("unknown tool %s", call.Name)}
	}
	var args map[string]any
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return world.ToolOutcome{OK: false, Err: fmt.Sprintf("bad arguments: %v", err)}
		}
	}
	out, err := fn(args)
	if err != nil {
		return world.ToolOutcome{OK: false, Err: err.Error()}
	}
	return world.ToolOutcome{OK: true, Result: out}
}
