package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/aether/internal/sandbox"
	"github.com/haasonsaas/aether/pkg/models"
)

// MemoryAPI is the slice of the memory store the builtin memory tools
// need.
type MemoryAPI interface {
	Store(ctx context.Context, rec *models.MemoryRecord) (*models.MemoryRecord, error)
	Recall(ctx context.Context, uid, query string, layer models.MemoryLayer, limit int) ([]*models.MemoryRecord, error)
	Forget(ctx context.Context, uid, id string) error
}

// AgentDirectory is the slice of the process manager the multi-agent
// tools need.
type AgentDirectory interface {
	ListAgents(ctx context.Context) []models.ProcessInfo
	SendIPC(ctx context.Context, fromPID, toPID int, channel string, payload json.RawMessage) error
	Delegate(ctx context.Context, fromPID int, cfg models.SpawnConfig) (int, error)
}

// BuiltinDeps wires the builtin tools to the rest of the kernel.
type BuiltinDeps struct {
	Memory MemoryAPI
	Agents AgentDirectory
}

// RegisterBuiltins installs the standard tool catalog.
func RegisterBuiltins(r *Registry, deps BuiltinDeps) error {
	builtins := []Tool{
		thinkTool(),
		completeTool(),
		listFilesTool(),
		readFileTool(),
		writeFileTool(),
		mkdirTool(),
		runCommandTool(),
		browseWebTool(),
		clickElementTool(),
		rememberTool(deps.Memory),
		recallTool(deps.Memory),
		forgetTool(deps.Memory),
		listAgentsTool(deps.Agents),
		sendMessageTool(deps.Agents),
		delegateTaskTool(deps.Agents),
	}
	for _, t := range builtins {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func thinkTool() Tool {
	return Tool{
		Name:        "think",
		Description: "Record a reasoning step without acting. Use this to plan before choosing another tool.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {"thought": {"type": "string"}},
			"required": ["thought"]
		}`),
		Run: func(_ context.Context, inv Invocation) (string, error) {
			var args struct {
				Thought string `json:"thought"`
			}
			if err := json.Unmarshal(inv.Args, &args); err != nil {
				return "", err
			}
			return "Thought recorded: " + args.Thought, nil
		},
	}
}

func completeTool() Tool {
	return Tool{
		Name:        "complete",
		Description: "Declare the goal achieved and end the run. Include a final summary.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"summary": {"type": "string"},
				"result": {"type": "string"}
			},
			"anyOf": [{"required": ["summary"]}, {"required": ["result"]}]
		}`),
		Run: func(_ context.Context, inv Invocation) (string, error) {
			var args struct {
				Summary string `json:"summary"`
				Result  string `json:"result"`
			}
			if err := json.Unmarshal(inv.Args, &args); err != nil {
				return "", err
			}
			if args.Summary != "" {
				return args.Summary, nil
			}
			return args.Result, nil
		},
	}
}

func listFilesTool() Tool {
	return Tool{
		Name:        "list_files",
		Description: "List entries of a directory in the workspace.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {"dir": {"type": "string"}}
		}`),
		Timeout: FileTimeout,
		Run: func(ctx context.Context, inv Invocation) (string, error) {
			var args struct {
				Dir string `json:"dir"`
			}
			if err := json.Unmarshal(inv.Args, &args); err != nil {
				return "", err
			}
			entries, err := inv.Sandbox.ListDir(ctx, args.Dir)
			if err != nil {
				return "", err
			}
			if len(entries) == 0 {
				return "(empty directory)", nil
			}
			return strings.Join(entries, "\n"), nil
		},
	}
}

func readFileTool() Tool {
	return Tool{
		Name:        "read_file",
		Description: "Read a file from the workspace.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {"path": {"type": "string"}},
			"required": ["path"]
		}`),
		Timeout: FileTimeout,
		Run: func(ctx context.Context, inv Invocation) (string, error) {
			var args struct {
				Path string `json:"path"`
			}
			if err := json.Unmarshal(inv.Args, &args); err != nil {
				return "", err
			}
			return inv.Sandbox.ReadFile(ctx, args.Path)
		},
	}
}

func writeFileTool() Tool {
	return Tool{
		Name:        "write_file",
		Description: "Write content to a file in the workspace, creating parent directories as needed.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string"},
				"content": {"type": "string"}
			},
			"required": ["path", "content"]
		}`),
		Timeout: FileTimeout,
		Run: func(ctx context.Context, inv Invocation) (string, error) {
			var args struct {
				Path    string `json:"path"`
				Content string `json:"content"`
			}
			if err := json.Unmarshal(inv.Args, &args); err != nil {
				return "", err
			}
			if err := inv.Sandbox.WriteFile(ctx, args.Path, args.Content); err != nil {
				return "", err
			}
			return fmt.Sprintf("Wrote %d bytes to %s", len(args.Content), args.Path), nil
		},
	}
}

func mkdirTool() Tool {
	return Tool{
		Name:        "mkdir",
		Description: "Create a directory in the workspace.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {"path": {"type": "string"}},
			"required": ["path"]
		}`),
		Timeout: FileTimeout,
		Run: func(ctx context.Context, inv Invocation) (string, error) {
			var args struct {
				Path string `json:"path"`
			}
			if err := json.Unmarshal(inv.Args, &args); err != nil {
				return "", err
			}
			if err := inv.Sandbox.Mkdir(ctx, args.Path); err != nil {
				return "", err
			}
			return "Created directory " + args.Path, nil
		},
	}
}

func runCommandTool() Tool {
	return Tool{
		Name:             "run_command",
		Description:      "Run a shell command in the workspace. Requires human approval.",
		RequiresApproval: true,
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {"command": {"type": "string"}},
			"required": ["command"]
		}`),
		Timeout: ShellTimeout,
		Run: func(ctx context.Context, inv Invocation) (string, error) {
			var args struct {
				Command string `json:"command"`
			}
			if err := json.Unmarshal(inv.Args, &args); err != nil {
				return "", err
			}
			res, err := inv.Sandbox.Exec(ctx, args.Command)
			if err != nil {
				return "", err
			}
			return formatExecResult(res), nil
		},
	}
}

func formatExecResult(res *sandbox.ExecResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "exit code: %d\n", res.ExitCode)
	if res.Stdout != "" {
		b.WriteString("stdout:\n" + res.Stdout)
	}
	if res.Stderr != "" {
		if res.Stdout != "" {
			b.WriteString("\n")
		}
		b.WriteString("stderr:\n" + res.Stderr)
	}
	return b.String()
}

func browseWebTool() Tool {
	return Tool{
		Name:        "browse_web",
		Description: "Navigate the workspace browser to a URL and return the page text.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {"url": {"type": "string"}},
			"required": ["url"]
		}`),
		Timeout: BrowserTimeout,
		Run: func(ctx context.Context, inv Invocation) (string, error) {
			var args struct {
				URL string `json:"url"`
			}
			if err := json.Unmarshal(inv.Args, &args); err != nil {
				return "", err
			}
			if err := inv.Sandbox.Navigate(ctx, args.URL); err != nil {
				return "", err
			}
			return inv.Sandbox.PageText(ctx)
		},
	}
}

func clickElementTool() Tool {
	return Tool{
		Name:        "click_element",
		Description: "Click an element on the current browser page by CSS selector and return the resulting page text.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {"selector": {"type": "string"}},
			"required": ["selector"]
		}`),
		Timeout: BrowserTimeout,
		Run: func(ctx context.Context, inv Invocation) (string, error) {
			var args struct {
				Selector string `json:"selector"`
			}
			if err := json.Unmarshal(inv.Args, &args); err != nil {
				return "", err
			}
			return inv.Sandbox.Click(ctx, args.Selector)
		},
	}
}

func rememberTool(mem MemoryAPI) Tool {
	return Tool{
		Name:        "remember",
		Description: "Store a memory in the agent's knowledge base. Layers: episodic, semantic, procedural, social.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"content": {"type": "string"},
				"layer": {"type": "string", "enum": ["episodic", "semantic", "procedural", "social"]},
				"tags": {"type": "array", "items": {"type": "string"}},
				"importance": {"type": "number", "minimum": 0, "maximum": 1}
			},
			"required": ["content"]
		}`),
		Run: func(ctx context.Context, inv Invocation) (string, error) {
			var args struct {
				Content    string   `json:"content"`
				Layer      string   `json:"layer"`
				Tags       []string `json:"tags"`
				Importance float64  `json:"importance"`
			}
			if err := json.Unmarshal(inv.Args, &args); err != nil {
				return "", err
			}
			layer := models.MemoryLayer(args.Layer)
			if args.Layer == "" {
				layer = models.LayerSemantic
			}
			importance := args.Importance
			if importance == 0 {
				importance = 0.5
			}
			rec, err := mem.Store(ctx, &models.MemoryRecord{
				AgentUID:   inv.OwnerUID,
				Layer:      layer,
				Content:    args.Content,
				Tags:       args.Tags,
				Importance: importance,
				SourcePID:  inv.PID,
			})
			if err != nil {
				return "", err
			}
			return "Stored memory " + rec.ID, nil
		},
	}
}

func recallTool(mem MemoryAPI) Tool {
	return Tool{
		Name:        "recall",
		Description: "Search the agent's memories by relevance to a query.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string"},
				"layer": {"type": "string", "enum": ["episodic", "semantic", "procedural", "social"]},
				"limit": {"type": "integer", "minimum": 1, "maximum": 50}
			},
			"required": ["query"]
		}`),
		Run: func(ctx context.Context, inv Invocation) (string, error) {
			var args struct {
				Query string `json:"query"`
				Layer string `json:"layer"`
				Limit int    `json:"limit"`
			}
			if err := json.Unmarshal(inv.Args, &args); err != nil {
				return "", err
			}
			if args.Limit <= 0 {
				args.Limit = 5
			}
			records, err := mem.Recall(ctx, inv.OwnerUID, args.Query, models.MemoryLayer(args.Layer), args.Limit)
			if err != nil {
				return "", err
			}
			if len(records) == 0 {
				return "No matching memories.", nil
			}
			var b strings.Builder
			for _, rec := range records {
				fmt.Fprintf(&b, "[%s] (%s) %s\n", rec.ID, rec.Layer, rec.Content)
			}
			return strings.TrimRight(b.String(), "\n"), nil
		},
	}
}

func forgetTool(mem MemoryAPI) Tool {
	return Tool{
		Name:        "forget",
		Description: "Delete a memory by ID.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {"id": {"type": "string"}},
			"required": ["id"]
		}`),
		Run: func(ctx context.Context, inv Invocation) (string, error) {
			var args struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(inv.Args, &args); err != nil {
				return "", err
			}
			if err := mem.Forget(ctx, inv.OwnerUID, args.ID); err != nil {
				return "", err
			}
			return "Forgot memory " + args.ID, nil
		},
	}
}

func listAgentsTool(dir AgentDirectory) Tool {
	return Tool{
		Name:        "list_agents",
		Description: "List the other agent processes currently alive, with their roles and states.",
		Schema:      json.RawMessage(`{"type": "object"}`),
		Run: func(ctx context.Context, inv Invocation) (string, error) {
			agents := dir.ListAgents(ctx)
			if len(agents) == 0 {
				return "No agents running.", nil
			}
			var b strings.Builder
			for _, a := range agents {
				if a.PID == inv.PID {
					continue
				}
				fmt.Fprintf(&b, "PID %d: %s (%s, step %d/%d)\n", a.PID, a.Role, a.State, a.Step, a.MaxSteps)
			}
			out := strings.TrimRight(b.String(), "\n")
			if out == "" {
				return "No other agents running.", nil
			}
			return out, nil
		},
	}
}

func sendMessageTool(dir AgentDirectory) Tool {
	return Tool{
		Name:        "send_message",
		Description: "Send a message to another agent process's mailbox on a named channel.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"to_pid": {"type": "integer"},
				"channel": {"type": "string"},
				"payload": {}
			},
			"required": ["to_pid", "payload"]
		}`),
		Run: func(ctx context.Context, inv Invocation) (string, error) {
			var args struct {
				ToPID   int             `json:"to_pid"`
				Channel string          `json:"channel"`
				Payload json.RawMessage `json:"payload"`
			}
			if err := json.Unmarshal(inv.Args, &args); err != nil {
				return "", err
			}
			if err := dir.SendIPC(ctx, inv.PID, args.ToPID, args.Channel, args.Payload); err != nil {
				return "", err
			}
			return fmt.Sprintf("Message delivered to PID %d", args.ToPID), nil
		},
	}
}

func delegateTaskTool(dir AgentDirectory) Tool {
	return Tool{
		Name:             "delegate_task",
		Description:      "Spawn a sub-agent with its own goal. Requires human approval.",
		RequiresApproval: true,
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"role": {"type": "string"},
				"goal": {"type": "string"},
				"max_steps": {"type": "integer", "minimum": 1}
			},
			"required": ["role", "goal"]
		}`),
		Run: func(ctx context.Context, inv Invocation) (string, error) {
			var args struct {
				Role     string `json:"role"`
				Goal     string `json:"goal"`
				MaxSteps int    `json:"max_steps"`
			}
			if err := json.Unmarshal(inv.Args, &args); err != nil {
				return "", err
			}
			pid, err := dir.Delegate(ctx, inv.PID, models.SpawnConfig{
				OwnerUID: inv.OwnerUID,
				Role:     args.Role,
				Goal:     args.Goal,
				MaxSteps: args.MaxSteps,
			})
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Spawned sub-agent PID %d", pid), nil
		},
	}
}
