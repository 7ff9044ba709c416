// Package tools implements the local tool surface the inference engine can
// invoke during a run: reading and writing files under the session working
// directory and executing shell commands in it. Which tools are exposed is
// decided by the caller (typically from the persona's allowlist); the session
// runtime itself never calls tools, it only observes their use in the event
// stream.
//
// Tool failures are results, not errors: a failed invocation produces an
// is_error result for the model to react to and never aborts the run.
package tools

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

type (
	// Runner executes tool invocations requested by the engine.
	Runner interface {
		// Specs lists the tool definitions to advertise to the model.
		Specs() []Spec
		// Exec runs one invocation and returns its textual result. A failed
		// invocation returns isError true with a diagnostic message.
		Exec(ctx context.Context, name string, input map[string]any) (content string, isError bool)
	}

	// Spec describes one tool for the model provider.
	Spec struct {
		Name        string
		Description string
		InputSchema map[string]any
	}

	// Local is a Runner rooted in the session working directory.
	Local struct {
		workdir string
		allowed map[string]bool
		timeout time.Duration
	}
)

// Tool names exposed by the local runner.
const (
	ToolReadFile  = "read_file"
	ToolWriteFile = "write_file"
	ToolBash      = "bash"
)

const defaultBashTimeout = 5 * time.Minute

// NewLocal constructs a Local runner rooted at workdir exposing the named
// tools. An empty allowlist exposes all local tools.
func NewLocal(workdir string, allowed []string) *Local {
	l := &Local{
		workdir: workdir,
		allowed: make(map[string]bool, len(allowed)),
		timeout: defaultBashTimeout,
	}
	if len(allowed) == 0 {
		allowed = []string{ToolReadFile, ToolWriteFile, ToolBash}
	}
	for _, name := range allowed {
		l.allowed[name] = true
	}
	return l
}

// Specs implements Runner.
func (l *Local) Specs() []Spec {
	all := []Spec{
		{
			Name:        ToolReadFile,
			Description: "Read a file from the working directory. Returns the file content as text.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{"type": "string", "description": "Path relative to the working directory"},
				},
				"required": []string{"path"},
			},
		},
		{
			Name:        ToolWriteFile,
			Description: "Write content to a file in the working directory, creating parent directories as needed.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    map[string]any{"type": "string", "description": "Path relative to the working directory"},
					"content": map[string]any{"type": "string", "description": "Full file content to write"},
				},
				"required": []string{"path", "content"},
			},
		},
		{
			Name:        ToolBash,
			Description: "Run a shell command in the working directory and return its combined output.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{"type": "string", "description": "Shell command to execute"},
				},
				"required": []string{"command"},
			},
		},
	}
	specs := make([]Spec, 0, len(all))
	for _, s := range all {
		if l.allowed[s.Name] {
			specs = append(specs, s)
		}
	}
	return specs
}

// Exec implements Runner.
func (l *Local) Exec(ctx context.Context, name string, input map[string]any) (string, bool) {
	if !l.allowed[name] {
		return fmt.Sprintf("tool %q is not allowed in this session", name), true
	}
	switch name {
	case ToolReadFile:
		return l.readFile(input)
	case ToolWriteFile:
		return l.writeFile(input)
	case ToolBash:
		return l.bash(ctx, input)
	default:
		return fmt.Sprintf("unknown tool %q", name), true
	}
}

func (l *Local) readFile(input map[string]any) (string, bool) {
	p, err := l.resolve(stringArg(input, "path"))
	if err != nil {
		return err.Error(), true
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return err.Error(), true
	}
	return string(data), false
}

func (l *Local) writeFile(input map[string]any) (string, bool) {
	p, err := l.resolve(stringArg(input, "path"))
	if err != nil {
		return err.Error(), true
	}
	content := stringArg(input, "content")
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err.Error(), true
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		return err.Error(), true
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), stringArg(input, "path")), false
}

func (l *Local) bash(ctx context.Context, input map[string]any) (string, bool) {
	command := stringArg(input, "command")
	if command == "" {
		return "bash tool requires a command", true
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = l.workdir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Sprintf("%s%v", out, err), true
	}
	return string(out), false
}

// resolve maps a tool-supplied relative path into the working directory and
// rejects escapes above it.
func (l *Local) resolve(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("path is required")
	}
	p := filepath.Join(l.workdir, filepath.FromSlash(rel))
	clean := filepath.Clean(p)
	if clean != l.workdir && !strings.HasPrefix(clean, l.workdir+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the working directory", rel)
	}
	return clean, nil
}

func stringArg(input map[string]any, key string) string {
	v, _ := input[key].(string)
	return v
}
