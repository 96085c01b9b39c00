package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// ShellToolName is the name the shell tool is registered under.
const ShellToolName = "shell"

// ShellArgs are the arguments of the shell tool.
type ShellArgs struct {
	Command        string `json:"command" jsonschema:"description=Shell command run with /bin/sh -c."`
	Cwd            string `json:"cwd,omitempty" jsonschema:"description=Working directory relative to the session workdir."`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema:"minimum=0,description=Overrides the default timeout."`
}

// ShellResult is the JSON output of one shell run.
type ShellResult struct {
	Command   string `json:"command"`
	Cwd       string `json:"cwd"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	ExitCode  int    `json:"exit_code"`
	TimedOut  bool   `json:"timed_out,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
	Duration  string `json:"duration"`
}

type shellTool struct {
	resolver  Resolver
	timeout   time.Duration
	maxOutput int
}

func (t *shellTool) spec() (models.ToolSpec, error) {
	params, err := reflectSchema(&ShellArgs{})
	if err != nil {
		return models.ToolSpec{}, err
	}
	return models.ToolSpec{
		Name:        ShellToolName,
		Description: "Run a shell command in the session working directory and return its output.",
		Parameters:  params,
	}, nil
}

func (t *shellTool) handle(ctx context.Context, inv *models.ToolInvocation) ([]models.ToolOutput, error) {
	var args ShellArgs
	if err := json.Unmarshal(inv.Arguments, &args); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	if strings.TrimSpace(args.Command) == "" {
		return nil, errors.New("command is required")
	}
	dir, err := t.resolver.Resolve(inv.Workdir, args.Cwd)
	if err != nil {
		return nil, err
	}

	timeout := t.timeout
	if args.TimeoutSeconds > 0 {
		timeout = time.Duration(args.TimeoutSeconds) * time.Second
	}
	res, err := t.run(ctx, args.Command, dir, timeout)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return []models.ToolOutput{
		models.TextOutput(res.summary()),
		{Type: models.OutputJSON, Data: data},
	}, nil
}

func (t *shellTool) run(ctx context.Context, command, dir string, timeout time.Duration) (ShellResult, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.Dir = dir
	cmd.WaitDelay = time.Second
	stdout := newLimitedBuffer(t.maxOutput)
	stderr := newLimitedBuffer(t.maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	res := ShellResult{
		Command:   command,
		Cwd:       dir,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  exitCode(err),
		Truncated: stdout.truncated || stderr.truncated,
		Duration:  time.Since(start).Round(time.Millisecond).String(),
	}
	if ctx.Err() != nil {
		return ShellResult{}, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		return res, nil
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return ShellResult{}, fmt.Errorf("run command: %w", err)
	}
	return res, nil
}

func (r ShellResult) summary() string {
	var b strings.Builder
	if r.Stdout != "" {
		b.WriteString(r.Stdout)
		if !strings.HasSuffix(r.Stdout, "\n") {
			b.WriteByte('\n')
		}
	}
	if r.Stderr != "" {
		b.WriteString("stderr:\n")
		b.WriteString(r.Stderr)
		if !strings.HasSuffix(r.Stderr, "\n") {
			b.WriteByte('\n')
		}
	}
	switch {
	case r.TimedOut:
		b.WriteString("command timed out")
	default:
		fmt.Fprintf(&b, "exit code: %d", r.ExitCode)
	}
	if r.Truncated {
		b.WriteString(" (output truncated)")
	}
	return b.String()
}

type limitedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max <= 0 {
		b.buf = append(b.buf, p...)
		return len(p), nil
	}
	remaining := b.max - len(b.buf)
	if len(p) > remaining {
		b.buf = append(b.buf, p[:max(remaining, 0)]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
