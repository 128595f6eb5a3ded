// Package runner executes script step actions as subprocesses with a
// scrubbed environment and a context deadline. The wall-clock timeout is
// owned by the step executor; the runner just honors ctx cancellation.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// ScriptRunner runs step commands in a fixed working directory.
type ScriptRunner struct {
	workDir string
	logger  *zap.Logger
}

// NewScriptRunner creates a runner rooted at workDir ("" means the process
// working directory).
func NewScriptRunner(workDir string, logger *zap.Logger) *ScriptRunner {
	return &ScriptRunner{workDir: workDir, logger: logger}
}

// Run executes the command and returns its combined output. The subprocess
// sees only a minimal environment; workflow steps must not inherit broker
// credentials or other process secrets.
func (r *ScriptRunner) Run(ctx context.Context, command string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = r.workDir
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
		"LANG=C.UTF-8",
	}

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	r.logger.Debug("running script",
		zap.String("command", command), zap.Strings("args", args))

	err := cmd.Run()
	out := buf.Bytes()
	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	if err != nil {
		return out, fmt.Errorf("script %s failed: %w: %s", command, err, tail(out, 512))
	}
	return out, nil
}

// tail returns the last n bytes of output as a trimmed string.
func tail(out []byte, n int) string {
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return strings.TrimSpace(string(out))
}
