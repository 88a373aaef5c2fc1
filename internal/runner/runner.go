// Package runner executes external tools with a fully specified environment.
package runner

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"regexp"
	"sort"

	"github.com/schaermu/vaultbak/internal/errs"
)

// Result holds the captured output of a successful invocation.
type Result struct {
	Stdout string
	Stderr string
}

// Runner executes a tool and returns its output.
type Runner interface {
	Run(ctx context.Context, tool string, args []string, env map[string]string) (Result, error)
}

// ExecRunner implements Runner with os/exec. It never retries.
type ExecRunner struct{}

// NewExecRunner creates a runner backed by os/exec.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes tool with args. The child sees exactly env and nothing from
// the ambient process environment; callers merge PATH, HOME and similar in
// explicitly. A non-zero exit yields an *errs.ToolError carrying stderr.
func (r *ExecRunner) Run(ctx context.Context, tool string, args []string, env map[string]string) (Result, error) {
	cmd := exec.CommandContext(ctx, tool, args...)
	cmd.Env = EnvList(env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}

	return res, &errs.ToolError{
		Tool:     tool,
		Args:     args,
		ExitCode: exitCode,
		Stderr:   redactTokens(res.Stderr),
		Err:      err,
	}
}

// EnvList converts env to KEY=VALUE form in a stable order. The result is
// never nil, because a nil Env makes os/exec inherit the parent environment.
func EnvList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	list := make([]string, 0, len(keys))
	for _, k := range keys {
		list = append(list, k+"="+env[k])
	}
	return list
}

var (
	credentialURL = regexp.MustCompile(`(https?://)[^\s@/]+@`)
	secretAssign  = regexp.MustCompile(`(?i)(token|secret|password|passwd|bearer)=[^\s]+`)
)

// redactTokens removes credentials embedded in URLs or key=value pairs.
func redactTokens(s string) string {
	s = credentialURL.ReplaceAllString(s, "${1}<redacted>@")
	s = secretAssign.ReplaceAllString(s, "$1=<redacted>")
	return s
}
