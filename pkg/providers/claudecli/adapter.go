// Package claudecli provides the subprocess-CLI provider adapter. Each
// invocation spawns one CLI process in the role's isolation directory,
// requests JSON output and reads the session identifier back from it.
package claudecli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/loomrun/loom/pkg/models"
	"github.com/loomrun/loom/pkg/providers"
)

const defaultBinary = "claude"

// killDelay bounds how long Wait blocks after cancellation before the
// process group is forcibly reaped.
const killDelay = 5 * time.Second

// Factory creates subprocess-CLI adapters.
type Factory struct {
	binary string
	logger *slog.Logger
}

// NewFactory creates a factory for the given CLI binary. An empty binary
// falls back to "claude" on PATH.
func NewFactory(binary string, logger *slog.Logger) *Factory {
	if binary == "" {
		binary = defaultBinary
	}

	return &Factory{
		binary: binary,
		logger: logger,
	}
}

func (f *Factory) Kind() models.ProviderKind {
	return models.ProviderSubprocessCLI
}

func (f *Factory) Create(spec *models.AgentSpec) (providers.Adapter, error) {
	return &Adapter{
		binary:  f.binary,
		workdir: spec.IsolationTarget,
		logger:  f.logger.With("role", spec.RoleName),
	}, nil
}

// Adapter runs one CLI process per invocation. It keeps no state between
// invocations; session continuity lives entirely in the --resume flag and the
// session identifier parsed from the process output.
type Adapter struct {
	binary  string
	workdir string
	logger  *slog.Logger
}

// cliResult is the structured output the CLI prints on stdout.
type cliResult struct {
	Result    string  `json:"result"`
	SessionID string  `json:"session_id"`
	TotalCost float64 `json:"total_cost_usd"`
	IsError   bool    `json:"is_error"`
	Subtype   string  `json:"subtype"`
}

func (a *Adapter) Kind() models.ProviderKind {
	return models.ProviderSubprocessCLI
}

func (a *Adapter) Invoke(ctx context.Context, req providers.InvokeRequest) (*providers.InvokeResult, error) {
	invokeCtx := ctx

	if req.Timeout > 0 {
		var cancel context.CancelFunc

		invokeCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	args := []string{"-p", req.Task, "--output-format", "json"}

	resuming := req.Session != nil && req.Session.ID != ""
	if resuming {
		args = append(args, "--resume", req.Session.ID)
	}

	cmd := exec.CommandContext(invokeCtx, a.binary, args...)
	if a.workdir != "" {
		cmd.Dir = a.workdir
	}

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// Run the CLI in its own process group so cancellation reaps any helper
	// processes it spawned, not just the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}

		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = killDelay

	a.logger.DebugContext(ctx, "Invoking CLI provider", "resuming", resuming)

	runErr := cmd.Run()
	if runErr != nil {
		if invokeCtx.Err() != nil && errors.Is(invokeCtx.Err(), context.DeadlineExceeded) {
			return nil, providers.NewInvocationError(providers.FailureTimeout, a.Kind(),
				fmt.Errorf("process killed after %s: %w", req.Timeout, invokeCtx.Err()))
		}

		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			if resuming && looksLikeSessionRejection(stdout.Bytes(), stderr.String()) {
				return nil, providers.NewInvocationError(providers.FailureSessionResume, a.Kind(),
					fmt.Errorf("provider rejected session %s: %s", req.Session.ID, firstLine(stderr.String())))
			}

			return nil, providers.NewInvocationError(providers.FailureInvocation, a.Kind(),
				fmt.Errorf("process exited with code %d: %s", exitErr.ExitCode(), firstLine(stderr.String())))
		}

		return nil, providers.NewInvocationError(providers.FailureInvocation, a.Kind(), runErr)
	}

	var result cliResult

	err := json.Unmarshal(stdout.Bytes(), &result)
	if err != nil {
		return nil, providers.NewInvocationError(providers.FailureMalformedResponse, a.Kind(),
			fmt.Errorf("failed to parse CLI output: %w", err))
	}

	if result.IsError {
		if resuming && isSessionSubtype(result.Subtype) {
			return nil, providers.NewInvocationError(providers.FailureSessionResume, a.Kind(),
				fmt.Errorf("provider rejected session %s: %s", req.Session.ID, result.Result))
		}

		return nil, providers.NewInvocationError(providers.FailureInvocation, a.Kind(),
			fmt.Errorf("provider reported error: %s", result.Result))
	}

	if result.SessionID == "" {
		return nil, providers.NewInvocationError(providers.FailureMalformedResponse, a.Kind(),
			errors.New("CLI output is missing session_id"))
	}

	return &providers.InvokeResult{
		Output:       result.Result,
		Session:      models.ProviderSession{ID: result.SessionID, Kind: a.Kind()},
		CostEstimate: result.TotalCost,
	}, nil
}

// Close is a no-op; the adapter holds no long-lived resources.
func (a *Adapter) Close() error {
	return nil
}

func isSessionSubtype(subtype string) bool {
	switch subtype {
	case "session_not_found", "session_expired", "error_resume":
		return true
	default:
		return false
	}
}

// looksLikeSessionRejection detects resume rejections that surface as a
// non-zero exit instead of a structured error payload.
func looksLikeSessionRejection(stdout []byte, stderr string) bool {
	var result cliResult
	if json.Unmarshal(stdout, &result) == nil && isSessionSubtype(result.Subtype) {
		return true
	}

	lowered := strings.ToLower(stderr)

	return strings.Contains(lowered, "session") &&
		(strings.Contains(lowered, "not found") || strings.Contains(lowered, "expired"))
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}

	return s
}
