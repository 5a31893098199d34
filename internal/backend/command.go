// ABOUTME: Out-of-process credential backend driven by a helper binary.
// ABOUTME: The helper is described by a TOML manifest; exit codes map to outcomes.

package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Helper exit codes. The helper prints the attempt count on stdout when it
// exits with exitFailure.
const (
	exitSuccess   = 0
	exitFailure   = 1
	exitExpired   = 2
	exitInHistory = 3
	exitLockedOut = 4
)

// Manifest describes the helper binary implementing the credential
// operations. Loaded from a TOML file shipped by the platform integration.
type Manifest struct {
	// Path is the helper binary.
	Path string `toml:"path"`
	// Args are fixed arguments placed before the operation name.
	Args []string `toml:"args"`
	// Timeout bounds one helper invocation. Defaults to 30s.
	Timeout string `toml:"timeout"`
}

// LoadManifest reads a backend manifest from path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if m.Path == "" {
		return nil, fmt.Errorf("manifest %s: path is required", path)
	}
	return &m, nil
}

// Command is the out-of-process CodeChecker. Every operation spawns the
// helper and resolves its call when the process exits, so the engine always
// observes these operations as Evaluating first.
type Command struct {
	manifest *Manifest
	timeout  time.Duration
	logger   *slog.Logger
}

// NewCommand creates a command backend from a loaded manifest.
func NewCommand(m *Manifest, logger *slog.Logger) (*Command, error) {
	timeout := 30 * time.Second
	if m.Timeout != "" {
		d, err := time.ParseDuration(m.Timeout)
		if err != nil {
			return nil, fmt.Errorf("parsing manifest timeout: %w", err)
		}
		timeout = d
	}
	return &Command{
		manifest: m,
		timeout:  timeout,
		logger:   logger.With("component", "backend-command"),
	}, nil
}

// run spawns the helper with the named operation, feeding the codes on stdin
// one per line. Codes never appear in argv where other processes could read
// them.
func (c *Command) run(ctx context.Context, op string, codes ...string) *Call {
	call := NewCall()
	go func() {
		runCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		args := append(append([]string{}, c.manifest.Args...), op)
		cmd := exec.CommandContext(runCtx, c.manifest.Path, args...)
		cmd.Stdin = strings.NewReader(strings.Join(codes, "\n") + "\n")

		out, err := cmd.Output()
		call.Resolve(c.interpret(op, out, err))
	}()
	return call
}

func (c *Command) interpret(op string, out []byte, err error) CheckResult {
	if err == nil {
		return CheckResult{Outcome: OutcomeSuccess}
	}

	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		c.logger.Error("helper did not run", "op", op, "error", err)
		return CheckResult{Outcome: OutcomeError}
	}

	switch exitErr.ExitCode() {
	case exitFailure:
		attempts, convErr := strconv.Atoi(strings.TrimSpace(string(out)))
		if convErr != nil {
			c.logger.Error("helper failure without attempt count", "op", op, "output", string(out))
			return CheckResult{Outcome: OutcomeError}
		}
		return CheckResult{Outcome: OutcomeFailure, AttemptsUsed: attempts}
	case exitExpired:
		return CheckResult{Outcome: OutcomeExpired}
	case exitInHistory:
		return CheckResult{Outcome: OutcomeInHistory}
	case exitLockedOut:
		return CheckResult{Outcome: OutcomeLockedOut}
	default:
		c.logger.Error("helper failed", "op", op, "exit_code", exitErr.ExitCode())
		return CheckResult{Outcome: OutcomeError}
	}
}

// CheckCode verifies a security code via the helper.
func (c *Command) CheckCode(ctx context.Context, code string) *Call {
	return c.run(ctx, "check", code)
}

// SetCode replaces the security code via the helper.
func (c *Command) SetCode(ctx context.Context, oldCode, newCode string) *Call {
	return c.run(ctx, "set", oldCode, newCode)
}

// ClearCode removes the security code via the helper.
func (c *Command) ClearCode(ctx context.Context, code string) *Call {
	return c.run(ctx, "clear", code)
}

// CheckEncryptionCode verifies the disk-encryption code via the helper.
func (c *Command) CheckEncryptionCode(ctx context.Context, code string) *Call {
	return c.run(ctx, "check-encryption", code)
}

// SetEncryptionCode rekeys the disk encryption via the helper.
func (c *Command) SetEncryptionCode(ctx context.Context, oldCode, newCode string) *Call {
	return c.run(ctx, "set-encryption", oldCode, newCode)
}

// CodeSet asks the helper whether a code of the given kind is set. The
// helper exits 0 when set, 1 when not.
func (c *Command) CodeSet(ctx context.Context, kind string) (bool, error) {
	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := append(append([]string{}, c.manifest.Args...), "code-set", kind)
	cmd := exec.CommandContext(runCtx, c.manifest.Path, args...)
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == exitFailure {
		return false, nil
	}
	return false, fmt.Errorf("querying code-set: %w", err)
}

var _ CodeChecker = (*Command)(nil)
