package runtime

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/castellan/castellan/internal/config"
)

const removeTimeout = 5 * time.Second

// PodmanEngine drives the podman CLI. It never talks to the libpod API
// directly; the runtime's internals stay behind the binary, exactly like
// the desktop installs it.
type PodmanEngine struct {
	binary  string
	machine string // podman machine name; empty = native rootful podman
	logger  *slog.Logger
}

// NewPodmanEngine creates an engine from the runtime configuration.
func NewPodmanEngine(cfg config.RuntimeConfig, logger *slog.Logger) *PodmanEngine {
	return &PodmanEngine{
		binary:  cfg.EngineBinary(),
		machine: cfg.MachineName,
		logger:  logger,
	}
}

// PullImage runs `podman pull` and forwards output lines as progress
// messages. Network failures surface as ordinary errors for the caller's
// retry policy.
func (e *PodmanEngine) PullImage(ctx context.Context, image string, progress func(pct int, msg string)) error {
	progress(0, fmt.Sprintf("pulling %s", image))

	cmd := exec.CommandContext(ctx, e.binary, "pull", image)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("attaching to %s pull: %w", e.binary, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s pull: %w", e.binary, err)
	}

	// Podman reports layer copies on stderr. Forward them as opaque
	// progress messages; percentage stays coarse since the CLI gives none.
	scanner := bufio.NewScanner(stderr)
	var lastLine string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line == lastLine {
			continue
		}
		lastLine = line
		progress(50, line)
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s pull %s: %w", e.binary, image, err)
	}

	progress(100, fmt.Sprintf("%s ready", image))
	return nil
}

// StartRuntime brings podman up. With a machine name configured it starts
// the VM; otherwise it verifies the native runtime answers `podman info`.
func (e *PodmanEngine) StartRuntime(ctx context.Context) error {
	if e.machine == "" {
		out, err := exec.CommandContext(ctx, e.binary, "info", "--format", "{{.Host.Arch}}").CombinedOutput()
		if err != nil {
			return fmt.Errorf("%s info: %w: %s", e.binary, err, strings.TrimSpace(string(out)))
		}
		return nil
	}

	out, err := exec.CommandContext(ctx, e.binary, "machine", "start", e.machine).CombinedOutput()
	if err != nil {
		// An already-running machine is a success for our purposes.
		if bytes.Contains(out, []byte("already running")) {
			e.logger.Debug("podman machine already running", slog.String("machine", e.machine))
			return nil
		}
		return fmt.Errorf("%s machine start %s: %w: %s", e.binary, e.machine, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Ping verifies the podman client still answers. Used by the readiness
// endpoint; a missing or wedged binary reports as degraded, not fatal.
func (e *PodmanEngine) Ping(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, e.binary, "version", "--format", "{{.Client.Version}}").CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s version: %w: %s", e.binary, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// StopRuntime stops the podman machine, if one is configured.
func (e *PodmanEngine) StopRuntime(ctx context.Context) error {
	if e.machine == "" {
		return nil
	}
	out, err := exec.CommandContext(ctx, e.binary, "machine", "stop", e.machine).CombinedOutput()
	if err != nil {
		if bytes.Contains(out, []byte("already stopped")) {
			return nil
		}
		return fmt.Errorf("%s machine stop %s: %w: %s", e.binary, e.machine, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// RemoveContainer force-removes a container by name. This is a safety net
// for server containers whose --rm didn't fire (OOM kill, machine restart,
// cancel race). Errors other than "no such container" are logged, not
// returned.
func (e *PodmanEngine) RemoveContainer(_ context.Context, name string) error {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, e.binary, "rm", "-f", name).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("no such container")) {
		e.logger.Warn("container force-remove failed",
			slog.String("container", name),
			slog.String("error", err.Error()),
			slog.String("output", string(out)),
		)
	}
	return nil
}
