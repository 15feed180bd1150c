package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	svcerrors "github.com/lreardon/agent-repository/infrastructure/errors"
)

// ContainerRuntime shells a configured container CLI to run a script
// against a closed, immutable image table — network denied, root
// filesystem read-only, a size-capped scratch area, resource caps
// enforced by the CLI's own flags.
type ContainerRuntime struct {
	cliPath string
}

// NewContainerRuntime constructs a ContainerRuntime that invokes cliPath
// (e.g. "docker" or "podman").
func NewContainerRuntime(cliPath string) *ContainerRuntime {
	return &ContainerRuntime{cliPath: cliPath}
}

func (r *ContainerRuntime) Run(ctx context.Context, job ScriptJob) (*Result, error) {
	image, ok := Runtime[job.RuntimeLabel]
	if !ok {
		return nil, svcerrors.InvalidFormat("runtime", "one of the configured sandbox runtimes")
	}

	timeout := clampTimeout(job.TimeoutSeconds)
	memoryMB := clampMemory(job.MemoryLimitMB)

	workDir, err := os.MkdirTemp("", "sandbox-job-*")
	if err != nil {
		return nil, svcerrors.Internal("create sandbox work directory", err)
	}
	defer os.RemoveAll(workDir)

	scriptPath := filepath.Join(workDir, "script.input")
	if err := os.WriteFile(scriptPath, []byte(job.Script), 0o444); err != nil {
		return nil, svcerrors.Internal("write sandbox script", err)
	}
	deliverablePath := filepath.Join(workDir, "deliverable.input")
	if err := os.WriteFile(deliverablePath, job.Deliverable, 0o444); err != nil {
		return nil, svcerrors.Internal("write sandbox deliverable", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	args := []string{
		"run", "--rm",
		"--network=none",
		"--read-only",
		"--tmpfs", "/scratch:size=64m",
		"--memory", fmt.Sprintf("%dm", memoryMB),
		"--pids-limit", "64",
		"--user", "65534:65534",
		"--cap-drop", "ALL",
		"-v", workDir + ":/input:ro",
		image,
		"/input/script.input", "/input/deliverable.input",
	}

	cmd := exec.CommandContext(runCtx, r.cliPath, args...)
	var stdout, stderr limitedBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start).Seconds()

	result := &Result{
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		DurationSeconds: duration,
	}

	if runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	}
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, svcerrors.DependencyError("container runtime", runErr)
	}
	result.ExitCode = 0
	return result, nil
}

// limitedBuffer caps captured output at MaxOutputBytes, the bound this
// core places on stdout/stderr capture.
type limitedBuffer struct {
	buf bytes.Buffer
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	remaining := MaxOutputBytes - l.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		l.buf.Write(p[:remaining])
		return len(p), nil
	}
	l.buf.Write(p)
	return len(p), nil
}

func (l *limitedBuffer) String() string {
	return l.buf.String()
}
