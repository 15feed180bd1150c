package sandbox

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dop251/goja"
	"github.com/shirou/gopsutil/v3/process"

	svcerrors "github.com/lreardon/agent-repository/infrastructure/errors"
)

// GojaRuntime runs a ScriptJob in-process in a pure-Go JavaScript
// interpreter. It never touches a container CLI, so it trades the
// container runtime's filesystem/network isolation for low-latency
// execution suited to local development and tests; the only scripts it
// accepts are JavaScript regardless of the job's requested runtime
// label, so it is not a drop-in substitute for every entry in Runtime.
type GojaRuntime struct{}

// NewGojaRuntime constructs a GojaRuntime.
func NewGojaRuntime() *GojaRuntime {
	return &GojaRuntime{}
}

func (g *GojaRuntime) Run(ctx context.Context, job ScriptJob) (*Result, error) {
	timeout := clampTimeout(job.TimeoutSeconds)
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	vm := goja.New()

	var logs []string
	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		for _, arg := range call.Arguments {
			logs = append(logs, arg.String())
		}
		return goja.Undefined()
	})
	_ = vm.Set("console", console)

	if err := vm.Set("__deliverable_json", string(job.Deliverable)); err != nil {
		return nil, svcerrors.Internal("set deliverable global", err)
	}

	pid := int32(os.Getpid())

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-runCtx.Done():
			vm.Interrupt(runCtx.Err())
		case <-stop:
		}
	}()

	start := time.Now()
	script := fmt.Sprintf(`(function() {
var deliverable = JSON.parse(__deliverable_json);
%s
})();`, job.Script)

	_, err := vm.RunString(script)
	duration := time.Since(start).Seconds()

	cpuPercent := sampleCPUPercent(pid)

	result := &Result{
		Stdout:          joinLogs(logs),
		DurationSeconds: duration,
	}

	if runCtx.Err() != nil {
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	}
	if err != nil {
		if interrupted, ok := err.(*goja.InterruptedError); ok {
			result.TimedOut = true
			result.ExitCode = -1
			result.Stderr = interrupted.Error()
			return result, nil
		}
		if exception, ok := err.(*goja.Exception); ok {
			result.ExitCode = 1
			result.Stderr = exception.Error()
			return result, nil
		}
		return nil, svcerrors.Internal("run sandboxed script", err)
	}

	result.ExitCode = 0
	result.Stderr = fmt.Sprintf("cpu=%.1f%%", cpuPercent)
	return result, nil
}

func joinLogs(logs []string) string {
	out := ""
	for i, l := range logs {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	if len(out) > MaxOutputBytes {
		return out[:MaxOutputBytes]
	}
	return out
}

func sampleCPUPercent(pid int32) float64 {
	if pid == 0 {
		return 0
	}
	proc, err := process.NewProcess(pid)
	if err != nil {
		return 0
	}
	percent, err := proc.CPUPercent()
	if err != nil {
		return 0
	}
	return percent
}
