package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampTimeout(t *testing.T) {
	assert.Equal(t, MaxTimeoutSeconds, clampTimeout(0))
	assert.Equal(t, MaxTimeoutSeconds, clampTimeout(-5))
	assert.Equal(t, MaxTimeoutSeconds, clampTimeout(9999))
	assert.Equal(t, 30, clampTimeout(30))
}

func TestClampMemory(t *testing.T) {
	assert.Equal(t, MaxMemoryLimitMB, clampMemory(0))
	assert.Equal(t, MaxMemoryLimitMB, clampMemory(9999))
	assert.Equal(t, 128, clampMemory(128))
}

func TestGojaRuntime_RunsScriptAgainstDeliverable(t *testing.T) {
	rt := NewGojaRuntime()
	job := ScriptJob{
		Script:         `console.log(deliverable.score >= 5 ? "pass" : "fail");`,
		RuntimeLabel:   "node:22",
		Deliverable:    []byte(`{"score": 10}`),
		TimeoutSeconds: 5,
	}

	result, err := rt.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, result.Stdout, "pass")
	assert.False(t, result.TimedOut)
}

func TestGojaRuntime_TimesOutOnInfiniteLoop(t *testing.T) {
	rt := NewGojaRuntime()
	job := ScriptJob{
		Script:         `while (true) {}`,
		RuntimeLabel:   "node:22",
		Deliverable:    []byte(`{}`),
		TimeoutSeconds: 1,
	}

	start := time.Now()
	result, err := rt.Run(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, result.TimedOut)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestGojaRuntime_ReportsThrownException(t *testing.T) {
	rt := NewGojaRuntime()
	job := ScriptJob{
		Script:       `throw new Error("boom");`,
		RuntimeLabel: "node:22",
		Deliverable:  []byte(`{}`),
	}

	result, err := rt.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ExitCode)
	assert.Contains(t, result.Stderr, "boom")
}

func TestRuntimeTable_IsClosed(t *testing.T) {
	_, ok := Runtime["python:3.13"]
	assert.True(t, ok)
	_, ok = Runtime["arbitrary:unknown"]
	assert.False(t, ok)
}
