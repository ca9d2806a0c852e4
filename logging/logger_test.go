package logging

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func newBufferLogger(level LogLevel) (*PipelineLogger, *bytes.Buffer) {
	var buf bytes.Buffer
	cfg := DefaultLoggerConfig()
	cfg.Level = level
	cfg.Output = &buf
	cfg.AddSource = false
	return NewLogger(cfg), &buf
}

func lastLine(t *testing.T, buf *bytes.Buffer) gjson.Result {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.NotEmpty(t, lines)
	return gjson.ParseBytes(lines[len(lines)-1])
}

func TestPipelineLogger_ArgsBecomeAttrs(t *testing.T) {
	logger, buf := newBufferLogger(LogLevelDebug)

	logger.Debug("stage invocation settled", "stage", "recipe", "attempt", 2, "status", "success")

	entry := lastLine(t, buf)
	assert.Equal(t, "stage invocation settled", entry.Get("msg").String())
	assert.Equal(t, "recipe", entry.Get("stage").String())
	assert.Equal(t, int64(2), entry.Get("attempt").Int())
	assert.Equal(t, "success", entry.Get("status").String())
	assert.NotContains(t, entry.Get("msg").String(), "%!")
}

func TestPipelineLogger_StrayValueGetsBadKey(t *testing.T) {
	logger, buf := newBufferLogger(LogLevelDebug)

	logger.Info("odd args", "key", "value", 42)

	entry := lastLine(t, buf)
	assert.Equal(t, "value", entry.Get("key").String())
	assert.Equal(t, int64(42), entry.Get("!BADKEY").Int())
}

func TestPipelineLogger_LevelGate(t *testing.T) {
	logger, buf := newBufferLogger(LogLevelWarn)

	logger.Debug("hidden")
	logger.Info("hidden")
	assert.Zero(t, buf.Len())

	logger.Warn("visible")
	assert.Equal(t, "visible", lastLine(t, buf).Get("msg").String())
}

func TestPipelineLogger_ContextualHelpers(t *testing.T) {
	logger, buf := newBufferLogger(LogLevelInfo)

	scoped := logger.WithComponent("engine").WithSession("s1", "r1").WithContext("layer", "fan-out")
	scoped.Info("layer settled")

	entry := lastLine(t, buf)
	assert.Equal(t, "engine", entry.Get("component").String())
	assert.Equal(t, "s1", entry.Get("session_id").String())
	assert.Equal(t, "r1", entry.Get("run_id").String())
	assert.Equal(t, "fan-out", entry.Get("layer").String())

	// Cloning leaves the parent untouched.
	logger.Info("unscoped")
	assert.False(t, lastLine(t, buf).Get("component").Exists())
}

func TestPipelineLogger_ErrorWithStack(t *testing.T) {
	logger, buf := newBufferLogger(LogLevelError)

	logger.ErrorWithStack(errors.New("upstream down"), "stage blew up", "stage", "recipe")

	entry := lastLine(t, buf)
	assert.Equal(t, "stage blew up", entry.Get("msg").String())
	assert.Equal(t, "upstream down", entry.Get("error").String())
	assert.Equal(t, "recipe", entry.Get("stage").String())
	assert.NotEmpty(t, entry.Get("stack_trace").String())
}

func TestPipelineLogger_StageObserver(t *testing.T) {
	logger, buf := newBufferLogger(LogLevelInfo)

	logger.LogStageCall("recipe", 1, 120*time.Millisecond, "success")
	entry := lastLine(t, buf)
	assert.Equal(t, "Stage invocation settled", entry.Get("msg").String())
	assert.Equal(t, "INFO", entry.Get("level").String())

	logger.LogStageCall("restaurant", 2, 500*time.Millisecond, "timed_out")
	entry = lastLine(t, buf)
	assert.Equal(t, "Stage invocation did not complete", entry.Get("msg").String())
	assert.Equal(t, "WARN", entry.Get("level").String())

	logger.LogPipelineRun(6, time.Second, "output")
	entry = lastLine(t, buf)
	assert.Equal(t, "Pipeline run completed", entry.Get("msg").String())
	assert.Equal(t, int64(6), entry.Get("stage_count").Int())
	assert.Equal(t, "output", entry.Get("terminal").String())

	var _ StageObserver = logger
}

func TestPipelineLogger_StartTimer(t *testing.T) {
	logger, buf := newBufferLogger(LogLevelInfo)

	done := logger.StartTimer("aggregate")
	done()

	entry := lastLine(t, buf)
	assert.Equal(t, "Operation completed", entry.Get("msg").String())
	assert.Equal(t, "aggregate", entry.Get("operation").String())
}
