package log

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitTestLogger(t *testing.T) {
	cfg := &Config{Level: "trace", Format: FormatJSON}
	lg, props, err := InitTestLogger(t, cfg)
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, props.Level.Level())
	lg.Debug("hello", FieldSensor("TEMP-01"), FieldSeq(3))
}

func TestInitLoggerRejectsBadLevel(t *testing.T) {
	_, _, err := InitLogger(&Config{Level: "loud"})
	assert.Error(t, err)
}

func TestInitLoggerFile(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{
		Level: "info",
		File: FileLogConfig{
			RootPath: dir,
			Filename: "sensorlink.log",
		},
	}
	lg, _, err := InitLogger(cfg)
	require.NoError(t, err)
	lg.Info("written to file", FieldModule("test"))
	require.NoError(t, lg.Sync())

	data, err := os.ReadFile(filepath.Join(dir, "sensorlink.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
	assert.Equal(t, defaultLogMaxSize, cfg.File.MaxSize)
}

func TestInitLoggerDirectoryAsFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	_, _, err := InitLogger(&Config{Level: "info", File: FileLogConfig{RootPath: dir, Filename: "sub"}})
	assert.Error(t, err)
}

func TestCtxFields(t *testing.T) {
	ctx := WithModule(context.Background(), "envelope")
	ctx = WithScenario(ctx, 3)
	l := Ctx(ctx)
	assert.NotNil(t, l)
	assert.Same(t, l, Ctx(ctx))

	assert.NotNil(t, Ctx(nil)) //nolint:staticcheck
	assert.NotNil(t, Ctx(WithDebugLevel(context.Background())))
	assert.NotNil(t, Ctx(WithWarnLevel(context.Background())))
	assert.NotNil(t, Ctx(WithErrorLevel(context.Background())))
}

func TestIntentContext(t *testing.T) {
	ctx, span := NewIntentContext("sensor", "scenario-run")
	defer span.End()
	assert.NotNil(t, Ctx(ctx).Logger)

	parent, cancel := context.WithCancel(context.Background())
	child, childSpan := WithIntent(parent, "gateway", "echo")
	defer childSpan.End()
	cancel()
	assert.ErrorIs(t, child.Err(), context.Canceled)
	assert.NotSame(t, Ctx(parent), Ctx(child))
}

func TestWithTraceID(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ctx := context.WithValue(context.Background(), CtxLogKey, &MLogger{Logger: zap.New(core)})
	ctx = WithTraceID(ctx, "4bf92f3577b34da6a3ce929d0e0e4736")

	Ctx(ctx).Info("traced")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", logs.All()[0].ContextMap()["traceID"])
}

func TestCleanupFlushesAsyncWriter(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{Level: "info", AsyncWriteEnable: true, AsyncWriteFlushInterval: time.Hour}
	lg, _, err := InitLoggerWithWriteSyncer(cfg, zapcore.AddSync(&buf), zap.WithCaller(false))
	require.NoError(t, err)

	lg.Info("buffered entry")
	assert.Empty(t, buf.String())
	Cleanup()
	assert.Contains(t, buf.String(), "buffered entry")
}

func TestRateGroup(t *testing.T) {
	l := With(FieldComponent("codec")).WithRateGroup("test.rated", 1, 1)
	assert.True(t, l.RatedWarn(1, "first"))
	assert.False(t, l.RatedWarn(1, "second"))

	// 子 Logger 继承分组，共享同一个令牌桶。
	child := l.With(zap.Int("k", 1))
	assert.False(t, child.RatedInfo(1, "third"))

	// 同名分组再次绑定时复用同一个限流器。
	other := With().WithRateGroup("test.rated", 1, 1)
	assert.False(t, other.RatedDebug(1, "fourth"))
}

func TestGlobalRatedWithoutLimiter(t *testing.T) {
	assert.True(t, RatedWarn(1, "nop limiter never drops"))
	assert.True(t, With().RatedInfo(100, "nop limiter never drops"))
}

func TestBinder(t *testing.T) {
	var b Binder
	assert.NotNil(t, b.Logger())

	l := With(FieldComponent("ledger"))
	b.SetLogger(l)
	assert.Same(t, l, b.Logger())
}

func TestLevel(t *testing.T) {
	old := GetLevel()
	defer SetLevel(old)

	SetLevel(zapcore.ErrorLevel)
	assert.Equal(t, zapcore.ErrorLevel, GetLevel())
	assert.Equal(t, zapcore.ErrorLevel, Level().Level())
}
