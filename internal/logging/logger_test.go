package logging

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger_DefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	logger, err := NewLogger(cfg, nil)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	if logger == nil {
		t.Fatal("NewLogger() returned nil logger")
	}
	defer logger.Sync()
}

func TestNewLogger_InvalidFormat(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"
	_, err := NewLogger(cfg, nil)
	if err == nil {
		t.Fatal("NewLogger() accepted invalid format")
	}
}

func TestNewLogger_NoOutputs(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output.Stdout = false
	cfg.Output.OTEL = false
	_, err := NewLogger(cfg, nil)
	if err == nil {
		t.Fatal("NewLogger() accepted config with no outputs")
	}
}

func TestNewLogger_StderrOutput(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output.Stdout = false
	cfg.Output.Stderr = true
	logger, err := NewLogger(cfg, nil)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	if logger == nil {
		t.Fatal("NewLogger() returned nil logger")
	}
	defer logger.Sync()
}

func TestLogger_ContextFields(t *testing.T) {
	tl := NewTestLogger()

	ctx := WithWorkflow(context.Background(), &Workflow{ID: "run-42", Stage: "audit"})
	tl.Info(ctx, "stage started")

	tl.AssertLogged(t, zapcore.InfoLevel, "stage started")
	tl.AssertField(t, "stage started", "workflow.id", "run-42")
	tl.AssertField(t, "stage started", "workflow.stage", "audit")
}

func TestLogger_RequestID(t *testing.T) {
	tl := NewTestLogger()

	ctx := WithRequestID(context.Background(), "req-7")
	tl.Debug(ctx, "handling request")

	tl.AssertField(t, "handling request", "request.id", "req-7")
}

func TestWithWorkflow_RejectsInvalidID(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("WithWorkflow() did not panic on invalid ID")
		}
	}()
	WithWorkflow(context.Background(), &Workflow{ID: "has spaces"})
}

func TestLogger_Named(t *testing.T) {
	tl := NewTestLogger()

	child := tl.Named("registry")
	child.Info(context.Background(), "record written")

	entries := tl.FilterMessage("record written").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].LoggerName != "registry" {
		t.Errorf("LoggerName = %q, want registry", entries[0].LoggerName)
	}
}

func TestLogger_TraceLevelGated(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)
	l := &Logger{zap: zap.New(core), config: NewDefaultConfig()}

	l.Trace(context.Background(), "wire detail")

	if observed.Len() != 0 {
		t.Errorf("trace entry logged despite info-level core")
	}
}

func TestFromContext_FallsBackToNop(t *testing.T) {
	l := FromContext(context.Background())
	if l == nil {
		t.Fatal("FromContext() returned nil")
	}
	// Must not panic
	l.Info(context.Background(), "ignored")
}

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"trace", TraceLevel},
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		got, err := LevelFromString(tt.in)
		if err != nil {
			t.Errorf("LevelFromString(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("LevelFromString(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if _, err := LevelFromString("loud"); err == nil {
		t.Error("LevelFromString accepted invalid level")
	}
}
