package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"aufloes/pkg/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		cfg     *config.LoggingConfig
		name    string
		wantErr bool
	}{
		{
			name: "text format stdout",
			cfg: &config.LoggingConfig{
				Level:  "info",
				Format: "text",
				Output: "stdout",
			},
		},
		{
			name: "json format stderr",
			cfg: &config.LoggingConfig{
				Level:  "debug",
				Format: "json",
				Output: "stderr",
			},
		},
		{
			name: "unwritable file",
			cfg: &config.LoggingConfig{
				Level:    "info",
				Format:   "text",
				Output:   "file",
				FilePath: filepath.Join(os.TempDir(), "no-such-dir", "x", "log.txt"),
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && logger == nil {
				t.Error("New() returned nil logger")
			}
		})
	}
}

func TestNewDefault(t *testing.T) {
	logger := NewDefault()
	if logger == nil {
		t.Fatal("NewDefault() returned nil")
	}
	if logger.cfg.Level != "info" {
		t.Errorf("Expected default level info, got %s", logger.cfg.Level)
	}
	if logger.Level() != slog.LevelInfo {
		t.Errorf("Expected slog level info, got %v", logger.Level())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo}, // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := parseLevel(tt.level); got != tt.want {
				t.Errorf("parseLevel(%s) = %v, want %v", tt.level, got, tt.want)
			}
		})
	}
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, &config.LoggingConfig{Level: "info", Format: "text"})
	child := logger.WithField("request", 1)

	child.Debug("hidden message")
	if strings.Contains(buf.String(), "hidden message") {
		t.Fatal("Debug message logged at info level")
	}

	// Derived loggers share the level
	logger.SetLevel("debug")
	child.Debug("visible message")
	if !strings.Contains(buf.String(), "visible message") {
		t.Errorf("Debug message missing after SetLevel. Got: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "request=1") {
		t.Errorf("Field missing from derived logger output. Got: %s", buf.String())
	}
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, &config.LoggingConfig{Level: "info", Format: "text"})

	newLogger := logger.WithFields(map[string]any{
		"key1": "value1",
		"key2": 42,
	})
	if newLogger == logger {
		t.Error("WithFields() should return a new logger instance")
	}

	newLogger.Info("fields message")
	output := buf.String()
	if !strings.Contains(output, "key1=value1") || !strings.Contains(output, "key2=42") {
		t.Errorf("Log output doesn't contain fields. Got: %s", output)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, &config.LoggingConfig{Level: "info", Format: "json"})

	logger.Info("json message", "key", "value")

	output := buf.String()
	if !strings.Contains(output, `"msg":"json message"`) {
		t.Errorf("Expected JSON output. Got: %s", output)
	}
}

func TestGlobalLogger(t *testing.T) {
	if Global() == nil {
		t.Fatal("Global() returned nil")
	}

	previous := Global()
	defer SetGlobal(previous)

	newLogger := NewDefault()
	SetGlobal(newLogger)
	if Global() != newLogger {
		t.Error("SetGlobal() did not update global logger")
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")

	logger, err := New(&config.LoggingConfig{
		Level:    "info",
		Format:   "text",
		Output:   "file",
		FilePath: path,
	})
	if err != nil {
		t.Fatalf("Failed to create logger with file output: %v", err)
	}

	logger.Info("test file message")

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(content), "test file message") {
		t.Errorf("Log file doesn't contain message. Got: %s", string(content))
	}
}
