package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected slog.Level
		wantErr  bool
	}{
		{name: "debug level", input: "DEBUG", expected: slog.LevelDebug},
		{name: "info level", input: "INFO", expected: slog.LevelInfo},
		{name: "empty defaults to info", input: "", expected: slog.LevelInfo},
		{name: "warn level", input: "WARN", expected: slog.LevelWarn},
		{name: "warning level", input: "WARNING", expected: slog.LevelWarn},
		{name: "error level", input: "ERROR", expected: slog.LevelError},
		{name: "case insensitive", input: "debug", expected: slog.LevelDebug},
		{name: "invalid level", input: "INVALID", expected: slog.LevelInfo, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseLogLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseLogLevel() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if result != tt.expected {
				t.Errorf("ParseLogLevel() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestParseLogFormat(t *testing.T) {
	tests := []struct {
		input    string
		expected LogFormat
		wantErr  bool
	}{
		{"", FormatText, false},
		{"text", FormatText, false},
		{"JSON", FormatJSON, false},
		{"xml", FormatText, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result, err := ParseLogFormat(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseLogFormat() error = %v, wantErr %v", err, tt.wantErr)
			}
			if result != tt.expected {
				t.Errorf("ParseLogFormat() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	t.Run("json handler", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(slog.LevelInfo, FormatJSON, &buf)
		ComponentLogger(logger, "registry").Info("sweep complete", "removed", 3)

		var entry map[string]interface{}
		if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
			t.Fatalf("output is not json: %v (%q)", err, buf.String())
		}
		if entry["component"] != "registry" {
			t.Errorf("component = %v, want registry", entry["component"])
		}
		if entry["msg"] != "sweep complete" {
			t.Errorf("msg = %v, want %q", entry["msg"], "sweep complete")
		}
	})

	t.Run("level filtering", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(slog.LevelWarn, FormatText, &buf)
		logger.Info("hidden")
		logger.Warn("shown")

		out := buf.String()
		if strings.Contains(out, "hidden") {
			t.Error("info message should be filtered at warn level")
		}
		if !strings.Contains(out, "shown") {
			t.Error("warn message should be written")
		}
	})
}

func TestSetupLogging(t *testing.T) {
	previous := slog.Default()
	defer slog.SetDefault(previous)

	t.Run("invalid level", func(t *testing.T) {
		if _, err := SetupLogging("LOUD", "text", LogOutput{}); err == nil {
			t.Error("expected error for invalid level")
		}
	})

	t.Run("log file", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "engine.log")
		closer, err := SetupLogging("DEBUG", "json", LogOutput{File: logFile, MaxSize: 1 << 20})
		if err != nil {
			t.Fatalf("SetupLogging() error = %v", err)
		}

		slog.Default().Debug("written to file")
		if !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
			t.Error("default logger should be enabled at debug")
		}
		if err := closer.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}

		data, err := os.ReadFile(logFile)
		if err != nil {
			t.Fatalf("failed to read log file: %v", err)
		}
		if !strings.Contains(string(data), "written to file") {
			t.Errorf("log file missing entry: %q", string(data))
		}
	})
}

func TestDiscardLogger(t *testing.T) {
	logger := DiscardLogger()
	if logger == nil {
		t.Fatal("DiscardLogger returned nil")
	}
	logger.Error("nothing happens")
}
