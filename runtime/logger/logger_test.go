package logger

import (
	"bytes"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capture redirects log output to a buffer for the duration of the test.
func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	logOutput = &buf
	t.Cleanup(func() {
		logOutput = os.Stderr
		SetLevel(slog.LevelInfo)
	})
	return &buf
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want slog.Level
	}{
		{"debug", "debug", slog.LevelDebug},
		{"info", "info", slog.LevelInfo},
		{"warn", "warn", slog.LevelWarn},
		{"warning alias", "WARNING", slog.LevelWarn},
		{"error", "error", slog.LevelError},
		{"unknown defaults to info", "loud", slog.LevelInfo},
		{"empty defaults to info", "", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestSetOutputCapturesRecords(t *testing.T) {
	buf := capture(t)
	SetOutput(buf)

	Info("container opened", "path", "/tmp/a.umdf")

	out := buf.String()
	assert.Contains(t, out, "container opened")
	assert.Contains(t, out, "/tmp/a.umdf")
}

func TestConfigureJSONFormat(t *testing.T) {
	buf := capture(t)
	Configure("debug", FormatJSON, map[string]string{"service": "umdf-ui"})

	Debug("reader reopened", "path", "f.umdf")

	out := buf.String()
	require.True(t, strings.HasPrefix(strings.TrimSpace(out), "{"), "expected JSON output, got %q", out)
	assert.Contains(t, out, `"service":"umdf-ui"`)
	assert.Contains(t, out, `"reader reopened"`)
}

func TestConfigureLevelFiltersDebug(t *testing.T) {
	buf := capture(t)
	Configure("warn", FormatText, nil)

	Debug("suppressed record")
	Info("suppressed record")
	Warn("emitted record")

	out := buf.String()
	assert.NotContains(t, out, "suppressed record")
	assert.Contains(t, out, "emitted record")
}

func TestRedactSecrets(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "json password field",
			in:   `{"username":"alice","password":"s3cret"}`,
			want: `{"username":"alice","password": "[REDACTED]"}`,
		},
		{
			name: "json secret field with spaces",
			in:   `{"secret" : "hunter2"}`,
			want: `{"secret" : "[REDACTED]"}`,
		},
		{
			name: "query parameter",
			in:   "GET /api/modules/abc?password=hunter2&query=metadata",
			want: "GET /api/modules/abc?password=[REDACTED]&query=metadata",
		},
		{
			name: "bearer token",
			in:   "Authorization: Bearer abc.def.ghi",
			want: "Authorization: Bearer [REDACTED]",
		},
		{
			name: "no secrets untouched",
			in:   `{"schemaPath":"./schemas/lab/v1.json"}`,
			want: `{"schemaPath":"./schemas/lab/v1.json"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RedactSecrets(tt.in))
		})
	}
}

func TestRedactSecretsNeverKeepsValue(t *testing.T) {
	out := RedactSecrets(`{"password":"correct-horse-battery-staple"}`)
	assert.NotContains(t, out, "correct-horse")
}

func TestEngineCallHelpers(t *testing.T) {
	buf := capture(t)
	Configure("debug", FormatText, nil)

	EngineCall("writer", "addModule", "schema", "./schemas/lab/v1.json")
	Transition("viewing", "editing", "path", "f.umdf")

	out := buf.String()
	assert.Contains(t, out, "engine call")
	assert.Contains(t, out, "addModule")
	assert.Contains(t, out, "session transition")
	assert.Contains(t, out, "editing")
}
