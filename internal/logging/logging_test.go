package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func withOutput(t *testing.T, buf *bytes.Buffer) {
	t.Helper()
	mu.Lock()
	output = buf
	mu.Unlock()
	t.Cleanup(func() {
		mu.Lock()
		output = os.Stderr
		baseLogger = zerolog.New(output).With().Timestamp().Logger()
		log.Logger = baseLogger
		mu.Unlock()
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	})
}

func TestInitJSONIncludesComponent(t *testing.T) {
	var buf bytes.Buffer
	withOutput(t, &buf)

	logger := Init(Config{Format: "json", Level: "debug", Component: "planserver"})
	logger.Debug().Str("event_id", "evt_1").Msg("stored")

	var event map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &event); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if event["component"] != "planserver" {
		t.Errorf("component = %v, want planserver", event["component"])
	}
	if event["event_id"] != "evt_1" {
		t.Errorf("event_id = %v, want evt_1", event["event_id"])
	}
	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Errorf("global level = %v, want debug", zerolog.GlobalLevel())
	}
}

func TestInitReplacesGlobalLogger(t *testing.T) {
	var buf bytes.Buffer
	withOutput(t, &buf)

	Init(Config{Format: "json"})
	log.Info().Msg("hello")

	if !strings.Contains(buf.String(), `"message":"hello"`) {
		t.Errorf("global logger output = %q", buf.String())
	}
}

func TestInitConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	withOutput(t, &buf)

	logger := Init(Config{Format: "console"})
	logger.Info().Msg("ready")

	out := buf.String()
	if strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Errorf("console output looks like JSON: %q", out)
	}
	if !strings.Contains(out, "ready") {
		t.Errorf("console output missing message: %q", out)
	}
}

func TestWithComponentDerivesFromBase(t *testing.T) {
	var buf bytes.Buffer
	withOutput(t, &buf)

	Init(Config{Format: "json", Level: "warn"})
	logger := WithComponent("polar-mock")
	logger.Info().Msg("dropped")
	logger.Warn().Msg("kept")

	var event map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &event); err != nil {
		t.Fatalf("unmarshal log line %q: %v", buf.String(), err)
	}
	if event["component"] != "polar-mock" {
		t.Errorf("component = %v, want polar-mock", event["component"])
	}
	if event["message"] != "kept" {
		t.Errorf("message = %v, want kept", event["message"])
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"trace":   zerolog.TraceLevel,
		"DEBUG":   zerolog.DebugLevel,
		" warn ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSelectWriterAuto(t *testing.T) {
	var buf bytes.Buffer
	if w := selectWriter("auto", &buf); w != &buf {
		t.Errorf("auto with non-file writer should stay raw")
	}

	orig := isTerminalFn
	t.Cleanup(func() { isTerminalFn = orig })
	isTerminalFn = func(int) bool { return true }

	if _, ok := selectWriter("", os.Stderr).(zerolog.ConsoleWriter); !ok {
		t.Errorf("auto on a terminal should use the console writer")
	}
	isTerminalFn = func(int) bool { return false }
	if w := selectWriter("", os.Stderr); w != os.Stderr {
		t.Errorf("auto off a terminal should stay raw")
	}
}
