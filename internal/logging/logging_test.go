package logging_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/raysh454/m365guard/internal/logging"
)

func TestStdoutLogger_WritesJSONLines(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := logging.NewWriterLogger("test", &buf)

	l.Info("hello", logging.Field{Key: "n", Value: 3})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal: %v (raw %q)", err, buf.String())
	}
	if entry["level"] != "info" || entry["msg"] != "hello" || entry["component"] != "test" {
		t.Errorf("unexpected entry: %v", entry)
	}
	fields, _ := entry["fields"].(map[string]any)
	if fields["n"] != float64(3) {
		t.Errorf("expected field n=3, got %v", fields["n"])
	}
}

func TestStdoutLogger_WithCarriesFieldsAndComponent(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := logging.NewWriterLogger("root", &buf).With(
		logging.Field{Key: "component", Value: "child"},
		logging.Field{Key: "tab", Value: 7},
	)

	l.Warn("scoped")

	out := buf.String()
	if !strings.Contains(out, `"component":"child"`) {
		t.Errorf("expected child component, got %s", out)
	}
	if !strings.Contains(out, `"tab":7`) {
		t.Errorf("expected persistent tab field, got %s", out)
	}
}

func TestLevelFilter_GatesDebug(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	f := logging.NewLevelFilter(logging.NewWriterLogger("f", &buf))
	child := f.With(logging.Field{Key: "x", Value: 1})

	child.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected debug suppressed, got %q", buf.String())
	}

	f.SetDebug(true)
	child.Debug("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("expected debug after SetDebug(true), got %q", buf.String())
	}
}
