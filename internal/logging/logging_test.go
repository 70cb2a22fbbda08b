package logging

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/goccy/go-json"
)

func TestJSONRecordCarriesFieldsAndRequestID(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Format: "json", Output: &buf}).With(Device("mid-tmc/subarray/01"))

	ctx := ContextWithRequestID(context.Background(), "req-1")
	log.Warn(ctx, "child refused", append(Command("Configure", "cmd-3"), Err(errors.New("not allowed")))...)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("record is not JSON: %v (%q)", err, buf.String())
	}
	want := map[string]string{
		"msg":        "child refused",
		"device":     "mid-tmc/subarray/01",
		"command":    "Configure",
		"command_id": "cmd-3",
		"error":      "not allowed",
		"request_id": "req-1",
	}
	for k, v := range want {
		if rec[k] != v {
			t.Fatalf("%s = %v, want %q", k, rec[k], v)
		}
	}
}

func TestLevelFiltersRecords(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Output: &buf})
	log.Info(context.Background(), "hidden")
	log.Error(context.Background(), "shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestEnsureRequestIDKeepsExisting(t *testing.T) {
	ctx, id := EnsureRequestID(context.Background())
	if id == "" {
		t.Fatal("no id generated")
	}
	_, again := EnsureRequestID(ctx)
	if again != id {
		t.Fatalf("id changed from %q to %q", id, again)
	}
}

func TestFromContextFallsBack(t *testing.T) {
	if FromContext(context.Background(), nil) == nil {
		t.Fatal("nil logger returned")
	}
	l := New(Config{Output: &bytes.Buffer{}})
	if got := FromContext(ContextWithLogger(context.Background(), l), nil); got != l {
		t.Fatal("stored logger not returned")
	}
}
