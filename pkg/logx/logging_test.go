package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func bufferLogger(buf *bytes.Buffer, level zerolog.Level) Logger {
	return Logger{base: zerolog.New(buf).Level(level), hasBase: true}
}

func TestLogWritesLeveledJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := bufferLogger(&buf, zerolog.InfoLevel)

	log.Info("server listening", String("addr", "127.0.0.1:8080"), Int("port", 8080))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if line["message"] != "server listening" {
		t.Fatalf("message = %v", line["message"])
	}
	if line["addr"] != "127.0.0.1:8080" {
		t.Fatalf("addr = %v", line["addr"])
	}
	if line["level"] != "info" {
		t.Fatalf("level = %v", line["level"])
	}
}

func TestLogHonorsLevelFilter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := bufferLogger(&buf, zerolog.WarnLevel)

	log.Debug("noise")
	log.Info("still noise")
	if buf.Len() != 0 {
		t.Fatalf("below-level output: %q", buf.String())
	}

	log.Warn("kept", Err(errors.New("boom")))
	if !strings.Contains(buf.String(), "boom") {
		t.Fatalf("warn output missing err: %q", buf.String())
	}
}

func TestWithCarriesFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := bufferLogger(&buf, zerolog.InfoLevel).With(String("comp", "throttle"))

	log.Info("queued")
	if !strings.Contains(buf.String(), `"comp":"throttle"`) {
		t.Fatalf("derived field missing: %q", buf.String())
	}
}

func TestZeroAndNopLoggersAreSilent(t *testing.T) {
	t.Parallel()

	var zero Logger
	zero.Info("into the void")
	zero.Error("still nothing", Err(errors.New("x")))

	Nop().Warn("dropped")

	if !zero.IsZero() {
		t.Fatal("zero logger must report IsZero")
	}
	if Nop().IsZero() {
		t.Fatal("Nop logger is usable, not zero")
	}
}
