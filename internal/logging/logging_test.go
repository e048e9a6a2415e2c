package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"robot-gateway-go/internal/config"
)

func TestNewServiceLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = prev }()

	cfg := &config.Config{NodeID: "node-7"}
	l := WithCamera(NewServiceLogger(cfg, "camera-gateway"), 2)
	l.Info().Msg("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if line["node_id"] != "node-7" || line["service"] != "camera-gateway" || line["camera_id"] != float64(2) {
		t.Errorf("fields = %v", line)
	}
}

func TestLogdyWriterTagsAndFilters(t *testing.T) {
	var lines []string
	w := newLogdyWriter(func(s string) { lines = append(lines, s) }, "node-3", zerolog.InfoLevel)
	l := zerolog.New(zerolog.MultiLevelWriter(w))

	l.Debug().Msg("hidden")
	l.Info().Str("gateway", "camera").Msg("shown")
	tagged := l.With().Str("node_id", "other").Logger()
	tagged.Warn().Msg("kept")

	if len(lines) != 2 {
		t.Fatalf("got %d lines: %q", len(lines), lines)
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode %q: %v", lines[0], err)
	}
	if first["node_id"] != "node-3" || first["gateway"] != "camera" || first["message"] != "shown" {
		t.Errorf("first line = %v", first)
	}
	var second map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("decode %q: %v", lines[1], err)
	}
	if second["node_id"] != "other" {
		t.Errorf("existing node_id overwritten: %v", second)
	}

	if got := string(w.tag([]byte("{}\n"))); got != `{"node_id":"node-3"}` {
		t.Errorf("empty object tagged as %s", got)
	}
	if got := string(w.tag([]byte("plain text\n"))); got != "plain text" {
		t.Errorf("non-JSON line = %q", got)
	}
}
