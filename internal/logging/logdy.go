package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"robot-gateway-go/internal/config"

	"github.com/logdyhq/logdy-core/logdy"
)

// logdyWriter forwards JSON log lines to the Logdy UI. Lines below min
// are skipped, and lines without a node_id are tagged with this node's
// so logs from several gateways can share one UI.
type logdyWriter struct {
	emit    func(string)
	nodeTag []byte // `"node_id":"<id>"`
	min     zerolog.Level
}

func newLogdyWriter(emit func(string), nodeID string, minLevel zerolog.Level) *logdyWriter {
	id, _ := json.Marshal(nodeID)
	return &logdyWriter{
		emit:    emit,
		nodeTag: append([]byte(`"node_id":`), id...),
		min:     minLevel,
	}
}

func (w *logdyWriter) Write(p []byte) (int, error) {
	w.emit(string(w.tag(p)))
	return len(p), nil
}

// WriteLevel implements zerolog.LevelWriter.
func (w *logdyWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < w.min {
		return len(p), nil
	}
	return w.Write(p)
}

func (w *logdyWriter) tag(p []byte) []byte {
	line := bytes.TrimRight(p, "\n")
	if len(line) < 2 || line[0] != '{' || bytes.Contains(line, []byte(`"node_id":`)) {
		return line
	}
	out := make([]byte, 0, len(line)+len(w.nodeTag)+1)
	out = append(out, '{')
	out = append(out, w.nodeTag...)
	if rest := line[1:]; !bytes.Equal(bytes.TrimSpace(rest), []byte("}")) {
		out = append(out, ',')
	}
	return append(out, line[1:]...)
}

// StartLogdy starts the embedded Logdy web UI and returns a writer that
// tees log lines into it, plus the UI URL.
func StartLogdy(cfg *config.Config) (io.Writer, string, error) {
	minLevel, err := zerolog.ParseLevel(cfg.LogdyLevel)
	if err != nil || cfg.LogdyLevel == "" {
		return nil, "", fmt.Errorf("invalid LOGDY_LEVEL %q", cfg.LogdyLevel)
	}

	portStr := strconv.Itoa(cfg.LogdyPort)
	ld := logdy.InitializeLogdy(logdy.Config{
		ServerIp:   cfg.LogdyHost,
		ServerPort: portStr,
	}, nil)

	url := fmt.Sprintf("http://%s:%s", cfg.LogdyHost, portStr)
	log.Info().Str("url", url).Str("node_id", cfg.NodeID).Str("min_level", minLevel.String()).Msg("Logdy UI available")
	return newLogdyWriter(func(s string) { ld.LogString(s) }, cfg.NodeID, minLevel), url, nil
}
