package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestComponentTagsEntries(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, "info", "json")
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	logger := Component("syncer")
	logger.Info().Int64("user_id", 42).Msg("sync started")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Expected JSON log output, got error: %v (raw: %s)", err, buf.String())
	}
	if entry["component"] != "syncer" {
		t.Errorf("Expected component 'syncer', got %v", entry["component"])
	}
	if entry["message"] != "sync started" {
		t.Errorf("Expected message 'sync started', got %v", entry["message"])
	}
	if _, ok := entry["time"]; !ok {
		t.Error("Expected time field in log output")
	}
}

func TestInitFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, "loud", "json")
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	log.Debug().Msg("hidden")
	if buf.Len() != 0 {
		t.Errorf("Expected debug entry to be filtered at info level, got %s", buf.String())
	}
}
