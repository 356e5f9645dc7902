package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/likesync/likesync/logging"
	"github.com/likesync/likesync/messenger"
)

const (
	StageStarting    = "Starting..."
	StageDownloading = "Downloading..."
	StageMetadata    = "Reading metadata..."
	StageConverting  = "Converting..."
	StageTagging     = "Please wait..."
	StageUploading   = "Uploading..."
)

const barCells = 10

// ProgressBar renders "[█████░░░░░] 50% stage" with percent clamped to 0..100.
func ProgressBar(percent int, stage string) string {
	percent = max(0, min(100, percent))
	filled := barCells * percent / 100
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barCells-filled)
	return strings.TrimRight(fmt.Sprintf("[%s] %d%% %s", bar, percent, stage), " ")
}

// ProgressSink receives stage transitions. Reports are cosmetic: a sink
// must never fail the pipeline.
type ProgressSink interface {
	Report(ctx context.Context, percent int, stage string)
}

// NopSink drops every report.
type NopSink struct{}

func (NopSink) Report(context.Context, int, string) {}

type textEditor interface {
	EditText(ctx context.Context, chatID int64, messageID int, text string) error
}

// MessageSink edits one existing message in place, optionally prefixed with
// a caller summary such as the position in a sync batch.
type MessageSink struct {
	editor    textEditor
	chatID    int64
	messageID int
	prefix    string
	logger    zerolog.Logger
}

func NewMessageSink(editor textEditor, chatID int64, messageID int, prefix string) *MessageSink {
	return &MessageSink{
		editor:    editor,
		chatID:    chatID,
		messageID: messageID,
		prefix:    prefix,
		logger:    logging.Component("progress"),
	}
}

func (s *MessageSink) Report(ctx context.Context, percent int, stage string) {
	text := ProgressBar(percent, stage)
	if s.prefix != "" {
		text = s.prefix + "\n" + text
	}

	err := s.editor.EditText(ctx, s.chatID, s.messageID, text)
	switch {
	case err == nil, errors.Is(err, messenger.ErrNotModified):
	case errors.Is(err, messenger.ErrNotFound):
		// recreating the target is the status publisher's job
		s.logger.Debug().Int("message_id", s.messageID).Msg("progress target is gone")
	default:
		s.logger.Warn().Err(err).Int("message_id", s.messageID).Msg("failed to update progress")
	}
}
