// Package pipeline turns one track reference into a delivered, tagged mp3.
package pipeline

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/likesync/likesync/logging"
	"github.com/likesync/likesync/messenger"
	"github.com/likesync/likesync/metrics"
	"github.com/likesync/likesync/tools"
)

const (
	rateLimitAttempts = 3
	rateLimitBuffer   = time.Second
	deliverAttempts   = 3
	deliverBackoff    = 2 * time.Second
	// Telegram rejects larger thumbnails
	maxThumbnailBytes = 200 * 1024
)

var (
	audioExtensions   = map[string]bool{".mp3": true, ".m4a": true, ".ogg": true, ".flac": true, ".wav": true}
	artworkExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}
)

type Fetcher interface {
	Fetch(ctx context.Context, url, dir string) error
}

type Transcoder interface {
	Transcode(ctx context.Context, in, out string) error
}

type AudioSender interface {
	SendAudio(ctx context.Context, chatID int64, audio messenger.Audio) (int, error)
}

// FailureStore receives the record of every failed track.
type FailureStore interface {
	AddUserError(userID int64, message string, context *string) error
	AddFailedTrack(userID int64, trackIdentifier, reason string) error
}

// Request describes one track to deliver.
type Request struct {
	URL    string
	UserID int64
	ChatID int64
	// ReplyTo is the message the audio answers; zero in bulk sync.
	ReplyTo  int
	Progress ProgressSink
}

type Deps struct {
	Fetcher    Fetcher
	Transcoder Transcoder
	Sender     AudioSender
	Store      FailureStore
	Metrics    metrics.Recorder
	// Extractors defaults to DefaultExtractors.
	Extractors map[string]CoverExtractor
}

type Pipeline struct {
	workDir    string
	fetcher    Fetcher
	transcoder Transcoder
	sender     AudioSender
	store      FailureStore
	metrics    metrics.Recorder
	extractors map[string]CoverExtractor
	logger     zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func New(workDir string, deps Deps) *Pipeline {
	extractors := deps.Extractors
	if extractors == nil {
		extractors = DefaultExtractors()
	}

	return &Pipeline{
		workDir:    workDir,
		fetcher:    deps.Fetcher,
		transcoder: deps.Transcoder,
		sender:     deps.Sender,
		store:      deps.Store,
		metrics:    metrics.OrNop(deps.Metrics),
		extractors: extractors,
		logger:     logging.Component("pipeline"),
		sleep:      sleepContext,
		now:        time.Now,
	}
}

// Process runs every stage for req and always removes its scratch directory.
// It never panics; failures are recorded to the store and returned in Result.
// Failures caused by ctx being cancelled are returned but not recorded.
func (p *Pipeline) Process(ctx context.Context, req Request) (res Result) {
	if req.Progress == nil {
		req.Progress = NopSink{}
	}
	logger := p.logger.With().Int64("user_id", req.UserID).Str("url", req.URL).Logger()

	dir, err := p.isolate(req)
	if err != nil {
		fail := &Failure{Kind: KindUnexpected, Detail: "failed to create scratch directory", Err: err}
		p.recordFailure(logger, req, fail)
		return Result{Err: fail}
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.Error().Err(err).Str("dir", dir).Msg("failed to remove scratch directory")
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("pipeline panicked")
			fail := &Failure{Kind: KindUnexpected, Detail: fmt.Sprint(r)}
			p.recordFailure(logger, req, fail)
			res = Result{Err: fail}
		}
	}()

	messageID, fail := p.run(ctx, logger, req, dir)
	if fail != nil {
		// interrupted tracks stay eligible for the next run
		if ctx.Err() != nil {
			logger.Warn().Err(fail).Str("kind", string(fail.Kind)).Msg("track interrupted")
			return Result{Err: fail}
		}
		p.recordFailure(logger, req, fail)
		return Result{Err: fail}
	}

	p.metrics.RecordTrack("sent")
	logger.Info().Int("message_id", messageID).Msg("track delivered")
	return Result{MessageID: messageID}
}

func (p *Pipeline) run(ctx context.Context, logger zerolog.Logger, req Request, dir string) (int, *Failure) {
	sink := req.Progress

	sink.Report(ctx, 0, StageStarting)
	sink.Report(ctx, 5, StageDownloading)

	start := p.now()
	if err := p.fetcher.Fetch(ctx, req.URL, dir); err != nil {
		return 0, &Failure{Kind: KindFetch, Detail: toolDetail(err), Err: err}
	}
	p.metrics.RecordStage("fetch", p.now().Sub(start))

	audioPath, artworkPath, err := scanFetched(dir)
	if err != nil {
		return 0, &Failure{Kind: KindFetch, Detail: "failed to read download directory", Err: err}
	}
	if audioPath == "" {
		return 0, &Failure{Kind: KindFetch, Detail: "no audio file produced"}
	}

	sink.Report(ctx, 35, StageMetadata)
	embedded := p.extractCover(logger, audioPath)

	canonical := audioPath
	if ext := strings.ToLower(filepath.Ext(audioPath)); ext != ".mp3" {
		sink.Report(ctx, 40, StageConverting)

		stem := strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
		canonical = filepath.Join(dir, SanitizeFileName(stem)+".mp3")

		start = p.now()
		if err := p.transcoder.Transcode(ctx, audioPath, canonical); err != nil {
			return 0, &Failure{Kind: KindTranscode, Detail: toolDetail(err), Err: err}
		}
		p.metrics.RecordStage("transcode", p.now().Sub(start))
	}

	sink.Report(ctx, 70, StageTagging)
	meta := resolveMetadata(audioPath, canonical)
	meta.Cover = embedded
	if artworkPath != "" {
		cover, err := readArtworkFile(artworkPath)
		if err != nil {
			logger.Warn().Err(err).Str("file", artworkPath).Msg("failed to read artwork file")
		} else if cover != nil {
			meta.Cover = cover
		}
	}
	if err := writeTags(canonical, meta); err != nil {
		return 0, &Failure{Kind: KindTag, Detail: err.Error(), Err: err}
	}

	sink.Report(ctx, 99, StageUploading)
	start = p.now()
	messageID, fail := p.deliver(ctx, logger, req, canonical, meta)
	if fail != nil {
		return 0, fail
	}
	p.metrics.RecordStage("deliver", p.now().Sub(start))

	return messageID, nil
}

// isolate creates a scratch directory unique to this invocation, even for
// repeated requests of the same track.
func (p *Pipeline) isolate(req Request) (string, error) {
	sum := md5.Sum([]byte(req.URL))
	name := fmt.Sprintf("track_%s_%d", hex.EncodeToString(sum[:])[:8], p.now().UnixNano())
	dir := filepath.Join(p.workDir, strconv.FormatInt(req.UserID, 10), name)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func scanFetched(dir string) (audio, artwork string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", "", err
	}

	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		switch {
		case audioExtensions[ext] && audio == "":
			audio = filepath.Join(dir, e.Name())
		case artworkExtensions[ext] && artwork == "":
			artwork = filepath.Join(dir, e.Name())
		}
	}
	return audio, artwork, nil
}

func (p *Pipeline) extractCover(logger zerolog.Logger, path string) *Cover {
	extractor, ok := p.extractors[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return nil
	}

	cover, err := extractor.ExtractCover(path)
	if err != nil {
		logger.Warn().Err(err).Str("file", filepath.Base(path)).Msg("artwork extraction failed")
		return nil
	}
	return cover
}

func (p *Pipeline) deliver(ctx context.Context, logger zerolog.Logger, req Request, path string, meta Metadata) (int, *Failure) {
	audio := messenger.Audio{
		Path:      path,
		FileName:  SanitizeFileName(meta.Performer + " - " + meta.Title + ".mp3"),
		Title:     meta.Title,
		Performer: meta.Performer,
		ReplyTo:   req.ReplyTo,
	}
	if meta.Cover != nil && meta.Cover.MIMEType == "image/jpeg" && len(meta.Cover.Data) <= maxThumbnailBytes {
		audio.Thumbnail = meta.Cover.Data
	}

	var rateLimited, failed int
	for {
		messageID, err := p.sender.SendAudio(ctx, req.ChatID, audio)
		if err == nil {
			return messageID, nil
		}

		if wait, ok := messenger.RetryAfter(err); ok {
			rateLimited++
			if rateLimited >= rateLimitAttempts {
				return 0, &Failure{Kind: KindDeliverRateLimited, Detail: err.Error(), Err: err}
			}
			p.metrics.RecordRateLimitRetry("send_audio")
			logger.Warn().Dur("retry_after", wait).Int("attempt", rateLimited).Msg("rate limited sending audio")
			if err := p.sleep(ctx, wait+rateLimitBuffer); err != nil {
				return 0, &Failure{Kind: KindDeliverRateLimited, Detail: err.Error(), Err: err}
			}
			continue
		}

		// no point retrying someone who cannot receive messages
		if errors.Is(err, messenger.ErrUnreachable) || errors.Is(err, messenger.ErrPermission) {
			return 0, &Failure{Kind: KindDeliverOther, Detail: err.Error(), Err: err}
		}

		failed++
		if failed >= deliverAttempts {
			return 0, &Failure{Kind: KindDeliverOther, Detail: err.Error(), Err: err}
		}
		logger.Warn().Err(err).Int("attempt", failed).Msg("failed to send audio, retrying")
		if err := p.sleep(ctx, time.Duration(failed)*deliverBackoff); err != nil {
			return 0, &Failure{Kind: KindDeliverOther, Detail: err.Error(), Err: err}
		}
	}
}

// recordFailure logs fail and stores it in the error log and the failed
// ledger. Unreachable users are not ledgered: the track itself is fine.
func (p *Pipeline) recordFailure(logger zerolog.Logger, req Request, fail *Failure) {
	p.metrics.RecordTrack(string(fail.Kind))
	logger.Error().Err(fail.Err).Str("kind", string(fail.Kind)).Str("detail", fail.Detail).Msg("track failed")

	if p.store == nil {
		return
	}

	url := req.URL
	if err := p.store.AddUserError(req.UserID, fail.Error(), &url); err != nil {
		logger.Error().Err(err).Msg("failed to record user error")
	}
	if errors.Is(fail, messenger.ErrUnreachable) {
		return
	}
	if err := p.store.AddFailedTrack(req.UserID, req.URL, fail.Error()); err != nil {
		logger.Error().Err(err).Msg("failed to record failed track")
	}
}

func toolDetail(err error) string {
	var exitErr *tools.ExitError
	if errors.As(err, &exitErr) {
		if reason := exitErr.Reason(); reason != "" {
			return reason
		}
		return fmt.Sprintf("%s exited with %d", exitErr.Tool, exitErr.Code)
	}
	if errors.Is(err, tools.ErrTimeout) {
		return "timed out"
	}
	return err.Error()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
