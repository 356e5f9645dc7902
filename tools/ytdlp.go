package tools

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"
)

// TrackPrefix is what every accepted track identifier starts with.
const TrackPrefix = "https://soundcloud.com/"

// LikesLister enumerates a profile's liked tracks, newest first.
type LikesLister interface {
	ListLikes(ctx context.Context, handle string) ([]string, error)
}

// YTDLP lists likes with yt-dlp's flat playlist mode.
type YTDLP struct {
	Binary string
	Runner Runner
}

func NewYTDLP(binary string, runner Runner) *YTDLP {
	return &YTDLP{Binary: binary, Runner: runner}
}

// LikesURL is the likes endpoint for a handle.
func LikesURL(handle string) string {
	return TrackPrefix + handle + "/likes"
}

// ListLikes returns track URLs in the order yt-dlp prints them. An empty
// result with a clean exit is not an error.
func (y *YTDLP) ListLikes(ctx context.Context, handle string) ([]string, error) {
	stdout, _, err := y.Runner.Run(ctx, y.Binary,
		"--flat-playlist",
		"--print", "%(url)s",
		"--no-warnings",
		"-q",
		LikesURL(handle),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list likes for %s: %w", handle, err)
	}

	return parseTrackURLs(stdout), nil
}

func parseTrackURLs(out []byte) []string {
	var urls []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, TrackPrefix) {
			urls = append(urls, line)
		}
	}
	return urls
}
