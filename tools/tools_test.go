package tools

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

type call struct {
	name string
	args []string
}

type fakeRunner struct {
	calls  []call
	stdout string
	err    error
	// onRun lets a test create files the tool would have produced
	onRun func(args []string)
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.calls = append(f.calls, call{name: name, args: args})
	if f.onRun != nil {
		f.onRun(args)
	}
	return []byte(f.stdout), nil, f.err
}

func TestSCDLFetchArgs(t *testing.T) {
	runner := &fakeRunner{}
	scdl := NewSCDL("scdl", runner)

	if err := scdl.Fetch(context.Background(), "https://soundcloud.com/a/b", "/tmp/x"); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	want := []string{"-l", "https://soundcloud.com/a/b", "-c", "--path", "/tmp/x", "--overwrite", "--hide-progress"}
	if len(runner.calls) != 1 || !reflect.DeepEqual(runner.calls[0].args, want) {
		t.Errorf("Expected args %v, got %+v", want, runner.calls)
	}
}

func TestFFmpegTranscode(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.mp3")

	runner := &fakeRunner{onRun: func(args []string) {
		os.WriteFile(args[len(args)-1], []byte("mp3"), 0o644)
	}}
	ff := NewFFmpeg("ffmpeg", runner)

	if err := ff.Transcode(context.Background(), "in.m4a", out); err != nil {
		t.Fatalf("Transcode failed: %v", err)
	}

	want := []string{"-y", "-i", "in.m4a", "-vn", "-ar", "44100", "-ac", "2", "-b:a", "192k", out}
	if !reflect.DeepEqual(runner.calls[0].args, want) {
		t.Errorf("Expected args %v, got %v", want, runner.calls[0].args)
	}
}

func TestFFmpegMissingOutput(t *testing.T) {
	ff := NewFFmpeg("ffmpeg", &fakeRunner{})

	err := ff.Transcode(context.Background(), "in.m4a", filepath.Join(t.TempDir(), "out.mp3"))
	if err == nil {
		t.Fatal("Expected error when no output file is produced")
	}
}

func TestYTDLPListLikes(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		err    error
		want   []string
		wantOK bool
	}{
		{
			name:   "filters non-track lines",
			stdout: "https://soundcloud.com/a/one\nNA\n\n  https://soundcloud.com/b/two  \nhttps://example.com/x\n",
			want:   []string{"https://soundcloud.com/a/one", "https://soundcloud.com/b/two"},
			wantOK: true,
		},
		{
			name:   "empty output is no likes",
			stdout: "",
			want:   nil,
			wantOK: true,
		},
		{
			name:   "non-zero exit",
			err:    &ExitError{Tool: "yt-dlp", Code: 1, Stderr: "ERROR: Unable to download"},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{stdout: tt.stdout, err: tt.err}
			lister := NewYTDLP("yt-dlp", runner)

			got, err := lister.ListLikes(context.Background(), "someone")
			if tt.wantOK != (err == nil) {
				t.Fatalf("ListLikes() error = %v, wantOK %v", err, tt.wantOK)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ListLikes() = %v, want %v", got, tt.want)
			}

			args := runner.calls[0].args
			if args[len(args)-1] != "https://soundcloud.com/someone/likes" {
				t.Errorf("Expected likes url last, got %v", args)
			}
		})
	}
}

func TestExitErrorReason(t *testing.T) {
	err := &ExitError{Tool: "scdl", Code: 2, Stderr: "starting\nERROR: track is private\n\n"}

	if got := err.Reason(); got != "ERROR: track is private" {
		t.Errorf("Expected last stderr line, got %q", got)
	}
}

type countingLister struct {
	calls int
	err   error
}

func (c *countingLister) ListLikes(ctx context.Context, handle string) ([]string, error) {
	c.calls++
	return nil, c.err
}

func TestBreakerListerOpensAfterThreshold(t *testing.T) {
	inner := &countingLister{err: errors.New("boom")}
	lister := NewBreakerLister(inner, 3, time.Hour)

	for i := 0; i < 3; i++ {
		if _, err := lister.ListLikes(context.Background(), "h"); err == nil {
			t.Fatal("Expected inner error")
		}
	}

	_, err := lister.ListLikes(context.Background(), "h")
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("Expected open state error, got %v", err)
	}
	if inner.calls != 3 {
		t.Errorf("Expected 3 inner calls, got %d", inner.calls)
	}
	if lister.State() != "open" {
		t.Errorf("Expected open state, got %s", lister.State())
	}
}

func TestExecRunner(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	t.Run("non-zero exit", func(t *testing.T) {
		runner := NewExecRunner(time.Minute)
		_, _, err := runner.Run(context.Background(), "sh", "-c", "echo first >&2; echo last >&2; exit 3")

		var exitErr *ExitError
		if !errors.As(err, &exitErr) {
			t.Fatalf("Expected ExitError, got %v", err)
		}
		if exitErr.Code != 3 || exitErr.Reason() != "last" {
			t.Errorf("Expected code 3 and reason last, got %d %q", exitErr.Code, exitErr.Reason())
		}
	})

	t.Run("timeout", func(t *testing.T) {
		runner := NewExecRunner(100 * time.Millisecond)
		_, _, err := runner.Run(context.Background(), "sh", "-c", "sleep 5")
		if !errors.Is(err, ErrTimeout) {
			t.Errorf("Expected timeout, got %v", err)
		}
	})

	t.Run("timeout kills children", func(t *testing.T) {
		// the trailing echo keeps sh from exec'ing sleep, so sleep is a
		// grandchild holding the output pipes
		runner := NewExecRunner(300 * time.Millisecond)

		start := time.Now()
		_, _, err := runner.Run(context.Background(), "sh", "-c", "sleep 20; echo done")
		took := time.Since(start)

		if !errors.Is(err, ErrTimeout) {
			t.Errorf("Expected timeout, got %v", err)
		}
		if took > 5*time.Second {
			t.Errorf("Expected Run to return soon after the timeout, took %s", took)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		runner := NewExecRunner(time.Minute)
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(200*time.Millisecond, cancel)

		start := time.Now()
		_, _, err := runner.Run(ctx, "sh", "-c", "sleep 20; echo done")
		took := time.Since(start)

		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			t.Errorf("Expected cancellation not to look like a tool failure, got %v", err)
		}
		if took > 5*time.Second {
			t.Errorf("Expected Run to return soon after cancellation, took %s", took)
		}
	})

	t.Run("stdout captured", func(t *testing.T) {
		runner := NewExecRunner(time.Minute)
		stdout, _, err := runner.Run(context.Background(), "sh", "-c", "echo hello")
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if string(stdout) != "hello\n" {
			t.Errorf("Expected hello, got %q", stdout)
		}
	})
}
