package ingest

import (
	"bufio"
	"context"
	"io"
	"os"
	"time"

	"azazel.dev/azazel/internal/logging"
)

// Tailer follows an append-only JSON-lines file across truncation and
// rotation, the way azazel_core/ingest/canary_tail.py's CanaryTail
// does: track a byte offset, detect a shrunk file size as truncation
// (reset to zero), and on the first poll with SkipExisting seek to
// end-of-file instead of replaying the whole backlog.
type Tailer struct {
	Path         string
	SkipExisting bool
	PollInterval time.Duration
	MissingSleep time.Duration

	logger *logging.Logger
	clock  func() time.Time

	offset      int64
	initialized bool
}

// New constructs a Tailer for path. logger may be nil, in which case a
// component-tagged default logger is used.
func New(path string, skipExisting bool, logger *logging.Logger) *Tailer {
	if logger == nil {
		logger = logging.WithComponent("ingest.tailer")
	}
	return &Tailer{
		Path:         path,
		SkipExisting: skipExisting,
		PollInterval: 500 * time.Millisecond,
		MissingSleep: time.Second,
		logger:       logger,
		clock:        time.Now,
	}
}

// Lines returns a channel of raw text lines (newline stripped) that
// blocks until ctx is cancelled. The tailer never closes the channel
// on an error; I/O failures are retried indefinitely per the
// component's failure semantics.
func (t *Tailer) Lines(ctx context.Context) <-chan string {
	out := make(chan string)
	go t.run(ctx, out)
	return out
}

func (t *Tailer) run(ctx context.Context, out chan<- string) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		info, err := os.Stat(t.Path)
		if err != nil {
			if sleepCtx(ctx, t.MissingSleep) {
				return
			}
			continue
		}

		if info.Size() < t.offset {
			t.logger.Debug("file truncated or rotated, resetting offset", "path", t.Path)
			t.offset = 0
		}
		if !t.initialized {
			t.initialized = true
			if t.SkipExisting {
				t.offset = info.Size()
			}
		}

		if err := t.poll(ctx, out); err != nil {
			t.logger.Debug("tailer poll error, retrying", "path", t.Path, "error", err)
		}

		if sleepCtx(ctx, t.PollInterval) {
			return
		}
	}
}

func (t *Tailer) poll(ctx context.Context, out chan<- string) error {
	f, err := os.Open(t.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return err
	}

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 && err == nil {
			t.offset += int64(len(line))
			select {
			case out <- trimNewline(line):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		if err == io.EOF {
			// Partial (unterminated) trailing line: leave the offset
			// where it was and pick it back up on the next poll.
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func trimNewline(s string) string {
	if n := len(s); n > 0 && s[n-1] == '\n' {
		s = s[:n-1]
	}
	if n := len(s); n > 0 && s[n-1] == '\r' {
		s = s[:n-1]
	}
	return s
}

// sleepCtx sleeps for d or until ctx is cancelled, returning true if
// cancellation won the race.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
