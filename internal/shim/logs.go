//go:build linux

package shim

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"ross/internal/rlog"
)

// openAppendLog opens path for append, creating it if absent, for the
// runtime's stdout/stderr redirection at start time.
func openAppendLog(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// logs streams id's stdout and stderr logs: every existing line first,
// then (if follow) new lines as they're written via an fsnotify watch,
// stopping once the container has reached a terminal state and both log
// files have been drained. Emits a channel of timestamped LogEntry values
// instead of writing straight to os.Stdout.
func (s *Shim) Logs(ctx context.Context, id string, follow bool) (<-chan LogEntry, error) {
	out := make(chan LogEntry, 256)

	stdoutFile, err := os.Open(s.stdoutLogPath(id))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("open stdout log: %w", err)
	}
	stderrFile, err := os.Open(s.stderrLogPath(id))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("open stderr log: %w", err)
	}

	go func() {
		defer close(out)
		defer func() {
			if stdoutFile != nil {
				stdoutFile.Close()
			}
			if stderrFile != nil {
				stderrFile.Close()
			}
		}()

		var stdoutOffset, stderrOffset int64
		if stdoutFile != nil {
			stdoutOffset = emitNewLines(out, stdoutFile, 0, "stdout")
		}
		if stderrFile != nil {
			stderrOffset = emitNewLines(out, stderrFile, 0, "stderr")
		}
		if !follow {
			return
		}

		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			rlog.For("shim").WithError(err).Warn("follow logs: create watcher")
			return
		}
		defer watcher.Close()
		if stdoutFile != nil {
			_ = watcher.Add(s.stdoutLogPath(id))
		}
		if stderrFile != nil {
			_ = watcher.Add(s.stderrLogPath(id))
		}

		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == 0 {
					continue
				}
				if stdoutFile != nil && event.Name == s.stdoutLogPath(id) {
					stdoutOffset = emitNewLines(out, stdoutFile, stdoutOffset, "stdout")
				} else if stderrFile != nil && event.Name == s.stderrLogPath(id) {
					stderrOffset = emitNewLines(out, stderrFile, stderrOffset, "stderr")
				}
			case <-watcher.Errors:
				continue
			case <-ticker.C:
				meta, err := s.readMetadata(id)
				if err != nil {
					continue
				}
				if meta.State == StateStopped || meta.State == StateDeleted {
					if stdoutFile != nil {
						stdoutOffset = emitNewLines(out, stdoutFile, stdoutOffset, "stdout")
					}
					if stderrFile != nil {
						stderrOffset = emitNewLines(out, stderrFile, stderrOffset, "stderr")
					}
					return
				}
			}
		}
	}()

	return out, nil
}

func emitNewLines(out chan<- LogEntry, f *os.File, offset int64, stream string) int64 {
	if info, err := f.Stat(); err == nil && info.Size() < offset {
		offset = 0 // log truncated/rotated under us
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset
	}
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			out <- LogEntry{Timestamp: time.Now(), Stream: stream, Bytes: line}
		}
		if err != nil {
			break
		}
	}
	newOffset, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return offset
	}
	return newOffset
}
