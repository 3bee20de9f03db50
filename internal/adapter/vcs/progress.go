package vcs

import (
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/arturoeanton/repolens/internal/domain"
	"github.com/arturoeanton/repolens/internal/port"
)

var objectCounts = regexp.MustCompile(`(\d+)/(\d+)`)

// progressBridge adapts go-git's io.Writer progress stream to a ProgressFunc.
// Updates flow through a single-producer/single-consumer queue so the git
// worker is never blocked by a slow subscriber; when the queue is full the
// oldest pending update is dropped.
type progressBridge struct {
	bytes   atomic.Int64
	updates chan domain.TaskProgress
	done    chan struct{}
}

func newProgressBridge(progress port.ProgressFunc) *progressBridge {
	b := &progressBridge{
		updates: make(chan domain.TaskProgress, 64),
		done:    make(chan struct{}),
	}
	go func() {
		defer close(b.done)
		for u := range b.updates {
			if progress != nil {
				progress(u)
			}
		}
	}()
	return b
}

// Write implements io.Writer for go-git's Progress option. It runs on the
// git worker goroutine and must never block.
func (b *progressBridge) Write(p []byte) (int, error) {
	total := b.bytes.Add(int64(len(p)))

	update := domain.TaskProgress{Bytes: total}
	line := lastLine(string(p))
	if line != "" {
		update.Message = line
		if m := objectCounts.FindStringSubmatch(line); m != nil {
			n, _ := strconv.ParseInt(m[1], 10, 64)
			update.Objects = n
		}
	}

	select {
	case b.updates <- update:
	default:
		// Queue full: drop the oldest update, keep the newest.
		select {
		case <-b.updates:
		default:
		}
		select {
		case b.updates <- update:
		default:
		}
	}
	return len(p), nil
}

// Close flushes and stops the drain goroutine.
func (b *progressBridge) Close() {
	close(b.updates)
	<-b.done
}

func lastLine(s string) string {
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
