// Package ingest follows a web server access log and feeds each request to
// the observer, for deployments where sentinel cannot sit in the request path.
package ingest

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/nxadm/tail"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/sentinel/internal/observer"
)

// Sink receives every parsed request, stamped with its log time.
type Sink func(obs observer.RequestObservation)

// Config for the access-log tailer
type Config struct {
	Path string
	// Poll uses polling instead of inotify, for docker mounts and some
	// network filesystems.
	Poll bool
	// FromStart reads existing content instead of only new lines.
	FromStart bool
}

// Tailer follows one access log file.
type Tailer struct {
	cfg    Config
	log    *logrus.Logger
	parser *Parser

	lines   atomic.Int64
	skipped atomic.Int64
}

// New creates a Tailer.
func New(cfg Config, log *logrus.Logger) *Tailer {
	return &Tailer{
		cfg:    cfg,
		log:    log,
		parser: NewParser(),
	}
}

// Run tails the file until ctx is done, passing parsed requests to sink.
// Unparseable lines are counted and skipped.
func (t *Tailer) Run(ctx context.Context, sink Sink) error {
	tc := tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Poll:      t.cfg.Poll,
		Logger:    tail.DiscardingLogger,
	}
	if !t.cfg.FromStart {
		tc.Location = &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd}
	}

	tl, err := tail.TailFile(t.cfg.Path, tc)
	if err != nil {
		return fmt.Errorf("failed to tail file %s: %w", t.cfg.Path, err)
	}
	defer tl.Cleanup()

	t.log.WithFields(logrus.Fields{
		"path": t.cfg.Path,
		"poll": t.cfg.Poll,
	}).Info("Starting access log tailer (waiting if not present)")

	for {
		select {
		case <-ctx.Done():
			if err := tl.Stop(); err != nil {
				t.log.WithError(err).Debug("Tailer stop")
			}
			return nil

		case line, ok := <-tl.Lines:
			if !ok {
				return tl.Err()
			}
			if line.Err != nil {
				// Rotation produces transient errors.
				continue
			}
			t.lines.Add(1)
			obs, ok := t.parser.Parse(line.Text)
			if !ok {
				t.skipped.Add(1)
				t.log.WithField("line", line.Text).Debug("Skipping unparseable access log line")
				continue
			}
			sink(obs)
		}
	}
}

// Stats returns the number of lines read and skipped.
func (t *Tailer) Stats() (lines, skipped int64) {
	return t.lines.Load(), t.skipped.Load()
}
