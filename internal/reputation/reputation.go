// Package reputation loads known-good and known-bad IP lists from a YAML
// file into the analyzer and reloads them when the file changes.
package reputation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Lists is the on-disk format.
//
//	known_good:
//	  - 10.0.0.1
//	known_bad:
//	  - 203.0.113.7
type Lists struct {
	KnownGood []string `yaml:"known_good"`
	KnownBad  []string `yaml:"known_bad"`
}

// Target receives the loaded addresses. *analyzer.Analyzer satisfies it.
type Target interface {
	AddKnownGoodIP(ip string)
	AddKnownBadIP(ip string)
}

// Parse decodes YAML list data. Entries that are not IP addresses are
// returned separately and left out of the lists.
func Parse(data []byte) (Lists, []string, error) {
	var raw Lists
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Lists{}, nil, fmt.Errorf("failed to parse reputation file: %w", err)
	}
	var (
		out     Lists
		invalid []string
	)
	out.KnownGood, invalid = validIPs(raw.KnownGood, invalid)
	out.KnownBad, invalid = validIPs(raw.KnownBad, invalid)
	return out, invalid, nil
}

func validIPs(in, invalid []string) ([]string, []string) {
	var out []string
	for _, s := range in {
		if ip := net.ParseIP(s); ip != nil {
			out = append(out, ip.String())
		} else {
			invalid = append(invalid, s)
		}
	}
	return out, invalid
}

// Watcher applies a reputation file to a Target and reapplies it on change.
// Lists are additive: removing an address from the file does not undo it.
type Watcher struct {
	path    string
	target  Target
	log     *logrus.Logger
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	lastHash string
}

// New creates a Watcher and applies the file once. A missing file is not an
// error; it is applied when it appears.
func New(path string, target Target, log *logrus.Logger) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:    filepath.Clean(path),
		target:  target,
		log:     log,
		watcher: watcher,
	}

	// Watch the parent directory so editors that replace the file are seen.
	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	if _, err := w.Reload(); err != nil && !os.IsNotExist(err) {
		watcher.Close()
		return nil, err
	}
	return w, nil
}

// Reload reads the file and applies it if its content changed since the last
// apply. It reports whether anything was applied.
func (w *Watcher) Reload() (bool, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return false, err
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	w.mu.Lock()
	defer w.mu.Unlock()
	if hash == w.lastHash {
		return false, nil
	}

	lists, invalid, err := Parse(data)
	if err != nil {
		return false, err
	}
	for _, s := range invalid {
		w.log.WithField("entry", s).Warn("Skipping invalid IP in reputation file")
	}
	for _, ip := range lists.KnownGood {
		w.target.AddKnownGoodIP(ip)
	}
	for _, ip := range lists.KnownBad {
		w.target.AddKnownBadIP(ip)
	}
	w.lastHash = hash

	w.log.WithFields(logrus.Fields{
		"path":       w.path,
		"known_good": len(lists.KnownGood),
		"known_bad":  len(lists.KnownBad),
	}).Info("Reputation lists applied")
	return true, nil
}

// Start reloads on file changes until ctx is done.
func (w *Watcher) Start(ctx context.Context) {
	w.log.WithField("path", w.path).Info("Starting reputation file watcher")

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Reputation watcher stopping")
			w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFsEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Error("Watcher error")
		}
	}
}

func (w *Watcher) handleFsEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return
	}
	if _, err := w.Reload(); err != nil && !os.IsNotExist(err) {
		w.log.WithError(err).WithField("path", w.path).Error("Failed to reload reputation file")
	}
}
