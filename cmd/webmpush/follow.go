package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// follower reads a file that is still being written, like tail -f. Read
// blocks at the end of the file until it grows, it is removed or renamed,
// nothing is written for idle, or ctx is done.
type follower struct {
	ctx     context.Context
	f       *os.File
	name    string
	watcher *fsnotify.Watcher
	idle    time.Duration
}

func newFollower(ctx context.Context, path string, idle time.Duration) (*follower, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		f.Close()
		return nil, err
	}
	// Watching the directory keeps working across editors and tools that
	// replace the file instead of appending.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		f.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	return &follower{ctx: ctx, f: f, name: filepath.Clean(path), watcher: w, idle: idle}, nil
}

func (fl *follower) Read(p []byte) (int, error) {
	for {
		n, err := fl.f.Read(p)
		if n > 0 || !errors.Is(err, io.EOF) {
			return n, err
		}
		if err := fl.wait(); err != nil {
			return 0, err
		}
	}
}

// wait blocks until the file may have more data. It returns io.EOF when the
// writer is done.
func (fl *follower) wait() error {
	var idle <-chan time.Time
	if fl.idle > 0 {
		t := time.NewTimer(fl.idle)
		defer t.Stop()
		idle = t.C
	}

	for {
		select {
		case <-fl.ctx.Done():
			return fl.ctx.Err()
		case <-idle:
			return io.EOF
		case err, ok := <-fl.watcher.Errors:
			if !ok {
				return io.EOF
			}
			return err
		case ev, ok := <-fl.watcher.Events:
			if !ok {
				return io.EOF
			}
			if filepath.Clean(ev.Name) != fl.name {
				continue
			}
			switch {
			case ev.Has(fsnotify.Write):
				return nil
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				return io.EOF
			}
		}
	}
}

func (fl *follower) Close() error {
	return errors.Join(fl.watcher.Close(), fl.f.Close())
}
