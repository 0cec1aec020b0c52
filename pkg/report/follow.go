// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package report

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Follow streams entries from a journal file written by another process.
//
// It replays the file from the start and then follows appends until the
// context is cancelled or the file is removed. Used by crash-recovery and
// progress UIs that don't share the writer's process.
func Follow(ctx context.Context, path string) (<-chan Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %q: %w", path, err)
	}

	follower := &follower{
		source:   f,
		notifyCh: make(chan error, 1),
	}

	ch := make(chan Entry, 128)

	go follower.run(ctx, ch)

	return ch, nil
}

type follower struct {
	source   *os.File
	notifyCh chan error
}

func (fl *follower) run(ctx context.Context, out chan<- Entry) {
	defer close(out)
	defer fl.source.Close() //nolint:errcheck

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go fl.notify(ctx)

	reader := bufio.NewReader(fl.source)

	var partial []byte

	for {
		line, err := reader.ReadBytes('\n')

		if len(line) > 0 && line[len(line)-1] != '\n' {
			// incomplete record, the writer is mid-append
			partial = append(partial, line...)
		} else if len(line) > 0 {
			record := append(partial, line...) //nolint:gocritic
			partial = nil

			var entry Entry

			if jsonErr := json.Unmarshal(record, &entry); jsonErr == nil {
				select {
				case out <- entry:
				case <-ctx.Done():
					return
				}
			}
		}

		if err == nil {
			continue
		}

		if err != io.EOF {
			return
		}

		// at EOF, wait for the writer to append more
		select {
		case <-ctx.Done():
			return
		case err = <-fl.notifyCh:
			if err != nil {
				return
			}
		}
	}
}

//nolint:gocyclo
func (fl *follower) notify(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		select {
		case fl.notifyCh <- fmt.Errorf("failed to watch: %w", err):
		case <-ctx.Done():
		}

		return
	}

	defer watcher.Close() //nolint:errcheck

	filename := fl.source.Name()

	if err = watcher.Add(filepath.Dir(filename)); err != nil {
		select {
		case fl.notifyCh <- fmt.Errorf("failed to add dir watch: %w", err):
		case <-ctx.Done():
		}

		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-watcher.Events:
			if event.Name != filename {
				continue
			}

			switch event.Op { //nolint:exhaustive
			case fsnotify.Write:
				// non-blocking send: one pending signal is enough to wake
				// the read loop
				select {
				case fl.notifyCh <- nil:
				default:
				}
			case fsnotify.Remove:
				select {
				case fl.notifyCh <- fmt.Errorf("journal was removed while following"):
				case <-ctx.Done():
				}

				return
			}
		case err := <-watcher.Errors:
			select {
			case fl.notifyCh <- fmt.Errorf("failed to watch: %w", err):
			case <-ctx.Done():
			}

			return
		}
	}
}
