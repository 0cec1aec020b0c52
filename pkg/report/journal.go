// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package report implements the append-only installation journal.
//
// The journal is the single source of truth for pipeline progress: every step
// attempt and outcome is appended as one JSON record per line to a file on
// the host running the installer, so a crashed process can be inspected and
// resumed from it.
package report

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Status of a journal step.
type Status string

// Step statuses.
const (
	StatusPending    Status = "pending"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled-back"
)

// Entry is a single journal record.
type Entry struct {
	// Step is the pipeline step name, e.g. "partition" or "configure/fstab".
	Step string `json:"step"`
	// Target is the device or partition identity the step acted on.
	Target string `json:"target,omitempty"`
	Status Status `json:"status"`
	Time   time.Time `json:"time"`
	// Error carries the raw diagnostic text for failed steps.
	Error string `json:"error,omitempty"`
}

// Journal is a durable, append-only record of step attempts and outcomes.
//
// Appends are serialized; subscribers receive every entry from the start of
// the run followed by live updates until Close.
type Journal struct {
	mu sync.Mutex

	path    string
	f       *os.File
	entries []Entry
	subs    []chan Entry
	closed  bool
}

// Open creates or appends to a journal file.
//
// Existing records are loaded first, so a resumed run observes how far the
// previous one got.
func Open(path string) (*Journal, error) {
	entries, err := ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %q: %w", path, err)
	}

	return &Journal{
		path:    path,
		f:       f,
		entries: entries,
	}, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// Append adds an entry, stamping it with the current time if unset.
//
// The record is flushed to disk before subscribers observe it.
func (j *Journal) Append(entry Entry) error {
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return fmt.Errorf("journal %q is closed", j.path)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode journal entry: %w", err)
	}

	if _, err = j.f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append to journal %q: %w", j.path, err)
	}

	if err = j.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal %q: %w", j.path, err)
	}

	j.entries = append(j.entries, entry)

	for _, sub := range j.subs {
		select {
		case sub <- entry:
		default:
			// the subscriber stopped draining; it can recover the full
			// stream from the journal file
		}
	}

	return nil
}

// Entries returns a copy of all records appended or loaded so far.
func (j *Journal) Entries() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]Entry, len(j.entries))
	copy(out, j.entries)

	return out
}

// Subscribe returns a channel replaying every entry from the start of the
// journal and then streaming live appends. The channel is closed when the
// journal is closed, making the sequence finite.
//
// A subscriber that stops draining its channel has live entries beyond the
// buffered window dropped rather than stalling appends; the full stream can
// always be re-read from the journal file.
func (j *Journal) Subscribe() <-chan Entry {
	j.mu.Lock()
	defer j.mu.Unlock()

	// buffer the replay plus a reasonable window of live updates, so
	// appenders never block on a slow reader for the replayed part
	ch := make(chan Entry, len(j.entries)+128)

	for _, entry := range j.entries {
		ch <- entry
	}

	if j.closed {
		close(ch)
	} else {
		j.subs = append(j.subs, ch)
	}

	return ch
}

// Close terminates all subscriptions and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}

	j.closed = true

	for _, sub := range j.subs {
		close(sub)
	}

	j.subs = nil

	return j.f.Close()
}

// ReadFile loads all entries from a journal file.
//
// Used by crash-recovery tooling to replay a previous run.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	defer f.Close() //nolint:errcheck

	var entries []Entry

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry Entry

		if err = json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("corrupt journal record in %q: %w", path, err)
		}

		entries = append(entries, entry)
	}

	if err = scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read journal %q: %w", path, err)
	}

	return entries, nil
}
