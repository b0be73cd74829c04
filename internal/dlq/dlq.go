// Package dlq provides list/get/purge operations over the dead letters
// accumulated in every endpoint's failed/ maildir directory.
package dlq

import (
	"time"

	"github.com/tenzoki/relay/internal/envelope"
	"github.com/tenzoki/relay/internal/maildir"
)

// Entry pairs a dead-lettered envelope with its sidecar metadata.
type Entry struct {
	EndpointHash string
	Filename     string
	Envelope     *envelope.Envelope
	DeadLetter   maildir.DeadLetter
}

// Queue lists, reads, and purges entries in store's failed/ directories.
type Queue struct {
	store *maildir.Store
}

// New returns a Queue backed by store.
func New(store *maildir.Store) *Queue {
	return &Queue{store: store}
}

// List returns every dead letter for endpointHash, oldest first.
func (q *Queue) List(endpointHash string) ([]Entry, error) {
	names, err := q.store.List(endpointHash, "failed")
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		entry, err := q.Get(endpointHash, name)
		if err != nil {
			continue // best-effort: a missing/corrupt sidecar should not hide the rest
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Get reads a single dead letter by endpoint hash and filename (without
// extension).
func (q *Queue) Get(endpointHash, filename string) (Entry, error) {
	env, err := q.store.Read(endpointHash, "failed", filename)
	if err != nil {
		return Entry{}, err
	}
	dl, err := q.store.ReadSidecar(endpointHash, filename)
	if err != nil {
		return Entry{}, err
	}
	return Entry{EndpointHash: endpointHash, Filename: filename, Envelope: env, DeadLetter: dl}, nil
}

// Purge removes every dead letter older than cutoff across all given
// endpoint hashes, returning the number of envelopes removed.
func (q *Queue) Purge(endpointHashes []string, cutoff time.Time) (int, error) {
	removed := 0
	for _, hash := range endpointHashes {
		entries, err := q.List(hash)
		if err != nil {
			return removed, err
		}
		for _, entry := range entries {
			if entry.DeadLetter.FailedAt.Before(cutoff) {
				if err := q.store.PurgeFailed(hash, entry.Filename); err != nil {
					return removed, err
				}
				removed++
			}
		}
	}
	return removed, nil
}
