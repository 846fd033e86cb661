package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/veilchat/veil/wire"
)

const outboxFile = "outbox.vault"

// OutboxEntry is one queued message awaiting (re)delivery. Entries are
// created when a send fails and removed only after a confirmed successful
// send; they are never silently dropped.
type OutboxEntry struct {
	ID        string           `json:"id"`
	Recipient string           `json:"recipient"`
	GroupID   string           `json:"group_id,omitempty"`
	ChannelID string           `json:"channel_id,omitempty"`
	Body      wire.MessageBody `json:"body"`
	Timestamp int64            `json:"timestamp"`
	Attempts  int              `json:"attempts"`
}

// EnqueueOutbox appends an entry to the durable outbox.
func (s *Store) EnqueueOutbox(entry OutboxEntry) error {
	s.outboxMu.Lock()
	defer s.outboxMu.Unlock()

	entries, err := s.readOutbox()
	if err != nil {
		return err
	}

	entries = append(entries, entry)
	return s.writeOutbox(entries)
}

// LoadOutbox returns all queued entries in enqueue order.
func (s *Store) LoadOutbox() ([]OutboxEntry, error) {
	s.outboxMu.Lock()
	defer s.outboxMu.Unlock()
	return s.readOutbox()
}

// RemoveOutbox deletes an entry after a confirmed send. Removing an unknown
// ID is a no-op.
func (s *Store) RemoveOutbox(id string) error {
	s.outboxMu.Lock()
	defer s.outboxMu.Unlock()

	entries, err := s.readOutbox()
	if err != nil {
		return err
	}

	kept := entries[:0]
	for _, e := range entries {
		if e.ID != id {
			kept = append(kept, e)
		}
	}

	return s.writeOutbox(kept)
}

// BumpOutboxAttempt increments an entry's attempt counter.
func (s *Store) BumpOutboxAttempt(id string) error {
	s.outboxMu.Lock()
	defer s.outboxMu.Unlock()

	entries, err := s.readOutbox()
	if err != nil {
		return err
	}

	for i := range entries {
		if entries[i].ID == id {
			entries[i].Attempts++
			break
		}
	}

	return s.writeOutbox(entries)
}

// readOutbox loads the outbox, quarantining an unreadable file so queued
// sends are never a reason to crash the pipeline.
func (s *Store) readOutbox() ([]OutboxEntry, error) {
	path := filepath.Join(s.dir, outboxFile)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read outbox: %w", err)
	}

	plaintext, err := s.decryptFile(data)
	if err != nil {
		quarantine(path, time.Now().UnixNano())
		return nil, nil
	}

	var entries []OutboxEntry
	if err := json.Unmarshal(plaintext, &entries); err != nil {
		quarantine(path, time.Now().UnixNano())
		return nil, nil
	}

	return entries, nil
}

// writeOutbox encrypts and atomically writes the outbox file.
func (s *Store) writeOutbox(entries []OutboxEntry) error {
	if entries == nil {
		entries = []OutboxEntry{}
	}

	plaintext, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to serialize outbox: %w", err)
	}

	data, err := s.encryptFile(plaintext)
	if err != nil {
		return err
	}

	return writeAtomic(filepath.Join(s.dir, outboxFile), data)
}
