package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/veilchat/veil/wire"
)

// Append adds a message to the conversation log. Only the last segment is
// decrypted and re-encrypted; a full segment rolls over to a new file.
func (s *Store) Append(conversationID string, msg Message) error {
	lock := s.convLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	segments, err := s.segmentPaths(conversationID)
	if err != nil {
		return err
	}

	var (
		current  []Message
		path     string
		nextSeq  int
		recovery *Message
	)

	if len(segments) == 0 {
		path = s.segmentPath(conversationID, 0)
		nextSeq = 1
	} else {
		path = segments[len(segments)-1]
		nextSeq = len(segments)

		current, err = s.readSegment(path)
		if err != nil {
			// Unreadable last segment: quarantine it and continue with a
			// fresh one carrying a system note. Availability over loss.
			quarantine(path, time.Now().UnixNano())
			current = nil
			recovery = &Message{
				ID:        fmt.Sprintf("system-%d", time.Now().UnixNano()),
				Sender:    "system",
				Body:      systemNote("some history could not be read and was set aside"),
				Timestamp: time.Now().UnixMilli(),
				System:    true,
			}
		}
	}

	if recovery != nil {
		current = append(current, *recovery)
	}

	if len(current) >= s.segmentSize {
		// Roll over: the full segment stays as-is, the new message starts
		// the next segment.
		path = s.segmentPath(conversationID, nextSeq)
		current = nil
	}

	current = append(current, msg)
	return s.writeSegment(path, current)
}

// Load returns up to limit messages for the conversation in timestamp order,
// newest last. A beforeTS above zero restricts results to older messages,
// which is how callers page backwards through history.
func (s *Store) Load(conversationID string, limit int, beforeTS int64) ([]Message, error) {
	lock := s.convLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	segments, err := s.segmentPaths(conversationID)
	if err != nil {
		return nil, err
	}

	var collected []Message
	for i := len(segments) - 1; i >= 0; i-- {
		msgs, err := s.readSegment(segments[i])
		if err != nil {
			quarantine(segments[i], time.Now().UnixNano())
			continue
		}

		for _, m := range msgs {
			if beforeTS > 0 && m.Timestamp >= beforeTS {
				continue
			}
			collected = append(collected, m)
		}

		if limit > 0 && len(collected) >= limit {
			break
		}
	}

	sort.SliceStable(collected, func(i, j int) bool {
		return collected[i].Timestamp < collected[j].Timestamp
	})

	if limit > 0 && len(collected) > limit {
		collected = collected[len(collected)-limit:]
	}

	return collected, nil
}

// HasOlder reports whether any message older than beforeTS exists for the
// conversation.
func (s *Store) HasOlder(conversationID string, beforeTS int64) (bool, error) {
	older, err := s.Load(conversationID, 1, beforeTS)
	if err != nil {
		return false, err
	}
	return len(older) > 0, nil
}

// SegmentCount returns the number of segment files backing a conversation.
func (s *Store) SegmentCount(conversationID string) (int, error) {
	segments, err := s.segmentPaths(conversationID)
	if err != nil {
		return 0, err
	}
	return len(segments), nil
}

// segmentPath builds the file path for segment seq of a conversation.
func (s *Store) segmentPath(conversationID string, seq int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s-%06d.seg", convPrefix(conversationID), seq))
}

// segmentPaths lists a conversation's segment files in sequence order.
func (s *Store) segmentPaths(conversationID string) ([]string, error) {
	pattern := filepath.Join(s.dir, convPrefix(conversationID)+"-*.seg")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	sort.Strings(matches)
	return matches, nil
}

// readSegment decrypts and parses one segment file. Bare-JSON legacy
// segments are detected by their first byte, parsed, and re-encrypted in
// place.
func (s *Store) readSegment(path string) ([]Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if len(data) > 0 && (data[0] == '[' || data[0] == '{') {
		return s.migrateLegacySegment(path, data)
	}

	plaintext, err := s.decryptFile(data)
	if err != nil {
		return nil, err
	}

	var msgs []Message
	if err := json.Unmarshal(plaintext, &msgs); err != nil {
		return nil, fmt.Errorf("failed to parse segment: %w", err)
	}
	return msgs, nil
}

// migrateLegacySegment re-encrypts a plaintext legacy segment in place.
func (s *Store) migrateLegacySegment(path string, data []byte) ([]Message, error) {
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("failed to parse legacy segment: %w", err)
	}

	if err := s.writeSegment(path, msgs); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"package":  "store",
		"file":     filepath.Base(path),
		"messages": len(msgs),
	}).Info("migrated legacy plaintext segment")

	return msgs, nil
}

// systemNote builds the body of a synthetic system message.
func systemNote(text string) wire.MessageBody {
	return wire.PlainBody(text)
}

// writeSegment encrypts and atomically writes one segment.
func (s *Store) writeSegment(path string, msgs []Message) error {
	plaintext, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("failed to serialize segment: %w", err)
	}

	data, err := s.encryptFile(plaintext)
	if err != nil {
		return err
	}

	return writeAtomic(path, data)
}
