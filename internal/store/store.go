// Package store is the daemon's embedded persistence layer: contacts,
// messages, notifications, and sync-state, each in their own bbolt
// bucket. It deliberately does not model the phone-side SQLite schema —
// only the fields the sync orchestrator and protocol handlers need to
// drive their own state (SPEC_FULL.md §11).
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketContacts      = []byte("contacts")
	bucketMessages      = []byte("messages")
	bucketNotifications = []byte("notifications")
	bucketMeta          = []byte("meta")
)

const metaKeyLastSync = "lastSync"

// Contact is a persisted contact record, built from vCard FN/TEL fields.
type Contact struct {
	UID          string   `json:"uid"`
	Name         string   `json:"name"`
	PhoneNumbers []string `json:"phoneNumbers"`
}

// Message is a persisted sms.messages entry. Payload carries the raw
// packet body fields the handler received, beyond the id used to key it.
type Message struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// Notification is a persisted notification record per spec.md §4.J.
type Notification struct {
	ID          string `json:"id"`
	AppName     string `json:"appName"`
	Title       string `json:"title"`
	Text        string `json:"text"`
	Time        int64  `json:"time"`
	Dismissable int    `json:"dismissable"`
	Silent      int    `json:"silent"`
}

// Store wraps a single bbolt database file holding every persisted
// domain bucket.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt database at path and ensures
// every bucket this package uses exists.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketContacts, bucketMessages, bucketNotifications, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertContact stores or replaces a contact keyed by UID.
func (s *Store) UpsertContact(c Contact) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketContacts).Put([]byte(c.UID), b)
	})
}

// ListContacts returns every persisted contact.
func (s *Store) ListContacts() ([]Contact, error) {
	var out []Contact
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContacts).ForEach(func(k, v []byte) error {
			var c Contact
			if err := json.Unmarshal(v, &c); err != nil {
				return nil
			}
			out = append(out, c)
			return nil
		})
	})
	return out, err
}

// UpsertMessage stores or replaces a message keyed by ID.
func (s *Store) UpsertMessage(m Message) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMessages).Put([]byte(m.ID), b)
	})
}

// ListMessages returns every persisted message.
func (s *Store) ListMessages() ([]Message, error) {
	var out []Message
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMessages).ForEach(func(k, v []byte) error {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return nil
			}
			out = append(out, m)
			return nil
		})
	})
	return out, err
}

// UpsertNotification stores or replaces a notification keyed by ID.
func (s *Store) UpsertNotification(n Notification) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := json.Marshal(n)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketNotifications).Put([]byte(n.ID), b)
	})
}

// DeleteNotification removes a notification by ID. A missing ID is a
// no-op.
func (s *Store) DeleteNotification(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNotifications).Delete([]byte(id))
	})
}

// CountNotifications reports how many notifications are currently
// persisted.
func (s *Store) CountNotifications() (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNotifications).ForEach(func(k, v []byte) error {
			count++
			return nil
		})
	})
	return count, err
}

// SetLastSync persists the last successful sync completion time.
func (s *Store) SetLastSync(t time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := t.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put([]byte(metaKeyLastSync), b)
	})
}

// LastSync returns the persisted last-sync time, and false if none has
// been recorded yet.
func (s *Store) LastSync() (time.Time, bool, error) {
	var t time.Time
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get([]byte(metaKeyLastSync))
		if v == nil {
			return nil
		}
		found = true
		return t.UnmarshalBinary(v)
	})
	return t, found, err
}
