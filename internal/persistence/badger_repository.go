package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"grid-scanner-go/internal/models"

	"github.com/dgraph-io/badger/v3"
	"github.com/jxskiss/base62"
)

const keyPrefix = "snap/"

// badgerRepository is the BadgerDB implementation of the SnapshotRepository.
type badgerRepository struct {
	db      *badger.DB
	session string
}

// NewBadgerRepository opens the store at dbPath and starts a new session
// named after sessionStart.
func NewBadgerRepository(dbPath string, sessionStart time.Time) (SnapshotRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	// For this use case, we can disable Badger's own logging to keep our app's logs clean.
	// Errors will still be returned from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &badgerRepository{
		db:      db,
		session: SessionID(sessionStart),
	}, nil
}

// SessionID encodes a session start time as a short base62 id.
func SessionID(start time.Time) string {
	return string(base62.FormatInt(start.UnixNano()))
}

// SessionStart decodes a SessionID.
func SessionStart(id string) (time.Time, error) {
	n, err := base62.ParseInt([]byte(id))
	if err != nil {
		return time.Time{}, fmt.Errorf("bad session id %q: %w", id, err)
	}
	return time.Unix(0, n), nil
}

func (r *badgerRepository) sessionPrefix() []byte {
	return []byte(keyPrefix + r.session + "/")
}

func (r *badgerRepository) snapshotKey(t time.Time) []byte {
	// Zero padding keeps keys of one session in time order.
	return []byte(fmt.Sprintf("%s%s/%020d", keyPrefix, r.session, t.UnixNano()))
}

// SaveSnapshot marshals the snapshot into JSON and saves it under a
// time-ordered key of the current session.
func (r *badgerRepository) SaveSnapshot(snap *models.Snapshot) error {
	if snap == nil {
		return errors.New("nil snapshot")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(r.snapshotKey(snap.Time), data)
	})
}

// LoadLatestSnapshot returns the newest snapshot of the current session.
// If there is none, it returns (nil, nil).
func (r *badgerRepository) LoadLatestSnapshot() (*models.Snapshot, error) {
	var snap *models.Snapshot
	prefix := r.sessionPrefix()

	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration has to start past the last key with the prefix.
		seek := append(append([]byte{}, prefix...), 0xFF)
		it.Seek(seek)
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		return it.Item().Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("snapshot value is empty in database")
			}
			snap = &models.Snapshot{}
			return json.Unmarshal(val, snap)
		})
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// ListSessions returns every session id, oldest first.
func (r *badgerRepository) ListSessions() ([]string, error) {
	seen := make(map[string]struct{})
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			rest := bytes.TrimPrefix(it.Item().Key(), []byte(keyPrefix))
			if i := bytes.IndexByte(rest, '/'); i > 0 {
				seen[string(rest[:i])] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sessions := make([]string, 0, len(seen))
	for id := range seen {
		sessions = append(sessions, id)
	}
	sort.Slice(sessions, func(i, j int) bool {
		ti, erri := SessionStart(sessions[i])
		tj, errj := SessionStart(sessions[j])
		if erri != nil || errj != nil {
			return sessions[i] < sessions[j]
		}
		return ti.Before(tj)
	})
	return sessions, nil
}

// Publish stores the snapshot; empty snapshots are skipped.
func (r *badgerRepository) Publish(_ context.Context, snap models.Snapshot) error {
	if snap.Time.IsZero() {
		return nil
	}
	return r.SaveSnapshot(&snap)
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
