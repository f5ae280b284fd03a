// Package ddbstate records what was last applied for a workspace, backed by BadgerDB.
// The record lets plans be computed without calling the provider and lets
// destroy find the resources it created.
package ddbstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/acksell/immaterial/dynamodb/provision"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrNotFound = errors.New("no state recorded")

// DefaultWorkspace is used when no workspace is given.
const DefaultWorkspace = "default"

// Record is the result of one successful apply.
type Record struct {
	Workspace string            `json:"workspace"`
	RunID     string            `json:"run_id"`
	AppliedAt time.Time         `json:"applied_at"`
	Inputs    provision.Inputs  `json:"inputs"`
	Outputs   provision.Outputs `json:"outputs"`
}

// Store is a BadgerDB-backed state store.
type Store struct {
	db  *badger.DB
	now func() time.Time
}

// Options configures the store.
type Options struct {
	// Path to the database directory. If empty, uses in-memory mode.
	Path string
	// InMemory forces in-memory mode even if Path is set.
	InMemory bool
	// Logger receives BadgerDB's own logs. If nil, they are discarded.
	Logger *zerolog.Logger
	// Now overrides the clock used to stamp records.
	Now func() time.Time
}

// Open opens or creates the store.
func Open(opts Options) (*Store, error) {
	var badgerOpts badger.Options
	if opts.Path == "" || opts.InMemory {
		// Badger refuses a directory in in-memory mode.
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		badgerOpts = badger.DefaultOptions(opts.Path)
	}
	if opts.Logger != nil {
		badgerOpts = badgerOpts.WithLogger(badgerLogger{*opts.Logger})
	} else {
		badgerOpts = badgerOpts.WithLogger(nil)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, now: now}, nil
}

// Close closes the BadgerDB database.
func (s *Store) Close() error {
	return s.db.Close()
}

func stateKey(workspace string) []byte {
	return []byte("state#" + workspace)
}

func historyPrefix(workspace string) []byte {
	return []byte("history#" + workspace + "#")
}

// Fixed width so keys sort chronologically.
const historyTimeLayout = "2006-01-02T15:04:05.000000000Z"

func historyKey(r Record) []byte {
	return append(historyPrefix(r.Workspace), r.AppliedAt.UTC().Format(historyTimeLayout)+"#"+r.RunID...)
}

func workspaceOrDefault(ws string) string {
	if ws == "" {
		return DefaultWorkspace
	}
	return ws
}

// Put stores the record as the current state of its workspace and appends it
// to the workspace history. RunID and AppliedAt are filled in when unset.
func (s *Store) Put(ctx context.Context, r Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	r.Workspace = workspaceOrDefault(r.Workspace)
	if r.RunID == "" {
		r.RunID = uuid.NewString()
	}
	if r.AppliedAt.IsZero() {
		r.AppliedAt = s.now().UTC()
	}
	b, err := json.Marshal(r)
	if err != nil {
		return Record{}, fmt.Errorf("encode record: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(stateKey(r.Workspace), b); err != nil {
			return err
		}
		return txn.Set(historyKey(r), b)
	})
	if err != nil {
		return Record{}, fmt.Errorf("write state for workspace %q: %w", r.Workspace, err)
	}
	return r, nil
}

// Get returns the current record of the workspace, or ErrNotFound.
func (s *Store) Get(ctx context.Context, workspace string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	workspace = workspaceOrDefault(workspace)
	var r Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey(workspace))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &r)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Record{}, fmt.Errorf("workspace %q: %w", workspace, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("read state for workspace %q: %w", workspace, err)
	}
	return r, nil
}

// Delete removes the current record. History is kept.
func (s *Store) Delete(ctx context.Context, workspace string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	workspace = workspaceOrDefault(workspace)
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(stateKey(workspace))
	})
	if err != nil {
		return fmt.Errorf("delete state for workspace %q: %w", workspace, err)
	}
	return nil
}

// History returns every record applied in the workspace, oldest first.
func (s *Store) History(ctx context.Context, workspace string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	workspace = workspaceOrDefault(workspace)
	prefix := historyPrefix(workspace)
	var records []Record
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 16})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var r Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				return err
			}
			records = append(records, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read history for workspace %q: %w", workspace, err)
	}
	return records, nil
}
