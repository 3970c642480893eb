package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes, one per record kind.
const (
	prefixNodeState   = "ns/"
	prefixProgress    = "fp/"
	prefixDesignation = "ia/"
	prefixEntity      = "ae/"
	prefixClass       = "ac/"
)

// conflictRetries bounds how often a read-modify-write is retried when
// Badger reports a concurrent transaction conflict.
const conflictRetries = 3

// BadgerConfig configures a BadgerStore.
type BadgerConfig struct {
	DataDir    string
	InMemory   bool
	SyncWrites bool
	// GCInterval is how often the value log is garbage collected. Zero
	// disables GC.
	GCInterval time.Duration
	Logger     *slog.Logger
}

// BadgerStore implements Store on an embedded BadgerDB.
type BadgerStore struct {
	db   *badger.DB
	dir  string
	stop chan struct{}
	wg   sync.WaitGroup
}

// badgerLogger routes Badger's internal logging into slog.
type badgerLogger struct{ logger *slog.Logger }

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// NewBadgerStore opens a BadgerDB-backed store.
func NewBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.DataDir == "" {
			return nil, errors.New("badger data dir is required")
		}
		opts = badger.DefaultOptions(cfg.DataDir)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(badgerLogger{logger: cfg.Logger.With("component", "badger")})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	s := &BadgerStore{db: db, dir: cfg.DataDir, stop: make(chan struct{})}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.wg.Add(1)
		go s.runGC(cfg.GCInterval)
	}
	return s, nil
}

// runGC runs the value log garbage collector periodically
func (s *BadgerStore) runGC(every time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			for s.db.RunValueLogGC(0.7) == nil {
			}
		}
	}
}

// Close stops background GC and closes the database.
func (s *BadgerStore) Close() error {
	close(s.stop)
	s.wg.Wait()
	return s.db.Close()
}

func recordKey(prefix, scope, name string) []byte {
	return []byte(prefix + scope + "/" + name)
}

// update runs fn in a read-write transaction, retrying on conflicts.
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func getJSON(txn *badger.Txn, key []byte, out interface{}) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
	if err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func setJSON(txn *badger.Txn, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// scanPrefix calls fn with the key and value of every entry under prefix.
func scanPrefix(txn *badger.Txn, prefix string, fn func(key string, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		key := string(item.Key())
		err := item.Value(func(val []byte) error {
			return fn(key, val)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ------- Node state -------

func (s *BadgerStore) FindNodeState(ctx context.Context, domain, name string) (NodeState, bool, error) {
	var ns NodeState
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, recordKey(prefixNodeState, domain, name), &ns)
		return err
	})
	return ns, found, err
}

func (s *BadgerStore) UpsertNodeState(ctx context.Context, ns NodeState) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, recordKey(prefixNodeState, ns.Domain, ns.ResourceName), ns)
	})
}

func (s *BadgerStore) UpdateNodeState(ctx context.Context, domain, name string, fn func(cur NodeState, found bool) (NodeState, error)) (NodeState, error) {
	var result NodeState
	err := s.update(ctx, func(txn *badger.Txn) error {
		key := recordKey(prefixNodeState, domain, name)
		var cur NodeState
		found, err := getJSON(txn, key, &cur)
		if err != nil {
			return err
		}
		next, err := fn(cur, found)
		if err != nil {
			return err
		}
		next.Domain, next.ResourceName = domain, name
		result = next
		return setJSON(txn, key, next)
	})
	return result, err
}

// ------- Progress -------

func (s *BadgerStore) FindProgress(ctx context.Context, domain, name string) (ProgressRecord, bool, error) {
	var rec ProgressRecord
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, recordKey(prefixProgress, domain, name), &rec)
		return err
	})
	return rec, found, err
}

func (s *BadgerStore) UpsertProgress(ctx context.Context, rec ProgressRecord) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		key := recordKey(prefixProgress, rec.Domain, rec.ResourceName)
		var existing ProgressRecord
		found, err := getJSON(txn, key, &existing)
		if err != nil {
			return err
		}
		if found && rec.CreatedAt.IsZero() {
			rec.CreatedAt = existing.CreatedAt
		}
		return setJSON(txn, key, rec)
	})
}

func (s *BadgerStore) ListProgress(ctx context.Context, domain string) ([]ProgressRecord, error) {
	var out []ProgressRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, prefixProgress+domain+"/", func(key string, val []byte) error {
			var rec ProgressRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// ------- Designation -------

func (s *BadgerStore) ListDesignation(ctx context.Context, domain string) ([]DesignationRecord, error) {
	var out []DesignationRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, prefixDesignation+domain+"/", func(key string, val []byte) error {
			var rec DesignationRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
			out = append(out, rec)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceName < out[j].ResourceName })
	return out, err
}

func (s *BadgerStore) UpsertDesignation(ctx context.Context, rec DesignationRecord) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		key := recordKey(prefixDesignation, rec.Domain, rec.ResourceName)
		var existing DesignationRecord
		found, err := getJSON(txn, key, &existing)
		if err != nil {
			return err
		}
		if found && rec.CreatedAt.IsZero() {
			rec.CreatedAt = existing.CreatedAt
		}
		return setJSON(txn, key, rec)
	})
}

func (s *BadgerStore) TouchDesignation(ctx context.Context, domain, name string, at time.Time) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		key := recordKey(prefixDesignation, domain, name)
		var rec DesignationRecord
		found, err := getJSON(txn, key, &rec)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("designation %s/%s: %w", domain, name, ErrNotFound)
		}
		rec.LastUpdated = at
		return setJSON(txn, key, rec)
	})
}

func (s *BadgerStore) SetDesignatedExclusive(ctx context.Context, domain, name string, at time.Time) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		var recs []DesignationRecord
		err := scanPrefix(txn, prefixDesignation+domain+"/", func(key string, val []byte) error {
			var rec DesignationRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
			recs = append(recs, rec)
			return nil
		})
		if err != nil {
			return err
		}

		found := false
		for i := range recs {
			if recs[i].ResourceName == name {
				found = true
				recs[i].Designated = true
				recs[i].LastUpdated = at
				continue
			}
			recs[i].Designated = false
		}
		if !found {
			return fmt.Errorf("designation %s/%s: %w", domain, name, ErrNotFound)
		}
		for _, rec := range recs {
			if err := setJSON(txn, recordKey(prefixDesignation, domain, rec.ResourceName), rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// ------- Audited entities -------

func (s *BadgerStore) ListTrackedClasses(ctx context.Context) ([]string, error) {
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixClass)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			out = append(out, strings.TrimPrefix(string(it.Item().Key()), prefixClass))
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) FindAuditedEntities(ctx context.Context, class string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	prefix := prefixEntity + class + "/"
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, prefix, func(key string, val []byte) error {
			out[strings.TrimPrefix(key, prefix)] = append([]byte{}, val...)
			return nil
		})
	})
	return out, err
}

func (s *BadgerStore) FindAuditedEntitiesByKeys(ctx context.Context, class string, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	err := s.db.View(func(txn *badger.Txn) error {
		for _, k := range keys {
			item, err := txn.Get(recordKey(prefixEntity, class, k))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[k] = val
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) PutAuditedEntity(ctx context.Context, class, key string, data []byte) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		if err := txn.Set([]byte(prefixClass+class), nil); err != nil {
			return err
		}
		return txn.Set(recordKey(prefixEntity, class, key), data)
	})
}

func (s *BadgerStore) DeleteAuditedEntity(ctx context.Context, class, key string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		err := txn.Delete(recordKey(prefixEntity, class, key))
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return nil
	})
}

// ------- Reset -------

func (s *BadgerStore) Reset(ctx context.Context, domain string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		var keys [][]byte
		for _, prefix := range []string{prefixProgress + domain + "/", prefixDesignation + domain + "/"} {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = []byte(prefix)
			it := txn.NewIterator(opts)
			for it.Rewind(); it.Valid(); it.Next() {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
			it.Close()
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// String implements fmt.Stringer for debugging
func (s *BadgerStore) String() string {
	if s.dir == "" {
		return "BadgerStore{memory}"
	}
	return fmt.Sprintf("BadgerStore{%s}", s.dir)
}
