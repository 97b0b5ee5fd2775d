package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/solanum-downloader/pkg/models"
	"github.com/Sriram-PR/solanum-downloader/pkg/utils"
)

const (
	resolutionKeyPrefix = "res:"     // location URL -> ResolutionDBEntry
	imageKeyPrefix      = "img:"     // location URL -> ImageDBEntry
	stateDBDir          = "state_db" // Subdirectory of state_dir holding the Badger files
)

// BadgerStore implements StateStore using BadgerDB
type BadgerStore struct {
	db       *badger.DB
	log      *logrus.Entry
	keyCount atomic.Int64
}

// NewBadgerStore opens (or creates) the state database under stateDir.
// When fresh is true any existing state is removed first.
func NewBadgerStore(stateDir string, fresh bool, logger *logrus.Entry) (*BadgerStore, error) {
	dbPath := filepath.Join(stateDir, stateDBDir)

	if fresh {
		logger.Warnf("Fresh state requested, removing %s", dbPath)
		if err := os.RemoveAll(dbPath); err != nil {
			logger.Errorf("Failed to remove existing state directory %s: %v", dbPath, err)
		}
	}

	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("%w: cannot create state directory %s: %w", utils.ErrFilesystem, dbPath, err)
	}

	opts := badger.DefaultOptions(dbPath).
		WithLogger(badgerLogger{entry: logger.WithField("component", "badgerdb")}).
		WithNumVersionsToKeep(1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open badger database at %s: %w", utils.ErrDatabase, dbPath, err)
	}

	store := &BadgerStore{db: db, log: logger}
	count, err := store.countKeys()
	if err != nil {
		logger.Warnf("Failed to count existing keys: %v", err)
	}
	store.keyCount.Store(int64(count))

	logger.WithFields(logrus.Fields{"path": dbPath, "existing_keys": count}).Info("State database opened")
	return store, nil
}

func (s *BadgerStore) countKeys() (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

const maxConflictRetries = 10

// dbUpdate retries db.Update on badger.ErrConflict. Workers write distinct
// keys almost always, so conflicts are rare and short-lived.
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

// put marshals v and stores it under key, counting keys that did not exist before
func (s *BadgerStore) put(key []byte, v any) error {
	if s.db == nil {
		return fmt.Errorf("%w: state database not initialized", utils.ErrDatabase)
	}
	val, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: marshal value for key '%s': %w", utils.ErrParsing, string(key), err)
	}

	isNew := false
	err = s.dbUpdate(func(txn *badger.Txn) error {
		_, errGet := txn.Get(key)
		isNew = errors.Is(errGet, badger.ErrKeyNotFound)
		return txn.SetEntry(badger.NewEntry(key, val))
	})
	if err != nil {
		s.log.WithField("key", string(key)).Errorf("DB update error: %v", err)
		return fmt.Errorf("%w: set key '%s': %w", utils.ErrDatabase, string(key), err)
	}
	if isNew {
		s.keyCount.Add(1)
	}
	return nil
}

// get decodes the value at key into v. found is false for a missing key, an
// empty value or a value that no longer decodes.
func (s *BadgerStore) get(key []byte, v any) (found bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			return nil
		}
		if errGet != nil {
			return fmt.Errorf("%w: get key '%s': %w", utils.ErrDatabase, string(key), errGet)
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				s.log.Warnf("Key '%s' has an empty value, ignoring", string(key))
				return nil
			}
			if errJSON := json.Unmarshal(val, v); errJSON != nil {
				s.log.Warnf("Failed to decode value for key '%s': %v, ignoring", string(key), errJSON)
				return nil
			}
			found = true
			return nil
		})
	})
	return found, err
}

// GetResolution implements ResolutionCache
func (s *BadgerStore) GetResolution(locationURL string) (*models.ResolutionDBEntry, bool, error) {
	var entry models.ResolutionDBEntry
	found, err := s.get([]byte(resolutionKeyPrefix+locationURL), &entry)
	if err != nil || !found || entry.FinalURL == "" {
		return nil, false, err
	}
	return &entry, true, nil
}

// SaveResolution implements ResolutionCache
func (s *BadgerStore) SaveResolution(locationURL string, entry *models.ResolutionDBEntry) error {
	return s.put([]byte(resolutionKeyPrefix+locationURL), entry)
}

// CheckImageStatus implements ImageLedger
func (s *BadgerStore) CheckImageStatus(locationURL string) (models.ImageStatus, *models.ImageDBEntry, error) {
	var entry models.ImageDBEntry
	found, err := s.get([]byte(imageKeyPrefix+locationURL), &entry)
	if err != nil {
		s.log.Errorf("DB view error in CheckImageStatus for '%s': %v", locationURL, err)
		return models.ImageStatusDBError, nil, err
	}
	if !found {
		return models.ImageStatusNotFound, nil, nil
	}
	return entry.Status, &entry, nil
}

// UpdateImageStatus implements ImageLedger
func (s *BadgerStore) UpdateImageStatus(locationURL string, entry *models.ImageDBEntry) error {
	return s.put([]byte(imageKeyPrefix+locationURL), entry)
}

// Count implements StoreAdmin
func (s *BadgerStore) Count() int {
	return int(s.keyCount.Load())
}

// WriteLedger implements StoreAdmin. Each line is
// status<TAB>location_url<TAB>local_path_or_error_type<TAB>last_attempt.
func (s *BadgerStore) WriteLedger(filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("%w: create ledger '%s': %w", utils.ErrFilesystem, filePath, err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	written := 0
	var firstErr error

	iterErr := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(imageKeyPrefix)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			locationURL := string(item.Key()[len(prefix):])

			var entry models.ImageDBEntry
			if errVal := item.Value(func(val []byte) error { return json.Unmarshal(val, &entry) }); errVal != nil {
				s.log.Warnf("Skipping undecodable ledger entry '%s': %v", locationURL, errVal)
				continue
			}

			detail := entry.LocalPath
			if detail == "" {
				detail = entry.ErrorType
			}
			line := fmt.Sprintf("%s\t%s\t%s\t%s\n", entry.Status, locationURL, detail, entry.LastAttempt.UTC().Format(time.RFC3339))
			if _, errWrite := writer.WriteString(line); errWrite != nil && firstErr == nil {
				firstErr = errWrite
			}
			written++
		}
		return nil
	})
	if iterErr != nil && firstErr == nil {
		firstErr = fmt.Errorf("%w: iterate ledger: %w", utils.ErrDatabase, iterErr)
	}
	if flushErr := writer.Flush(); flushErr != nil && firstErr == nil {
		firstErr = flushErr
	}
	if syncErr := file.Sync(); syncErr != nil && firstErr == nil {
		firstErr = syncErr
	}

	if firstErr != nil {
		s.log.Warnf("Finished writing ledger with errors, wrote ~%d entries to %s", written, filePath)
		return firstErr
	}
	s.log.Infof("Wrote %d ledger entries to %s", written, filePath)
	return nil
}

// RunGC implements StoreAdmin
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.db == nil || s.db.IsClosed() {
				continue
			}
			var err error
			for err == nil {
				err = s.db.RunValueLogGC(0.5)
			}
			if !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Errorf("BadgerDB GC error: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close implements StoreAdmin
func (s *BadgerStore) Close() error {
	if s.db == nil || s.db.IsClosed() {
		return nil
	}
	if err := s.db.Close(); err != nil {
		s.log.Errorf("Error closing state DB: %v", err)
		return err
	}
	s.log.Debug("State DB closed")
	return nil
}
