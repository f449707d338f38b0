package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentcom/agentcom/pkg/events"
	"github.com/agentcom/agentcom/pkg/log"
	"github.com/agentcom/agentcom/pkg/metrics"
	"github.com/agentcom/agentcom/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// ErrNotFound is returned when a key is not present in a table
	ErrNotFound = errors.New("record not found")

	// ErrTableCorrupted is returned once a table has detected corruption.
	// Callers must not retry into the same handle; the maintainer will
	// restore the table from backup.
	ErrTableCorrupted = errors.New("table corrupted")

	// ErrWriteUnavailable is returned when the disk refuses writes
	// (typically disk full); the table stays open but refuses mutations
	// until AcknowledgeWriteFailure is called
	ErrWriteUnavailable = errors.New("write unavailable")
)

var bucketRecords = []byte("records")

// HealthMetrics is a point-in-time view of a table's on-disk health
type HealthMetrics struct {
	RecordCount        int     `json:"record_count"`
	FileSizeBytes      int64   `json:"file_size_bytes"`
	FragmentationRatio float64 `json:"fragmentation_ratio"`
	LastMutationAt     int64   `json:"last_mutation_at"`
}

// Options configures table opening
type Options struct {
	// BackupsDir is where dated backups live; used for auto-recovery on
	// corrupt open. Empty disables auto-recovery.
	BackupsDir string

	// Broker receives corruption_detected events. Optional.
	Broker *events.Broker
}

// Table is a durable key/value table backed by a single BoltDB file.
// Every mutation commits through a synced transaction; a write that has
// returned nil is on disk. A handle is owned by exactly one component;
// mutations are serialized by the table's mutex.
type Table struct {
	mu   sync.Mutex
	name string
	path string
	db   *bolt.DB
	opts Options

	corrupted       bool
	writeUnavail    bool
	lastMutationMs  int64
	deletesSinceOpt int
}

// Open opens or creates the table at path. If the file fails to open or
// verify, the most recent valid backup is restored in its place; with no
// backup available the table is rebuilt empty after quarantining the bad
// file.
func Open(path, name string, opts Options) (*Table, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create table directory: %w", err)
	}

	t := &Table{name: name, path: path, opts: opts}

	db, err := openAndVerify(path)
	if err == nil {
		t.db = db
		return t, nil
	}
	if isTransientOpenErr(err) {
		// Held by another live handle or a passing I/O failure; the
		// file is not corrupt, so never quarantine it
		return nil, fmt.Errorf("failed to open table %s: %w", name, err)
	}

	// Corrupt file: quarantine it and try backups
	logger := log.WithComponent("storage")
	logger.Error().Err(err).Str("table", name).Msg("table failed to open, attempting recovery")
	metrics.StoreCorruptions.WithLabelValues(name).Inc()
	t.publishCorruption(err)

	if qerr := quarantine(path); qerr != nil {
		return nil, fmt.Errorf("failed to quarantine corrupt table %s: %w", name, qerr)
	}

	if opts.BackupsDir != "" {
		if berr := restoreLatestBackup(opts.BackupsDir, name, path); berr == nil {
			db, err = openAndVerify(path)
			if err == nil {
				logger.Warn().Str("table", name).Msg("table restored from backup")
				t.db = db
				return t, nil
			}
			// Restored copy is also bad; fall through to empty rebuild
			_ = quarantine(path)
		}
	}

	logger.Error().Str("table", name).Msg("no usable backup, rebuilding table empty")
	db, err = openAndVerify(path)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild table %s: %w", name, err)
	}
	t.db = db
	return t, nil
}

// openAndVerify opens the BoltDB file, ensures the records bucket exists
// and folds over it once as an integrity check.
func openAndVerify(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRecords)
		return err
	})
	if err == nil {
		err = db.View(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
				return nil
			})
		})
	}
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// isTransientOpenErr separates lock contention and access failures
// from real file corruption. Only corruption justifies quarantining
// the file.
func isTransientOpenErr(err error) bool {
	return errors.Is(err, bolt.ErrTimeout) || errors.Is(err, os.ErrPermission)
}

// quarantine renames a bad table file aside so it can be inspected
func quarantine(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	dst := fmt.Sprintf("%s.corrupt.%d", path, types.NowMs())
	return os.Rename(path, dst)
}

// restoreLatestBackup copies the newest dated backup of the table into place
func restoreLatestBackup(backupsDir, name, dst string) error {
	entries, err := os.ReadDir(backupsDir)
	if err != nil {
		return err
	}

	var dates []string
	for _, e := range entries {
		if e.IsDir() {
			dates = append(dates, e.Name())
		}
	}
	// Dated directories (YYYY-MM-DD) sort lexically; newest last
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))

	for _, d := range dates {
		src := filepath.Join(backupsDir, d, name+".db")
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := copyFile(src, dst); err != nil {
			continue
		}
		return nil
	}
	return fmt.Errorf("no backup found for table %s", name)
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

// Name returns the table name
func (t *Table) Name() string {
	return t.name
}

// Path returns the table file path
func (t *Table) Path() string {
	return t.path
}

// Insert writes key/value and syncs. On corruption the table is marked
// and ErrTableCorrupted is returned; on disk exhaustion the table refuses
// further mutations with ErrWriteUnavailable until acknowledged.
func (t *Table) Insert(key string, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.corrupted {
		return ErrTableCorrupted
	}
	if t.writeUnavail {
		return ErrWriteUnavailable
	}

	err := t.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).Put([]byte(key), value)
	})
	if err != nil {
		return t.classifyWriteError(err)
	}

	t.lastMutationMs = types.NowMs()
	metrics.StoreMutations.WithLabelValues(t.name).Inc()
	return nil
}

// handle returns the current db pointer; compaction and restore swap it
// under the table mutex
func (t *Table) handle() *bolt.DB {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.db
}

// Lookup returns the value stored under key
func (t *Table) Lookup(key string) ([]byte, error) {
	var out []byte
	err := t.handle().View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRecords).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), data...)
		return nil
	})
	return out, err
}

// Delete removes key. Deleting a missing key is not an error.
func (t *Table) Delete(key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.corrupted {
		return ErrTableCorrupted
	}
	if t.writeUnavail {
		return ErrWriteUnavailable
	}

	err := t.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).Delete([]byte(key))
	})
	if err != nil {
		return t.classifyWriteError(err)
	}

	t.lastMutationMs = types.NowMs()
	t.deletesSinceOpt++
	metrics.StoreMutations.WithLabelValues(t.name).Inc()
	return nil
}

// Fold iterates every record in key order, calling fn with a copy of each
// value. It runs in a read transaction, so concurrent single-key inserts
// are safe and do not affect the fold's snapshot.
func (t *Table) Fold(fn func(key string, value []byte) error) error {
	return t.handle().View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			return fn(string(k), append([]byte(nil), v...))
		})
	})
}

// MatchDelete removes every key with the given prefix and returns the
// number of records removed
func (t *Table) MatchDelete(prefix string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.corrupted {
		return 0, ErrTableCorrupted
	}
	if t.writeUnavail {
		return 0, ErrWriteUnavailable
	}

	removed := 0
	err := t.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRecords).Cursor()
		pfx := []byte(prefix)
		for k, _ := c.Seek(pfx); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, t.classifyWriteError(err)
	}

	if removed > 0 {
		t.lastMutationMs = types.NowMs()
		t.deletesSinceOpt += removed
		metrics.StoreMutations.WithLabelValues(t.name).Inc()
	}
	return removed, nil
}

// Health returns record count, file size and an estimate of on-disk
// fragmentation
func (t *Table) Health() (HealthMetrics, error) {
	var hm HealthMetrics

	db := t.handle()
	err := db.View(func(tx *bolt.Tx) error {
		hm.RecordCount = tx.Bucket(bucketRecords).Stats().KeyN
		return nil
	})
	if err != nil {
		return hm, err
	}

	if fi, err := os.Stat(t.path); err == nil {
		hm.FileSizeBytes = fi.Size()
	}

	stats := db.Stats()
	total := stats.FreePageN + stats.PendingPageN
	if hm.FileSizeBytes > 0 {
		pageBytes := int64(total) * int64(os.Getpagesize())
		hm.FragmentationRatio = float64(pageBytes) / float64(hm.FileSizeBytes)
	}

	t.mu.Lock()
	hm.LastMutationAt = t.lastMutationMs
	t.mu.Unlock()
	return hm, nil
}

// AcknowledgeWriteFailure clears the write-unavailable latch after an
// operator has resolved the underlying disk condition
func (t *Table) AcknowledgeWriteFailure() {
	t.mu.Lock()
	t.writeUnavail = false
	t.mu.Unlock()
}

// Corrupted reports whether the table has been marked corrupt
func (t *Table) Corrupted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.corrupted
}

// Close closes the underlying database
func (t *Table) Close() error {
	return t.db.Close()
}

// classifyWriteError maps a failed mutation to the error taxonomy.
// Caller holds t.mu.
func (t *Table) classifyWriteError(err error) error {
	logger := log.WithComponent("storage")
	if isDiskFull(err) {
		t.writeUnavail = true
		logger.Error().Err(err).Str("table", t.name).Msg("disk refused write, table frozen")
		if t.opts.Broker != nil {
			t.opts.Broker.Publish(events.TopicSystem, events.EventWriteUnavailable, map[string]string{
				"table": t.name,
				"error": err.Error(),
			})
		}
		return ErrWriteUnavailable
	}

	t.corrupted = true
	metrics.StoreCorruptions.WithLabelValues(t.name).Inc()
	logger.Error().Err(err).Str("table", t.name).Msg("table corruption detected on write")
	t.publishCorruption(err)
	return ErrTableCorrupted
}

func (t *Table) publishCorruption(err error) {
	if t.opts.Broker != nil {
		t.opts.Broker.Publish(events.TopicSystem, events.EventCorruptionDetected, map[string]string{
			"table": t.name,
			"path":  t.path,
			"error": err.Error(),
		})
	}
}

func isDiskFull(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "no space left") || strings.Contains(msg, "disk quota exceeded")
}
