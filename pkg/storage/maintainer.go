package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/agentcom/agentcom/pkg/events"
	"github.com/agentcom/agentcom/pkg/log"
	bolt "go.etcd.io/bbolt"
)

// compactTxSize bounds the transaction size used during compaction
const compactTxSize = 65536

// Backup writes a consistent point-in-time copy of the table into dir
// as <name>.db. The copy runs inside a read transaction, so writers are
// quiesced only for the duration of the file write.
func (t *Table) Backup(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	dst := filepath.Join(dir, t.name+".db")
	tmp := dst + ".tmp"

	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create backup file: %w", err)
	}

	err = t.handle().View(func(tx *bolt.Tx) error {
		_, werr := tx.WriteTo(f)
		return werr
	})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to back up table %s: %w", t.name, err)
	}

	return os.Rename(tmp, dst)
}

// Compact rewrites the table file without free pages and tombstone
// garbage, then swaps it into place atomically. The handle is offline
// for the duration of the swap; mutations block on the table mutex.
func (t *Table) Compact() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.corrupted {
		return ErrTableCorrupted
	}

	tmp := t.path + ".compact"
	dst, err := bolt.Open(tmp, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("failed to open compaction target: %w", err)
	}

	if err := bolt.Compact(dst, t.db, compactTxSize); err != nil {
		dst.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to compact table %s: %w", t.name, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	// Swap: take the handle offline, replace the file, reopen
	if err := t.db.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("failed to swap compacted file: %w", err)
	}

	db, err := openAndVerify(t.path)
	if err != nil {
		return fmt.Errorf("failed to reopen compacted table %s: %w", t.name, err)
	}
	t.db = db
	t.deletesSinceOpt = 0
	return nil
}

// Restore takes the table offline, quarantines the current file,
// replaces it with the most recent valid backup, verifies integrity and
// brings the handle back online. Clears the corruption latch on success.
func (t *Table) Restore(backupsDir string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.db.Close(); err != nil {
		return err
	}
	if err := quarantine(t.path); err != nil {
		return fmt.Errorf("failed to quarantine table %s: %w", t.name, err)
	}
	if err := restoreLatestBackup(backupsDir, t.name, t.path); err != nil {
		// No backup: rebuild empty rather than leave the handle dead
		logger := log.WithComponent("storage")
		logger.Error().Str("table", t.name).Msg("restore found no backup, rebuilding empty")
	}

	db, err := openAndVerify(t.path)
	if err != nil {
		return fmt.Errorf("failed to reopen restored table %s: %w", t.name, err)
	}
	t.db = db
	t.corrupted = false
	t.writeUnavail = false
	return nil
}

// Maintainer owns the registry of open tables and runs backup,
// compaction and restore jobs. It subscribes to corruption events and
// restores the affected table automatically.
type Maintainer struct {
	mu         sync.RWMutex
	tables     map[string]*Table
	backupsDir string
	retention  int
	broker     *events.Broker
	interval   time.Duration
	stopCh     chan struct{}
}

// MaintainerConfig configures the maintainer
type MaintainerConfig struct {
	BackupsDir     string
	Retention      int           // dated backup sets to keep per table
	BackupInterval time.Duration // 0 means daily
}

// NewMaintainer creates a maintainer
func NewMaintainer(cfg MaintainerConfig, broker *events.Broker) *Maintainer {
	retention := cfg.Retention
	if retention <= 0 {
		retention = 7
	}
	interval := cfg.BackupInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Maintainer{
		tables:     make(map[string]*Table),
		backupsDir: cfg.BackupsDir,
		retention:  retention,
		broker:     broker,
		interval:   interval,
		stopCh:     make(chan struct{}),
	}
}

// Register adds a table to the maintenance registry
func (m *Maintainer) Register(t *Table) {
	m.mu.Lock()
	m.tables[t.Name()] = t
	m.mu.Unlock()
}

// Table returns a registered table by name
func (m *Maintainer) Table(name string) (*Table, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[name]
	return t, ok
}

// TableNames returns the names of all registered tables
func (m *Maintainer) TableNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.tables))
	for name := range m.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start begins the periodic backup loop and the corruption watcher
func (m *Maintainer) Start() {
	sub := m.broker.Subscribe(events.TopicSystem)
	go m.run(sub)
}

// Stop stops the maintainer
func (m *Maintainer) Stop() {
	close(m.stopCh)
}

func (m *Maintainer) run(sub events.Subscriber) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	logger := log.WithComponent("maintainer")
	for {
		select {
		case <-ticker.C:
			if err := m.BackupAll(); err != nil {
				logger.Error().Err(err).Msg("scheduled backup failed")
			}
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if ev.Type == events.EventCorruptionDetected {
				table := ev.Metadata["table"]
				logger.Warn().Str("table", table).Msg("corruption reported, opening recovery job")
				if err := m.Restore(table); err != nil {
					logger.Error().Err(err).Str("table", table).Msg("automatic restore failed")
				}
			}
		case <-m.stopCh:
			return
		}
	}
}

// BackupAll backs up every registered table into a dated directory and
// prunes sets beyond the retention count
func (m *Maintainer) BackupAll() error {
	dir := filepath.Join(m.backupsDir, time.Now().Format("2006-01-02"))

	m.mu.RLock()
	tables := make([]*Table, 0, len(m.tables))
	for _, t := range m.tables {
		tables = append(tables, t)
	}
	m.mu.RUnlock()

	var firstErr error
	for _, t := range tables {
		if err := t.Backup(dir); err != nil {
			logger := log.WithComponent("maintainer")
			logger.Error().Err(err).Str("table", t.Name()).Msg("backup failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if err := m.pruneBackups(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Compact compacts one registered table
func (m *Maintainer) Compact(name string) error {
	t, ok := m.Table(name)
	if !ok {
		return fmt.Errorf("unknown table: %s", name)
	}
	return t.Compact()
}

// CompactAll compacts every registered table
func (m *Maintainer) CompactAll() error {
	var firstErr error
	for _, name := range m.TableNames() {
		if err := m.Compact(name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Restore restores one registered table from its most recent backup
func (m *Maintainer) Restore(name string) error {
	t, ok := m.Table(name)
	if !ok {
		return fmt.Errorf("unknown table: %s", name)
	}
	if err := t.Restore(m.backupsDir); err != nil {
		return err
	}
	if m.broker != nil {
		m.broker.Publish(events.TopicSystem, events.EventTableRestored, map[string]string{"table": name})
	}
	return nil
}

// pruneBackups removes dated backup directories beyond the retention count
func (m *Maintainer) pruneBackups() error {
	entries, err := os.ReadDir(m.backupsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var dates []string
	for _, e := range entries {
		if e.IsDir() {
			dates = append(dates, e.Name())
		}
	}
	if len(dates) <= m.retention {
		return nil
	}

	sort.Strings(dates)
	for _, d := range dates[:len(dates)-m.retention] {
		if err := os.RemoveAll(filepath.Join(m.backupsDir, d)); err != nil {
			return err
		}
	}
	return nil
}
