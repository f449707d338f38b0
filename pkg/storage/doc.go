/*
Package storage provides bbolt-backed durable tables for AgentCom's hub state.

Each table is a single-bucket bolt database file owning one category of
state: tasks, the dead letter, goals, shared configuration and the cost
ledger journal. Values are JSON blobs keyed by string; the package adds
corruption detection, quarantine-and-restore recovery, dated backups and
online compaction on top of bbolt's B+tree.

# Architecture

	┌──────────────────── TABLE STORAGE ───────────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐          │
	│  │              Table (one per concern)        │          │
	│  │  - File: <dataDir>/<area>/<name>.db         │          │
	│  │  - One bucket per file                      │          │
	│  │  - Keys: string, Values: JSON bytes         │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Integrity Layer                   │          │
	│  │  - openAndVerify checks the freelist and    │          │
	│  │    bucket on open                           │          │
	│  │  - Write errors classified: corruption vs   │          │
	│  │    disk-full (write-unavailable)            │          │
	│  │  - Corrupt file quarantined, then restored  │          │
	│  │    from the newest dated backup             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │             Maintainer                      │          │
	│  │  - Registry of open tables                  │          │
	│  │  - Periodic dated backups + retention       │          │
	│  │  - Compaction (copy-rewrite)                │          │
	│  │  - Auto-restore on corruption events        │          │
	│  └────────────────────────────────────────────┘          │
	└───────────────────────────────────────────────────────────┘

Backups are plain file copies laid out by date:

	<backupsDir>/<YYYY-MM-DD>/<table>.db

Restore picks the newest dated directory containing the table's file.
A table with no backup at all is rebuilt empty rather than left dead;
losing history beats losing the hub.

# Core Components

Table:
  - Insert, Lookup, Delete, Fold, MatchDelete over one bucket
  - Health() snapshot: record count, file size, last mutation
  - Backup(dir), Restore(backupsDir), Compact()

Maintainer:
  - Register(table) adds a table to the maintenance registry
  - BackupAll / CompactAll / Restore(name) operator entry points
  - Subscribes to corruption events and restores automatically

# Failure Handling

Two failure classes are published on the system topic:

  - corruption_detected: the file failed verification; the table
    quarantines the file and restores from backup
  - write_unavailable: the disk refused writes (full, read-only); the
    table keeps serving reads and retries writes

The hub's health aggregator folds both into the storage component's
health, which drives the hub FSM into healing until a table_restored
event clears it.

# Usage

	table, err := storage.Open("/var/lib/agentcom/tasks/tasks.db", "tasks", storage.Options{})
	if err != nil {
		return err
	}
	defer table.Close()

	if err := table.Insert("task:42", payload); err != nil { ... }
	data, err := table.Lookup("task:42")

	m := storage.NewMaintainer(storage.MaintainerConfig{
		BackupsDir: "/var/lib/agentcom/backups",
		Retention:  7,
	}, broker)
	m.Register(table)
	m.Start()

# Design Notes

Every consumer package (queue, backlog, ratelimit, budget, mailbox,
agent tokens) holds its own table or key prefix and reloads its working
set into memory on startup; the table is the durability layer, not the
query layer. Writes go through before in-memory state mutates, so a
crash never leaves memory ahead of disk.
*/
package storage
