package store

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dropfleet/dropfleet/pkg/logger"
)

// MigrateFunc upgrades a single raw record to the current schema.
// It returns the decoded record and whether a rewrite is needed.
type MigrateFunc[T any] func(raw json.RawMessage) (T, bool, error)

// Collection is a durable, crash-safe JSON record collection. Saves go
// through a temp file and an atomic rename so readers never observe a
// partially-written file. A corrupt file is moved aside to a timestamped
// backup on load instead of surfacing an error.
type Collection[T any] struct {
	path          string
	rollingBackup bool
	migrate       MigrateFunc[T]
	log           logger.Logger
}

type Option[T any] func(*Collection[T])

// WithRollingBackup keeps a sibling <path>.bak copy of the prior good
// file before each save.
func WithRollingBackup[T any]() Option[T] {
	return func(c *Collection[T]) { c.rollingBackup = true }
}

// WithMigration applies fn to every record on load. When any record
// reports a migration, the collection is written back in current schema.
func WithMigration[T any](fn MigrateFunc[T]) Option[T] {
	return func(c *Collection[T]) { c.migrate = fn }
}

func New[T any](path string, log logger.Logger, opts ...Option[T]) *Collection[T] {
	c := &Collection[T]{path: path, log: log}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Collection[T]) Path() string { return c.path }

// Load reads the collection. A missing file yields an empty slice. An
// unreadable or corrupt file is renamed to a timestamped backup and an
// empty slice is returned; the caller never sees the parse error.
func (c *Collection[T]) Load() ([]T, error) {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		c.quarantine(err)
		return nil, nil
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		c.quarantine(err)
		return nil, nil
	}

	records := make([]T, 0, len(raws))
	migrated := false

	for _, raw := range raws {
		if c.migrate != nil {
			rec, changed, err := c.migrate(raw)
			if err != nil {
				c.quarantine(err)
				return nil, nil
			}
			if changed {
				migrated = true
			}
			records = append(records, rec)
			continue
		}

		var rec T
		if err := json.Unmarshal(raw, &rec); err != nil {
			c.quarantine(err)
			return nil, nil
		}
		records = append(records, rec)
	}

	if migrated {
		if err := c.Save(records); err != nil {
			c.log.Error("failed to write back migrated records",
				logger.Field{Key: "path", Value: c.path},
				logger.Field{Key: "error", Value: err.Error()})
		} else {
			c.log.Info("rewrote collection in current schema",
				logger.Field{Key: "path", Value: c.path})
		}
	}

	return records, nil
}

// Save writes records to a temp file in the same directory, then
// atomically replaces the target.
func (c *Collection[T]) Save(records []T) error {
	if records == nil {
		records = []T{}
	}

	data, err := json.MarshalIndent(records, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal records: %w", err)
	}

	if c.rollingBackup {
		if err := c.copyBackup(); err != nil {
			c.log.Warn("failed to create rolling backup before save",
				logger.Field{Key: "path", Value: c.path},
				logger.Field{Key: "error", Value: err.Error()})
		}
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", c.path, err)
	}

	return nil
}

func (c *Collection[T]) quarantine(cause error) {
	backup := fmt.Sprintf("%s.bak.%s", c.path, time.Now().Format("20060102150405"))
	if err := os.Rename(c.path, backup); err != nil {
		c.log.Error("failed to back up corrupt collection",
			logger.Field{Key: "path", Value: c.path},
			logger.Field{Key: "error", Value: err.Error()})
		return
	}
	c.log.Warn("corrupt collection moved aside, starting empty",
		logger.Field{Key: "path", Value: c.path},
		logger.Field{Key: "backup", Value: backup},
		logger.Field{Key: "cause", Value: cause.Error()})
}

func (c *Collection[T]) copyBackup() error {
	src, err := os.Open(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(c.path + ".bak")
	if err != nil {
		return err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	return dst.Sync()
}
