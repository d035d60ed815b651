package db

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/pairwise-im/go-pairwise/config"
	"github.com/pairwise-im/go-pairwise/migration"
	"go.uber.org/zap"
)

// migrator applies a named list of migrations, tracking progress in a
// per-subsystem table.
type migrator struct {
	db         *Database
	name       string
	tableName  string
	log        *zap.SugaredLogger
	migrations []*migration.Migration
	lock       bool
}

func newMigrator(c *config.Config, db *Database, name string, migrations []*migration.Migration, lock bool) *migrator {
	return &migrator{
		db:         db,
		log:        c.Logger(name),
		name:       name,
		tableName:  fmt.Sprintf("_migrations_%s", name),
		migrations: migrations,
		lock:       lock,
	}
}

func (m *migrator) migrate() error {
	var count int
	if err := m.run(fmt.Sprintf("prepare %s migrator", m.name), func() error {
		_, err := m.db.Tx.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INT8 NOT NULL,
			version VARCHAR(255) NOT NULL,
			PRIMARY KEY (id)
		);
	`, m.tableName))
		if err != nil {
			return err
		}

		count, err = m.countApplied()
		if err != nil {
			return err
		}

		if count > len(m.migrations) {
			return errors.New("migrator: more applied migrations on db than defined in the migration list")
		}
		return nil
	}); err != nil {
		return err
	}

	for idx, mig := range m.migrations[count:] {
		insertVersion := fmt.Sprintf("INSERT INTO %s (id, version) VALUES (%d, '%s')", m.tableName, idx+count, mig.String())
		if err := m.performMigration(insertVersion, mig); err != nil {
			return fmt.Errorf("migrator: error while running migrations: %w", err)
		}
	}
	return nil
}

func (m *migrator) countApplied() (int, error) {
	var count int
	rows, err := m.db.Tx.Query(fmt.Sprintf("SELECT count(*) FROM %s", m.tableName))
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = rows.Close()
	}()
	for rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return 0, err
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	return count, nil
}

func (m *migrator) performMigration(insertVersion string, mig *migration.Migration) error {
	return m.run(mig.String(), func() error {
		m.log.Debugf("applying migration named '%s'...", mig.Name)
		if err := mig.Func(m.db.Tx.Tx); err != nil {
			return fmt.Errorf("error executing migration: %w", err)
		}
		if _, err := m.db.Tx.Exec(insertVersion); err != nil {
			return fmt.Errorf("error updating migration versions: %w", err)
		}
		m.log.Debugf("applied migration named '%s'", mig.Name)
		return nil
	})
}

func (m *migrator) run(label string, f RunnerFunc) error {
	if m.lock {
		return m.db.Run(label, f)
	}
	return m.db.runTx(label, &sql.TxOptions{Isolation: sql.LevelDefault, ReadOnly: false}, f)
}
