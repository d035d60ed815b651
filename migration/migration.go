// This package defines a named database migration applied by the internal
// migrator in the order it appears in a migration list.
package migration

import "database/sql"

type MigrationFunc func(tx *sql.Tx) error

type Migration struct {
	Name string
	Func MigrationFunc
}

func (m *Migration) String() string {
	return m.Name
}
