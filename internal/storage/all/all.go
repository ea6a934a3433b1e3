// Package all registers every storage backend with the factory.
// The config selects which one to use, but the binaries build in support for
// all of them.
package all

import (
	_ "studentsync/internal/storage/mssql"
	_ "studentsync/internal/storage/mysql"
	_ "studentsync/internal/storage/postgres"
	_ "studentsync/internal/storage/sqlite"
)
