// Package all registers every storage backend. Import it for side effects
// from commands that select the backend at runtime.
package all

import (
	_ "mastr/internal/storage/duckdb"
	_ "mastr/internal/storage/mssql"
	_ "mastr/internal/storage/postgres"
	_ "mastr/internal/storage/sqlite"
)
