// Package migrations embeds the status database schema into the binary.
package migrations

import (
	"embed"

	"github.com/nerrad567/gray-logic-stepscan/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
