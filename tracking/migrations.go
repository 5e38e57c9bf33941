package tracking

import "embed"

// Migrations holds the schema for the tracking tables, applied with pg.Migrate.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the root of Migrations for goose.
const MigrationsDir = "migrations"
