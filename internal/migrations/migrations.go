package migrations

import (
	_ "embed"
)

//go:embed schema.sql
var initialSchema string

// GetInitialSchema returns the profile store schema. The schema is embedded
// so the daemon works from any working directory.
func GetInitialSchema() string {
	return initialSchema
}
