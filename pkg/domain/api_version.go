package domain

import (
	"fmt"
)

// SchemaVersion identifies the wire schema version of cross-service messages.
type SchemaVersion uint32

// Supported schema versions.
const (
	SchemaV1 SchemaVersion = 1
)

// CurrentSchema is the version this build produces.
const CurrentSchema = SchemaV1

var supportedSchemas = map[SchemaVersion]bool{
	SchemaV1: true,
}

// CheckSchemaVersion returns an error for versions this build cannot interpret.
func CheckSchemaVersion(v SchemaVersion) error {
	if !supportedSchemas[v] {
		return fmt.Errorf("unsupported schema version: %d", v)
	}
	return nil
}
