package record

// Version constants for record schema and engine.
const (
	// SchemaVersion is the record schema version embedded in content hashes.
	SchemaVersion = "1"

	// EngineVersion is the coldtrace engine version.
	EngineVersion = "0.1.0"
)
