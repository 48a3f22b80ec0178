package models

// BlockerClass classifies an obstacle reported by the agent mid-session.
// The set is closed: anything unrecognized parses to BlockerUnknown.
type BlockerClass string

const (
	BlockerPortConflict       BlockerClass = "port_conflict"
	BlockerRedisNotRunning    BlockerClass = "redis_not_running"
	BlockerDatabaseConnection BlockerClass = "database_connection_failed"
	BlockerModuleNotFound     BlockerClass = "module_not_found"
	BlockerPermissionDenied   BlockerClass = "permission_denied"
	BlockerDiskFull           BlockerClass = "disk_full"
	BlockerAuthFailed         BlockerClass = "auth_failed"
	BlockerUnknown            BlockerClass = "unknown"
)

// BlockerClasses lists every known classification, BlockerUnknown last.
var BlockerClasses = []BlockerClass{
	BlockerPortConflict,
	BlockerRedisNotRunning,
	BlockerDatabaseConnection,
	BlockerModuleNotFound,
	BlockerPermissionDenied,
	BlockerDiskFull,
	BlockerAuthFailed,
	BlockerUnknown,
}

// ParseBlockerClass maps a raw classification string onto the closed set.
func ParseBlockerClass(s string) BlockerClass {
	for _, c := range BlockerClasses {
		if string(c) == s {
			return c
		}
	}
	return BlockerUnknown
}

// Critical reports whether the class is non-retryable by policy.
func (c BlockerClass) Critical() bool {
	switch c {
	case BlockerPermissionDenied, BlockerDiskFull, BlockerAuthFailed:
		return true
	}
	return false
}

// Blocker is a named obstacle plus whatever details the agent reported.
type Blocker struct {
	Class   BlockerClass      `json:"type"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}
