package api

import "time"

// Timestamp returns the wire timestamp format used by every message the
// server emits.
func Timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
