package utils

import "github.com/google/uuid"

// NewID returns a random UUID v4 string.
func NewID() string {
	return uuid.NewString()
}

// IsUUID reports whether s parses as a UUID; used to tell domain UUIDs
// from VM names on the command line.
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
