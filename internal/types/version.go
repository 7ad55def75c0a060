package types

import (
	"fmt"
	"strings"
	"time"
)

// versionTimeLayout is ISO 8601 UTC with millisecond precision.
// Version strings sort lexicographically in timestamp order, which the
// conflict resolver relies on for tiebreaking.
const versionTimeLayout = "2006-01-02T15:04:05.000Z"

// NewVersion builds a version string for a revision authored by userID at t.
// Format: {ISO8601 UTC millisecond}-{user_id}, e.g.
// "2024-01-15T10:30:00.123Z-user-42".
func NewVersion(t time.Time, userID string) string {
	return t.UTC().Format(versionTimeLayout) + "-" + userID
}

// ParseVersion splits a version string into its timestamp and user id.
func ParseVersion(version string) (time.Time, string, error) {
	if len(version) < len(versionTimeLayout)+1 {
		return time.Time{}, "", fmt.Errorf("malformed version string: %q", version)
	}
	stamp := version[:len(versionTimeLayout)]
	rest := version[len(versionTimeLayout):]
	if !strings.HasPrefix(rest, "-") {
		return time.Time{}, "", fmt.Errorf("malformed version string: %q", version)
	}
	t, err := time.Parse(versionTimeLayout, stamp)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed version timestamp in %q: %w", version, err)
	}
	return t, rest[1:], nil
}

// ValidVersion reports whether version parses as {timestamp}-{user_id}.
func ValidVersion(version string) bool {
	_, _, err := ParseVersion(version)
	return err == nil
}
