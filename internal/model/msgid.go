package model

import (
	"strconv"
	"strings"
)

// CompareMessageIDs orders two message ids by the provider's natural
// ordering. IMAP UIDs and Gmail history offsets are numeric, so when both
// ids parse as unsigned integers they are compared numerically; otherwise
// the comparison falls back to lexicographic, which matches how Gmail
// message ids (fixed-width hex) sort. Returns -1, 0, or 1. An empty id
// sorts before everything, so the first message for a user is always newer
// than a missing marker.
func CompareMessageIDs(a, b string) int {
	if a == b {
		return 0
	}
	if a == "" {
		return -1
	}
	if b == "" {
		return 1
	}
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	if errA == nil && errB == nil {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}

// MessageIDNewer reports whether id is strictly newer than the marker.
func MessageIDNewer(id, marker string) bool {
	return CompareMessageIDs(id, marker) > 0
}
