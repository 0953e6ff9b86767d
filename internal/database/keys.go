package database

import "strings"

// Key layout shared by the key-value stores. Paths and names never contain
// NUL, so it separates the components.
const (
	sentinelPrefix = "d\x00"
	entryPrefix    = "e\x00"
	loadedPrefix   = "l\x00"
)

func sentinelKey(shortID, path string) string {
	return sentinelPrefix + shortID + "\x00" + path
}

func entriesPrefix(shortID, path string) string {
	return entryPrefix + shortID + "\x00" + path + "\x00"
}

func loadedKey(shortID string) string {
	return loadedPrefix + shortID
}

// keyShortID extracts the short id from any key.
func keyShortID(key string) string {
	_, rest, ok := strings.Cut(key, "\x00")
	if !ok {
		return ""
	}
	id, _, _ := strings.Cut(rest, "\x00")
	return id
}

func validSet(valid []string) map[string]bool {
	keep := make(map[string]bool, len(valid))
	for _, id := range valid {
		keep[id] = true
	}
	return keep
}
