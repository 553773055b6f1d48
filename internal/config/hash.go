package config

import "hash/fnv"

// hashBytes is used to detect no-op config rewrites (editors often emit
// several write events for one save).
func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
