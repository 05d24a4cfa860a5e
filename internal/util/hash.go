// Package util provides shared logging, hashing and statistics helpers.
package util

import "hash/fnv"

// ShortID computes a 4-byte hash of a radio address. It is used solely to
// tag log lines ("[%08x]") and does not need to be reversible.
func ShortID(address string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(address))
	return h.Sum32()
}
