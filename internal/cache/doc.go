// Package cache defines the disk-backed bucket store that holds one complete
// response per entry. Buckets are named <site>-<version>; a new deploy seeds
// a fresh bucket through an all-or-nothing batch and activation deletes every
// older bucket wholesale, so entries are never evicted individually. Entries
// carry the full response (status, headers, body) in a single envelope file
// written with temp-file + rename semantics, letting higher layers replay a
// stored response byte for byte without consulting the network.
package cache
