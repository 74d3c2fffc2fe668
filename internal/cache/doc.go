// Package cache holds the two caches of the reader: a small window LRU of
// decoded chunks around the playback position, and a persistent
// zstd-compressed disk cache for asset manifests fetched over HTTP.
package cache
