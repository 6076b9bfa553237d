// Package cache implements the named bucket storage behind every caching
// strategy. A Storage owns buckets (StoragePath/<bucket>/ on disk, or plain
// maps in memory); a Bucket maps canonical request keys to stored responses
// with status, headers and body preserved byte for byte. Writes use temp file
// + rename so readers never observe a partial entry, and bucket deletion is
// serialized against writes so generation cleanup can run while requests are
// in flight.
package cache
