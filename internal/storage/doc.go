/*
Package storage provides the optional persistent tier behind the in-process stores.

FileStore keeps one (optionally gzip-compressed) file per key with a JSON index that is synced
periodically and on Close. S3Store keeps one object per key under a prefix, recording the write
time and TTL as object metadata. Layered puts a cache.Store in front of either and satisfies
loader.Backend, so the adaptive loader can read through to the tier.
*/
package storage
