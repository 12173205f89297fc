// Package loader serves feature data through a cache, sizing each entry's TTL from the
// user's usage weights and warming the cache for the user's heaviest features.
package loader
