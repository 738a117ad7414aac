// Package cache keeps recently synthesized audio in memory so replaying a
// paragraph does not synthesize it again.
package cache
