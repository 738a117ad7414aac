// Package audio plays PCM segments on the system output device using
// oto/v3, and provides a scriptable sink for tests.
package audio
