// Package dedupe provides message deduplication using a bounded,
// insertion-ordered cache so that a redelivered gateway event is
// only handled once while it remains inside the dedup window.
package dedupe
