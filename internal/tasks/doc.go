// Package tasks tracks concurrently spawned per-event handler goroutines
// so they can be cooperatively cancelled and awaited at shutdown.
package tasks
