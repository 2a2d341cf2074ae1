// Package engine provides the TaskHandler, the top-level object a worker
// process starts and stops. It collects workers from a registry and an
// explicit list, builds one runner per worker and shares a single event
// dispatcher between them.
package engine
