package model

import (
	"os"

	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as an entity identifier.
func NewID() string {
	return ulid.Make().String()
}

// NewWorkerID returns an identifier for a polling worker: the host name
// followed by a ULID, or just the ULID when the host name is unavailable.
func NewWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return NewID()
	}
	return host + "-" + NewID()
}
