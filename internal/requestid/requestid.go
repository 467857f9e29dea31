// Package requestid generates short-lived correlation identifiers used to
// thread a single admitted request through its log lines. These ids never
// go on the wire — they exist purely to let an operator grep one request's
// lifecycle out of interleaved concurrent logs.
package requestid

import "github.com/google/uuid"

// New returns a fresh correlation id.
func New() string {
	return uuid.New().String()
}
