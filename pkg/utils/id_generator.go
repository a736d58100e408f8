// Package utils provides small helpers shared by the CLI and the server:
// great-circle math for reporting distances in kilometers and request IDs.
//
// Go Learning Note — "pkg/" Directory Convention:
// Code under pkg/ is intended to be importable by external projects (unlike
// internal/ which is compiler-enforced private). Nothing here depends on the
// index or the services, so other tools can reuse it.
package utils

import (
	"github.com/google/uuid"
)

// GenerateID creates a new UUID v4 string. The API uses it as the request ID
// when a client does not send X-Request-ID.
//
// Go Learning Note — "github.com/google/uuid":
// uuid.New() creates a random (v4) UUID like
// "550e8400-e29b-41d4-a716-446655440000". It needs no coordination between
// server instances, so IDs from several replicas can be mixed in one log.
func GenerateID() string {
	return uuid.New().String()
}
