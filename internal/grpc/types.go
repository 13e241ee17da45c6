package grpc

import (
	"context"

	"driftpursuit/movesync/internal/session"
)

const (
	// ServiceName is the fully qualified movement service.
	ServiceName = "movesync.v1.MovementSync"
	// SessionMethod is the full path of the bidirectional session stream.
	SessionMethod = "/" + ServiceName + "/Session"

	// EntityMetadataKey lets a client request a specific entity id.
	EntityMetadataKey = "x-movesync-entity-id"
	// SharedSecretMetadataKey carries the optional shared secret.
	SharedSecretMetadataKey = "x-movesync-shared-secret"
)

// Attacher runs a movement session over a connection. *session.Server satisfies it.
type Attacher interface {
	Attach(ctx context.Context, conn session.Conn, id string) error
}
