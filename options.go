package ormap

import (
	"log/slog"
	"time"

	"github.com/observed-remove/ormap/utils"
)

// Options configure a map or set replica.
type Options struct {
	// MaxAge bounds tombstone (and deletion-signature) lifetime.
	// Tombstones whose id-embedded timestamp is older are flushed.
	MaxAge time.Duration

	// BufferPublishing coalesces outgoing operations for this long
	// before the publish event fires. Zero picks the default; a
	// negative value publishes synchronously.
	BufferPublishing time.Duration

	// Namespace prefixes every key of the persistent store so several
	// replicas can share one database.
	Namespace string

	Logger utils.Logger

	// Key and Format configure the verifier of the signed variant.
	Key    []byte
	Format string
}

const (
	defaultMaxAge           = 5 * time.Second
	defaultBufferPublishing = 30 * time.Millisecond
)

func (o *Options) SetDefaults() {
	if o.MaxAge == 0 {
		o.MaxAge = defaultMaxAge
	}
	if o.BufferPublishing == 0 {
		o.BufferPublishing = defaultBufferPublishing
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
}
