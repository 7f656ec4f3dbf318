// Package bus publishes change records onto deterministically named Redis
// channels. Every publication goes to the containing collection's channel
// and to the document's own channel, using the shared docpath transform.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/driftdoc/driftdoc/docpath"
	"github.com/driftdoc/driftdoc/internal/engine"
)

// RedisBus is the server-side publisher. It is safe for concurrent use; the
// underlying go-redis client multiplexes its own connection pool.
type RedisBus struct {
	client *redis.Client
}

// Dial connects to the broker and verifies connectivity.
func Dial(ctx context.Context, addr, password string) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	log.Info().Str("addr", addr).Msg("connected to redis broker")
	return &RedisBus{client: client}, nil
}

// Publish dispatches publications in order. Publishing is best-effort: a
// failure is logged and the remaining publications still go out, since the
// storage write has already committed and clients reconcile via sync.
func (b *RedisBus) Publish(ctx context.Context, pubs []engine.Publication) {
	for _, pub := range pubs {
		payload, err := json.Marshal(pub)
		if err != nil {
			log.Error().Err(err).Str("path", pub.Path).Msg("failed to encode publication")
			continue
		}

		p, err := docpath.Parse(pub.Path)
		if err != nil {
			log.Error().Err(err).Str("path", pub.Path).Msg("unpublishable document path")
			continue
		}
		collection, _ := p.Parent()

		for _, channel := range []string{
			docpath.CollectionChannel(collection.String()),
			docpath.DocumentChannel(pub.Path),
		} {
			if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
				log.Warn().Err(err).
					Str("channel", channel).
					Int64("version", pub.Version).
					Msg("publish failed, client sync will reconcile")
			}
		}
	}
}

// Close releases the broker connection.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
