package client

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/driftdoc/driftdoc/docpath"
)

// ErrNoBroker is returned by Subscribe when the client was built without a
// broker address.
var ErrNoBroker = errors.New("client: no broker configured, live subscriptions unavailable")

// debounceWindow coalesces publication bursts before delivery.
const debounceWindow = 50 * time.Millisecond

// publication mirrors the server's broker message.
type publication struct {
	Type    string         `json:"type"`
	ID      string         `json:"id"`
	Path    string         `json:"path"`
	Version int64          `json:"version"`
	Data    map[string]any `json:"data,omitempty"`
}

// Subscribe keeps the query result set live. The handler receives the
// initial result set, then an updated set after each coalesced burst of
// changes. The returned disposer unsubscribes and stops delivery.
func (q *Query) Subscribe(ctx context.Context, handler func([]*Snapshot)) (func(), error) {
	if q.col.err != nil {
		return nil, q.col.err
	}
	c := q.col.c
	if c.redis == nil {
		return nil, ErrNoBroker
	}

	channel := docpath.CollectionChannel(q.col.path.String())
	pubsub := c.redis.Subscribe(ctx, channel)

	initial, err := q.Documents(ctx)
	if err != nil {
		pubsub.Close()
		return nil, err
	}

	set := make(map[string]*Snapshot, len(initial))
	var lastSeen int64
	for _, snap := range initial {
		set[snap.Path] = snap
		if snap.Version > lastSeen {
			lastSeen = snap.Version
		}
	}
	handler(initial)

	stop := make(chan struct{})
	go func() {
		defer pubsub.Close()

		// The timer is parked until the first publication arrives.
		debounce := time.NewTimer(time.Hour)
		if !debounce.Stop() {
			<-debounce.C
		}
		defer debounce.Stop()
		refetch := false

		msgs := pubsub.Channel()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var pub publication
				if err := json.Unmarshal([]byte(msg.Payload), &pub); err != nil {
					c.log.Warn().Err(err).Str("channel", channel).Msg("undecodable publication")
					continue
				}
				if pub.Version <= lastSeen {
					continue
				}
				lastSeen = pub.Version
				c.observeVersion(pub.Version)

				if q.ordered() {
					// Order and limit boundaries cannot be maintained from
					// deltas; re-fetch authoritatively after the debounce.
					refetch = true
				} else {
					q.applyToSet(set, pub)
				}
				debounce.Reset(debounceWindow)
			case <-debounce.C:
				if refetch {
					refetch = false
					fresh, err := q.Documents(ctx)
					if err != nil {
						c.log.Warn().Err(err).Msg("live query refetch failed")
						continue
					}
					set = make(map[string]*Snapshot, len(fresh))
					for _, snap := range fresh {
						set[snap.Path] = snap
					}
					handler(fresh)
					continue
				}
				handler(flattenSet(set))
			}
		}
	}()

	closed := false
	return func() {
		if !closed {
			closed = true
			close(stop)
		}
	}, nil
}

// applyToSet folds one publication into the maintained result set.
func (q *Query) applyToSet(set map[string]*Snapshot, pub publication) {
	switch pub.Type {
	case "CREATED", "UPDATED":
		if q.matches(pub.Data) {
			set[pub.Path] = &Snapshot{
				ID:      pub.ID,
				Path:    pub.Path,
				Data:    pub.Data,
				Version: pub.Version,
			}
		} else {
			delete(set, pub.Path)
		}
	case "DELETED":
		delete(set, pub.Path)
	}
}

func flattenSet(set map[string]*Snapshot) []*Snapshot {
	out := make([]*Snapshot, 0, len(set))
	for _, snap := range set {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// Subscribe delivers the document's state on every change. A delete delivers
// a nil snapshot. The returned disposer unsubscribes.
func (r *DocumentRef) Subscribe(ctx context.Context, handler func(*Snapshot)) (func(), error) {
	if r.err != nil {
		return nil, r.err
	}
	c := r.c
	if c.redis == nil {
		return nil, ErrNoBroker
	}

	channel := docpath.DocumentChannel(r.path.String())
	pubsub := c.redis.Subscribe(ctx, channel)

	stop := make(chan struct{})
	go func() {
		defer pubsub.Close()
		var lastSeen int64
		msgs := pubsub.Channel()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var pub publication
				if err := json.Unmarshal([]byte(msg.Payload), &pub); err != nil {
					c.log.Warn().Err(err).Str("channel", channel).Msg("undecodable publication")
					continue
				}
				if pub.Version <= lastSeen {
					continue
				}
				lastSeen = pub.Version
				c.observeVersion(pub.Version)

				if pub.Type == "DELETED" {
					handler(nil)
					continue
				}
				snap, err := r.Get(ctx)
				if err != nil {
					c.log.Warn().Err(err).Str("path", r.path.String()).Msg("live document refetch failed")
					continue
				}
				handler(snap)
			}
		}
	}()

	closed := false
	return func() {
		if !closed {
			closed = true
			close(stop)
		}
	}, nil
}
