package cache

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Tiered is the ordered composition of cache layers, layer 0 being the
// fastest/primary (typically memory).
type Tiered struct {
	layers []Layer
	logger zerolog.Logger
}

// New composes layers into a single tiered cache, primary first.
func New(logger zerolog.Logger, layers ...Layer) *Tiered {
	return &Tiered{
		layers: layers,
		logger: logger.With().Str("component", "tiered_cache").Logger(),
	}
}

// Get walks layers in order. On a hit at layer i>0, promotion into
// layers 0..i is fired in a background goroutine and its result is
// never waited on by the caller.
func (t *Tiered) Get(ctx context.Context, key string) (Entry, bool, error) {
	entry, _, ok, err := t.GetWithSource(ctx, key)
	return entry, ok, err
}

// GetWithSource is Get plus the name of the layer that served the hit,
// for per-layer hit accounting. source is empty on a miss.
func (t *Tiered) GetWithSource(ctx context.Context, key string) (entry Entry, source string, ok bool, err error) {
	for i, layer := range t.layers {
		entry, found, lerr := layer.Get(ctx, key)
		if lerr != nil {
			t.logger.Warn().Err(lerr).Str("layer", layer.Name()).Str("key", key).Msg("cache layer read failed, continuing search")
			continue
		}
		if !found {
			continue
		}
		if i > 0 {
			t.promote(key, entry, t.layers[:i])
		}
		return entry, layer.Name(), true, nil
	}
	return Entry{}, "", false, nil
}

// LayerNames returns the configured layer names in search order.
func (t *Tiered) LayerNames() []string {
	names := make([]string, len(t.layers))
	for i, l := range t.layers {
		names[i] = l.Name()
	}
	return names
}

func (t *Tiered) promote(key string, entry Entry, targets []Layer) {
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		return
	}
	for _, layer := range targets {
		l := layer
		go func() {
			if err := l.Set(context.Background(), key, entry, ttl); err != nil {
				t.logger.Debug().Err(err).Str("layer", l.Name()).Str("key", key).Msg("cache promotion failed")
			}
		}()
	}
}

// Set writes synchronously to layer 0 (the primary). If layer 0 fails,
// Set returns that error and the caller decides whether to proceed
// serving an uncached response. Writes to layers 1..n are fired in
// background goroutines; their failures are logged at debug level and
// never surfaced to the caller. No counter of these failures is kept.
func (t *Tiered) Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	if len(t.layers) == 0 {
		return nil
	}
	if err := t.layers[0].Set(ctx, key, entry, ttl); err != nil {
		return err
	}
	for _, layer := range t.layers[1:] {
		l := layer
		go func() {
			if err := l.Set(context.Background(), key, entry, ttl); err != nil {
				t.logger.Debug().Err(err).Str("layer", l.Name()).Str("key", key).Msg("background secondary write failed")
			}
		}()
	}
	return nil
}

// Delete removes key from every layer synchronously, returning true
// iff at least one layer reported the key present.
func (t *Tiered) Delete(ctx context.Context, key string) (bool, error) {
	var anyFound bool
	for _, layer := range t.layers {
		found, err := layer.Delete(ctx, key)
		if err != nil {
			t.logger.Warn().Err(err).Str("layer", layer.Name()).Str("key", key).Msg("cache layer delete failed")
			continue
		}
		if found {
			anyFound = true
		}
	}
	return anyFound, nil
}

// PurgeAll clears every layer synchronously, for the admin "purge all"
// endpoint. A failure in one layer is logged and does not
// stop the remaining layers from being cleared.
func (t *Tiered) PurgeAll(ctx context.Context) error {
	var firstErr error
	for _, layer := range t.layers {
		if err := layer.Clear(ctx); err != nil {
			t.logger.Warn().Err(err).Str("layer", layer.Name()).Msg("cache layer purge failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Stats sums hits/misses/evictions/sizes across all layers.
func (t *Tiered) Stats() Stats {
	out := Stats{PerLayer: make(map[string]LayerStats, len(t.layers))}
	for _, layer := range t.layers {
		s := layer.Stats()
		out.Hits += s.Hits
		out.Misses += s.Misses
		out.Evictions += s.Evictions
		out.Items += s.Items
		out.Bytes += s.Bytes
		out.PerLayer[layer.Name()] = s
	}
	return out
}
