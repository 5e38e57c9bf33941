package site

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dmitrymomot/topicbus/bus"
)

// AssetVersionChannel carries the current asset digest, or RefreshPayload
// when clients must reload unconditionally.
const AssetVersionChannel = "/global/asset-version"

// RefreshPayload forces clients to reload regardless of their asset version.
const RefreshPayload = "clobber"

// AssetVersion announces asset digest changes. The current version is cached
// per process and invalidated by bus traffic, not recomputed on every call,
// so Announce is cheap on the hot path and still deduplicates across
// processes: whichever process deploys first wins, the rest see their digest
// already current.
type AssetVersion struct {
	bus *bus.Bus
	log *slog.Logger

	mu      sync.RWMutex
	current string
	loaded  bool

	listener *bus.Listener
	done     chan struct{}
}

// NewAssetVersion builds the announcer and subscribes it to its own channel
// so other processes' announcements update the local cache.
func NewAssetVersion(ctx context.Context, b *bus.Bus, log *slog.Logger) (*AssetVersion, error) {
	if log == nil {
		log = slog.Default()
	}
	av := &AssetVersion{bus: b, log: log, done: make(chan struct{})}

	l, err := b.Listen(ctx, bus.ListenRequest{
		Channels: map[string]int64{AssetVersionChannel: 0},
	})
	if err != nil {
		return nil, fmt.Errorf("site: subscribe asset version: %w", err)
	}
	av.listener = l

	go av.follow()
	return av, nil
}

// Close stops following the channel.
func (av *AssetVersion) Close() {
	av.listener.Close()
	<-av.done
}

func (av *AssetVersion) follow() {
	defer close(av.done)
	for msg := range av.listener.C {
		var version string
		if err := json.Unmarshal(msg.Data, &version); err != nil {
			av.log.Warn("malformed asset version payload",
				slog.Int64("sequence", msg.Sequence),
				slog.String("error", err.Error()))
			continue
		}
		av.mu.Lock()
		av.current = version
		av.loaded = true
		av.mu.Unlock()
	}
}

// Current returns the last announced version, loading it from the backlog on
// first use. Empty string means nothing has ever been announced.
func (av *AssetVersion) Current(ctx context.Context) (string, error) {
	av.mu.RLock()
	if av.loaded {
		v := av.current
		av.mu.RUnlock()
		return v, nil
	}
	av.mu.RUnlock()

	last, err := av.bus.LastMessage(ctx, AssetVersionChannel)
	if err != nil {
		return "", fmt.Errorf("site: load asset version: %w", err)
	}

	var version string
	if last != nil {
		if err := json.Unmarshal(last.Data, &version); err != nil {
			return "", fmt.Errorf("site: decode asset version: %w", err)
		}
	}

	av.mu.Lock()
	if !av.loaded {
		av.current = version
		av.loaded = true
	}
	version = av.current
	av.mu.Unlock()
	return version, nil
}

// Announce publishes the digest if it differs from the current one. Returns
// true when a publish happened.
func (av *AssetVersion) Announce(ctx context.Context, version string) (bool, error) {
	current, err := av.Current(ctx)
	if err != nil {
		return false, err
	}
	if version == current {
		return false, nil
	}

	if _, err := av.bus.Publish(ctx, AssetVersionChannel, version); err != nil {
		return false, fmt.Errorf("site: announce asset version: %w", err)
	}

	av.mu.Lock()
	av.current = version
	av.loaded = true
	av.mu.Unlock()

	av.log.Info("asset version announced", slog.String("version", version))
	return true, nil
}

// RequestRefresh tells every client to reload regardless of version.
func (av *AssetVersion) RequestRefresh(ctx context.Context) error {
	if _, err := av.bus.Publish(ctx, AssetVersionChannel, RefreshPayload); err != nil {
		return fmt.Errorf("site: request refresh: %w", err)
	}
	av.mu.Lock()
	av.current = RefreshPayload
	av.loaded = true
	av.mu.Unlock()
	return nil
}
