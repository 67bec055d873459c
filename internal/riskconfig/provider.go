package riskconfig

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mbd888/fraudguard/internal/metrics"
)

// Provider publishes the current snapshot. Reads are lock-free.
type Provider struct {
	cur atomic.Pointer[Snapshot]
}

// NewProvider creates a provider holding initial, which must be validated.
func NewProvider(initial *Snapshot) *Provider {
	p := &Provider{}
	p.Store(initial)
	return p
}

// Current returns the active snapshot. Callers must treat it as read-only.
func (p *Provider) Current() *Snapshot {
	return p.cur.Load()
}

// Store atomically replaces the active snapshot.
func (p *Provider) Store(s *Snapshot) {
	p.cur.Store(s)
	metrics.SetMode(string(s.Mode))
}

// Source loads a candidate snapshot.
type Source interface {
	Load(ctx context.Context) (*Snapshot, error)
}

// FileSource reads a YAML (.yaml, .yml) or JSON file. Fields missing from
// the file keep their built-in defaults.
type FileSource struct {
	Path string
	// ModeOverride, when set, replaces the file's mode. It lets an operator
	// pin a deployment to shadow while the shared policy file says enforce.
	ModeOverride Mode
}

// Load implements Source.
func (f *FileSource) Load(_ context.Context) (*Snapshot, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("riskconfig: read %s: %w", f.Path, err)
	}

	snap := Default()
	switch strings.ToLower(filepath.Ext(f.Path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(snap); err != nil {
			return nil, fmt.Errorf("riskconfig: parse %s: %w", f.Path, err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(snap); err != nil {
			return nil, fmt.Errorf("riskconfig: parse %s: %w", f.Path, err)
		}
	}

	if f.ModeOverride != "" {
		snap.Mode = f.ModeOverride
	}
	sum := sha256.Sum256(data)
	snap.Digest = hex.EncodeToString(sum[:])
	if snap.Version == "" || snap.Version == "builtin" {
		snap.Version = snap.Digest[:12]
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return snap, nil
}

// StaticSource always returns the same snapshot. Used when no file is set.
type StaticSource struct {
	Snapshot *Snapshot
}

// Load implements Source.
func (s StaticSource) Load(context.Context) (*Snapshot, error) {
	return s.Snapshot, nil
}

// Reloader polls a Source and publishes every valid snapshot whose content
// or mode changed. A failed load keeps the previous snapshot active.
type Reloader struct {
	provider *Provider
	source   Source
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewReloader creates a reloader. interval bounds staleness; it is capped
// at 60s.
func NewReloader(provider *Provider, source Source, interval time.Duration, logger *slog.Logger) *Reloader {
	if interval <= 0 || interval > 60*time.Second {
		interval = 30 * time.Second
	}
	return &Reloader{
		provider: provider,
		source:   source,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the reload loop. Call in a goroutine.
func (r *Reloader) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			_, _ = r.Reload(ctx)
		}
	}
}

// Stop signals the reloader to stop.
func (r *Reloader) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

// Reload loads once and publishes the result if it differs from the active
// snapshot in version, content digest or mode. It reports whether a new snapshot was published.
func (r *Reloader) Reload(ctx context.Context) (bool, error) {
	next, err := r.source.Load(ctx)
	if err != nil {
		metrics.ConfigReloadsTotal.WithLabelValues("error").Inc()
		r.logger.Warn("risk config reload failed, keeping previous", "error", err,
			"active_version", r.provider.Current().Version)
		return false, err
	}

	cur := r.provider.Current()
	if cur != nil && cur.Version == next.Version && cur.Digest == next.Digest && cur.Mode == next.Mode {
		metrics.ConfigReloadsTotal.WithLabelValues("unchanged").Inc()
		return false, nil
	}

	r.provider.Store(next)
	metrics.ConfigReloadsTotal.WithLabelValues("applied").Inc()
	r.logger.Info("risk config applied", "version", next.Version, "digest", next.Digest, "mode", next.Mode)
	return true, nil
}
