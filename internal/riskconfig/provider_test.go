package riskconfig

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudguard/internal/logging"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestFileSource_YAML(t *testing.T) {
	path := writeFile(t, "risk.yaml", `
mode: enforce
blockedCountries: [KP]
weights:
  perChargeback: 7
thresholds:
  order: 65
actionThresholds:
  allow: 20
  challenge: 50
  deny: 90
`)
	snap, err := (&FileSource{Path: path}).Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ModeEnforce, snap.Mode)
	assert.Equal(t, 7, snap.Weights.PerChargeback)
	assert.Equal(t, 30, snap.Weights.BlockedCountry, "unset fields keep their defaults")
	assert.Equal(t, 65, snap.Threshold("order"))
	assert.Equal(t, 60, snap.Threshold("subscription"), "map entries merge with defaults")
	assert.True(t, snap.IsBlockedCountry("KP"))
	assert.Len(t, snap.Version, 12)
}

func TestFileSource_JSONWithModeOverride(t *testing.T) {
	path := writeFile(t, "risk.json", `{"version":"v42","mode":"enforce"}`)
	snap, err := (&FileSource{Path: path, ModeOverride: ModeShadow}).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v42", snap.Version)
	assert.Equal(t, ModeShadow, snap.Mode)
}

func TestFileSource_Errors(t *testing.T) {
	_, err := (&FileSource{Path: filepath.Join(t.TempDir(), "missing.yaml")}).Load(context.Background())
	assert.Error(t, err)

	_, err = (&FileSource{Path: writeFile(t, "bad.yaml", "mode: [")}).Load(context.Background())
	assert.Error(t, err)

	_, err = (&FileSource{Path: writeFile(t, "unknown.yaml", "colour: red")}).Load(context.Background())
	assert.Error(t, err)

	_, err = (&FileSource{Path: writeFile(t, "invalid.json", `{"mode":"block"}`)}).Load(context.Background())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

type flakySource struct {
	snap *Snapshot
	err  error
}

func (f *flakySource) Load(context.Context) (*Snapshot, error) { return f.snap, f.err }

func TestReloader_KeepsPreviousOnError(t *testing.T) {
	initial := Default()
	p := NewProvider(initial)
	src := &flakySource{err: errors.New("disk gone")}
	r := NewReloader(p, src, 0, logging.Discard())

	applied, err := r.Reload(context.Background())
	assert.Error(t, err)
	assert.False(t, applied)
	assert.Same(t, initial, p.Current())
}

func TestReloader_AppliesNewVersionOnly(t *testing.T) {
	p := NewProvider(Default())

	next := Default()
	next.Version = "v2"
	next.Mode = ModeEnforce
	src := &flakySource{snap: next}
	r := NewReloader(p, src, 0, logging.Discard())

	applied, err := r.Reload(context.Background())
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, ModeEnforce, p.Current().Mode)

	applied, err = r.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestReloader_FileChangePickedUp(t *testing.T) {
	path := writeFile(t, "risk.yaml", "mode: shadow\n")
	src := &FileSource{Path: path}
	snap, err := src.Load(context.Background())
	require.NoError(t, err)
	p := NewProvider(snap)
	r := NewReloader(p, src, 0, logging.Discard())

	require.NoError(t, os.WriteFile(path, []byte("mode: enforce\n"), 0o600))
	applied, err := r.Reload(context.Background())
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, ModeEnforce, p.Current().Mode)
}

func TestReloader_SameVersionEditedWeightsApplied(t *testing.T) {
	path := writeFile(t, "risk.yaml", "version: v1\nweights:\n  blockedCountry: 30\n")
	src := &FileSource{Path: path}
	snap, err := src.Load(context.Background())
	require.NoError(t, err)
	p := NewProvider(snap)
	r := NewReloader(p, src, 0, logging.Discard())

	applied, err := r.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, applied, "unchanged file")

	require.NoError(t, os.WriteFile(path, []byte("version: v1\nweights:\n  blockedCountry: 90\n"), 0o600))
	applied, err = r.Reload(context.Background())
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, "v1", p.Current().Version)
	assert.Equal(t, 90, p.Current().Weights.BlockedCountry)
	assert.NotEqual(t, snap.Digest, p.Current().Digest)
}

func TestFileSource_ExampleConfig(t *testing.T) {
	snap, err := (&FileSource{Path: filepath.Join("..", "..", "config", "risk.example.yaml")}).Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "2026-10-01", snap.Version)
	assert.Equal(t, ModeShadow, snap.Mode)
	assert.Equal(t, 65, snap.Threshold("signup"))
	assert.True(t, snap.IsBlockedCountry("cu"))
	assert.True(t, snap.IsDisposableDomain("inbox.yopmail.com"))
}
