package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/tripwire/sentinel/internal/baseline"
	"github.com/tripwire/sentinel/internal/store/sqlite"
)

func TestSeedBaselines(t *testing.T) {
	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	eng := baseline.New(st, baseline.Config{MinSamples: 3, MinSamplesForConfidence: 3, ConfidenceFloor: 0.9, MinStddev: 0.25})

	path := filepath.Join(t.TempDir(), "seed.yaml")
	data := "unlock.hour_of_day: [7, 8, 9]\napp_usage.session_seconds: [100, 200]\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	ctx := context.Background()
	if err := seedBaselines(ctx, eng, path); err != nil {
		t.Fatalf("seedBaselines: %v", err)
	}

	snap, found, err := eng.Snapshot(ctx, "unlock.hour_of_day")
	if err != nil || !found {
		t.Fatalf("Snapshot: found=%v err=%v", found, err)
	}
	if snap.Mean != 8 || snap.Samples != 3 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}

	// A second seed leaves learned metrics alone.
	if err := os.WriteFile(path, []byte("unlock.hour_of_day: [20, 21, 22]\n"), 0o600); err != nil {
		t.Fatalf("rewrite seed: %v", err)
	}
	if err := seedBaselines(ctx, eng, path); err != nil {
		t.Fatalf("seedBaselines: %v", err)
	}
	if snap, _, _ := eng.Snapshot(ctx, "unlock.hour_of_day"); snap.Mean != 8 {
		t.Errorf("seeded metric was overwritten: mean %v", snap.Mean)
	}
}

func TestSeedBaselines_BadFile(t *testing.T) {
	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	eng := baseline.New(st, baseline.DefaultConfig())

	if err := seedBaselines(context.Background(), eng, filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for a missing file")
	}
	path := filepath.Join(t.TempDir(), "bad.yaml")
	_ = os.WriteFile(path, []byte("unlock.hour_of_day: not-a-list\n"), 0o600)
	if err := seedBaselines(context.Background(), eng, path); err == nil {
		t.Error("expected error for a malformed file")
	}
}
