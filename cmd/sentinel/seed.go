package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/tripwire/sentinel/internal/baseline"
)

// seedFile is the -seed input: historical samples keyed by metric name, e.g.
//
//	unlock.hour_of_day: [7.5, 8.0, 22.25]
//	app_usage.session_seconds: [120, 340, 95]
type seedFile map[string][]float64

// seedBaselines folds historical samples into metrics that have not learned
// anything yet. Metrics with samples are left untouched.
func seedBaselines(ctx context.Context, eng *baseline.Engine, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("seed: cannot read %q: %w", path, err)
	}
	var sf seedFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return fmt.Errorf("seed: cannot parse %q: %w", path, err)
	}

	metrics := make([]string, 0, len(sf))
	for m := range sf {
		metrics = append(metrics, m)
	}
	sort.Strings(metrics)
	for _, m := range metrics {
		if _, err := eng.Seed(ctx, m, sf[m], 0); err != nil {
			return fmt.Errorf("seed: %s: %w", m, err)
		}
	}
	return nil
}
