package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigValid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cluster.yaml")
	body := `
machine_id: rank0
cluster:
  max_box_size: [16, 16, 16]
  min_box_size: [2, 2, 2]
  efficiency_tolerance: 0.75
  combine_tolerance: 0.8
  ghost_cell_width: [1, 1, 1]
  bidirectional: true
owner:
  mode: most_overlap
advance:
  mode: advance_some
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Cluster.EfficiencyTolerance != 0.75 {
		t.Fatalf("efficiency tolerance = %v, want 0.75", cfg.Cluster.EfficiencyTolerance)
	}
	if cfg.Owner.Mode != "most_overlap" {
		t.Fatalf("owner mode = %v", cfg.Owner.Mode)
	}
}

func TestValidateRejectsMinExceedsMax(t *testing.T) {
	cfg := &Config{
		Cluster: Cluster{
			MaxBoxSize:          []int{8},
			MinBoxSize:          []int{16},
			EfficiencyTolerance: 0.8,
		},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error when min exceeds max")
	}
}

func TestValidateRejectsBadEfficiency(t *testing.T) {
	cfg := &Config{
		Cluster: Cluster{
			MaxBoxSize:          []int{8},
			EfficiencyTolerance: 1.5,
		},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for out-of-range efficiency tolerance")
	}
}

func TestValidateRejectsUnknownOwnerMode(t *testing.T) {
	cfg := &Config{
		Cluster: Cluster{MaxBoxSize: []int{8}, EfficiencyTolerance: 0.8},
		Owner:   Owner{Mode: "nonsense"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for unknown owner mode")
	}
}
