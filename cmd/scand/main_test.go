package main

import (
	"testing"

	"github.com/scandhq/scand/internal/config"
	"github.com/scandhq/scand/internal/logging"
	"github.com/scandhq/scand/internal/registry"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	return registry.New(&config.Pools{
		Order: []string{"nessus", "nessus-dmz"},
		ByName: map[string][]config.InstanceConfig{
			"nessus": {
				{InstanceID: "n1", Endpoint: "https://n1:8834", MaxConcurrent: 2},
			},
			"nessus-dmz": {
				{InstanceID: "d1", Endpoint: "https://d1:8834", MaxConcurrent: 2},
			},
		},
	}, logging.Nop())
}

func TestValidateWorkerPools(t *testing.T) {
	reg := testRegistry(t)

	t.Run("empty pool list means all pools", func(t *testing.T) {
		cfg := &config.Config{}
		if err := validateWorkerPools(cfg, reg); err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
	})

	t.Run("accepts known pools", func(t *testing.T) {
		cfg := &config.Config{}
		cfg.Worker.Pools = []string{"nessus", "nessus-dmz"}
		if err := validateWorkerPools(cfg, reg); err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
	})

	t.Run("rejects unknown pool", func(t *testing.T) {
		cfg := &config.Config{}
		cfg.Worker.Pools = []string{"nessus", "nexpose"}
		if err := validateWorkerPools(cfg, reg); err == nil {
			t.Fatal("expected error for unknown pool")
		}
	})
}
