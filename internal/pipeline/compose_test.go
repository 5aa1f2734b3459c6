package pipeline_test

import (
	"testing"

	"clipline/internal/config"
	"clipline/internal/pipeline"
)

func testConfig(stages []string, supervisors, gates []string, callbacks map[string]string) *config.Config {
	cfg := config.Default("proj-1")
	cfg.Pipeline.Stages = stages
	cfg.Pipeline.Supervisors = supervisors
	cfg.Pipeline.Gates = gates
	cfg.Pipeline.Callbacks = callbacks
	return cfg
}

func registryFor(cfg *config.Config) *pipeline.Registry {
	reg := pipeline.NewRegistry()
	pipeline.RegisterDefaults(reg, cfg.Pipeline.Stages, cfg.Pipeline.Callbacks)
	return reg
}

func stepNames(pl *pipeline.Pipeline) []string {
	names := make([]string, 0, len(pl.Steps))
	for _, s := range pl.Steps {
		names = append(names, s.Name)
	}
	return names
}

func TestComposeSplicesGatesAndFiltersSupervisors(t *testing.T) {
	cfg := config.Default("proj-1")
	pl, err := pipeline.Compose(cfg, registryFor(cfg))
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	want := []string{"ideate", "gate:ideate", "script", "render", "gate:prepublish", "publish"}
	got := stepNames(pl)
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("step %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	for _, s := range pl.Steps {
		if s.Name == "supervisor" {
			t.Fatalf("supervisor stage not filtered out")
		}
		if s.Name == "render" {
			if !s.AwaitsCallback || s.Provider != "shotstack" {
				t.Fatalf("render should await shotstack callback, got %+v", s)
			}
		}
	}
}

func TestComposeAfterBeatsBeforeAtSameBoundary(t *testing.T) {
	cfg := testConfig([]string{"render", "publish"}, nil,
		[]string{"after_render", "before_publish"}, nil)
	pl, err := pipeline.Compose(cfg, registryFor(cfg))
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	gates := 0
	for _, s := range pl.Steps {
		if s.Gate {
			gates++
			if s.GateName != "render" {
				t.Fatalf("expected after_render to win, got gate %s", s.GateName)
			}
		}
	}
	if gates != 1 {
		t.Fatalf("expected exactly one gate at the boundary, got %d", gates)
	}
}

func TestComposeUnprefixedGateMeansAfter(t *testing.T) {
	cfg := testConfig([]string{"ideate", "script"}, nil, []string{"ideate"}, nil)
	pl, err := pipeline.Compose(cfg, registryFor(cfg))
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	got := stepNames(pl)
	if len(got) != 3 || got[1] != "gate:ideate" {
		t.Fatalf("expected gate after ideate, got %v", got)
	}
}

func TestComposeNoGateAfterLastStage(t *testing.T) {
	cfg := testConfig([]string{"ideate", "publish"}, nil, []string{"after_publish"}, nil)
	pl, err := pipeline.Compose(cfg, registryFor(cfg))
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	for _, s := range pl.Steps {
		if s.Gate {
			t.Fatalf("gate after the final stage must not be spliced, got %v", stepNames(pl))
		}
	}
}

func TestComposeRejectsUnregisteredStage(t *testing.T) {
	cfg := testConfig([]string{"ideate", "mystery"}, nil, nil, nil)
	reg := pipeline.NewRegistry()
	reg.Register("ideate", pipeline.RecorderStage{Name: "ideate"})
	if _, err := pipeline.Compose(cfg, reg); err == nil {
		t.Fatalf("expected error for unregistered stage")
	}
}

func TestNormalizeGate(t *testing.T) {
	cases := map[string]string{
		"after_ideate":   "ideate",
		"before_publish": "prepublish",
		"AFTER_IDEA":     "ideate",
		"render":         "render",
		"custom_check":   "custom_check",
	}
	for in, want := range cases {
		if got := pipeline.NormalizeGate(in); got != want {
			t.Fatalf("NormalizeGate(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCacheReturnsSameInstance(t *testing.T) {
	builds := 0
	cache := pipeline.NewCache(func(project string) (*pipeline.Pipeline, error) {
		builds++
		cfg := config.Default(project)
		return pipeline.Compose(cfg, registryFor(cfg))
	})
	a, err := cache.Get("proj-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, err := cache.Get("proj-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a != b {
		t.Fatalf("expected the same pipeline instance across invocations")
	}
	if builds != 1 {
		t.Fatalf("expected one build, got %d", builds)
	}
	cache.Invalidate("proj-1")
	if _, err := cache.Get("proj-1"); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if builds != 2 {
		t.Fatalf("expected rebuild after invalidate, got %d builds", builds)
	}
}
