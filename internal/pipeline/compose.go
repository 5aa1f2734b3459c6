package pipeline

import (
	"fmt"
	"strings"

	"clipline/internal/config"
)

// Step is one element of a composed pipeline: either a real stage backed by
// a registered implementation, or a gate-stage handled by the engine.
type Step struct {
	Name           string
	Ordinal        int
	Gate           bool
	GateName       string
	AwaitsCallback bool
	Provider       string
	Stage          Stage
}

// Pipeline is the composed, ordered stage sequence for one project type.
// Instances are shared across runs and must not be mutated after Compose.
type Pipeline struct {
	Project string
	Steps   []Step
}

// StepAt returns the step at index i, or a zero Step when out of range.
func (p *Pipeline) StepAt(i int) (Step, bool) {
	if i < 0 || i >= len(p.Steps) {
		return Step{}, false
	}
	return p.Steps[i], true
}

// gateAliases maps substrings of a gate position to canonical gate names.
// Ordered so longer, more specific aliases win regardless of input casing.
var gateAliases = []struct {
	substr string
	gate   string
}{
	{"ideate", "ideate"},
	{"idea", "ideate"},
	{"script", "script"},
	{"render", "render"},
	{"prepublish", "prepublish"},
	{"publish", "prepublish"},
}

// NormalizeGate maps a gate position key to its canonical gate name. An
// unrecognized position falls back to the trimmed position string rather
// than failing; callers that want strictness must reject upstream.
func NormalizeGate(position string) string {
	p := strings.ToLower(strings.TrimSpace(position))
	p = strings.TrimPrefix(p, "before_")
	p = strings.TrimPrefix(p, "after_")
	for _, a := range gateAliases {
		if strings.Contains(p, a.substr) {
			return a.gate
		}
	}
	return p
}

// Compose turns a project spec into the concrete stage sequence, splicing
// gate-stages in at the declared positions. Supervisor stages are filtered
// out first. Between any two adjacent real stages at most one gate-stage is
// inserted; when both after_X and before_Y name the same boundary, after_X
// wins.
func Compose(cfg *config.Config, reg *Registry) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config required")
	}
	supervisors := map[string]bool{}
	for _, s := range cfg.Pipeline.Supervisors {
		supervisors[s] = true
	}
	var names []string
	for _, s := range cfg.Pipeline.Stages {
		if supervisors[s] {
			continue
		}
		names = append(names, s)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("project %s has no production stages", cfg.Project.ID)
	}

	after := map[string]string{}
	before := map[string]string{}
	for _, pos := range cfg.Pipeline.Gates {
		key := strings.ToLower(strings.TrimSpace(pos))
		gate := NormalizeGate(pos)
		switch {
		case strings.HasPrefix(key, "after_"):
			after[strings.TrimPrefix(key, "after_")] = gate
		case strings.HasPrefix(key, "before_"):
			before[strings.TrimPrefix(key, "before_")] = gate
		default:
			// Position without a prefix is treated as after_<stage>.
			after[key] = gate
		}
	}

	pl := &Pipeline{Project: cfg.Project.ID}
	for i, name := range names {
		impl, ok := reg.Resolve(name)
		if !ok {
			return nil, fmt.Errorf("stage %s not registered for project %s", name, cfg.Project.ID)
		}
		provider := cfg.Pipeline.Callbacks[name]
		pl.Steps = append(pl.Steps, Step{
			Name:           name,
			Ordinal:        len(pl.Steps),
			AwaitsCallback: provider != "",
			Provider:       provider,
			Stage:          impl,
		})
		if i == len(names)-1 {
			break
		}
		// after_<current> takes priority over before_<next> at the same
		// boundary; never insert more than one gate-stage here.
		gate, found := after[name]
		if !found {
			gate, found = before[names[i+1]]
		}
		if found {
			pl.Steps = append(pl.Steps, Step{
				Name:     "gate:" + gate,
				Ordinal:  len(pl.Steps),
				Gate:     true,
				GateName: gate,
			})
		}
	}
	return pl, nil
}
