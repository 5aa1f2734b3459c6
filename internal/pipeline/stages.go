package pipeline

import (
	"context"
	"fmt"
)

// RecorderStage is the default production stage: it records completion into
// run state and moves on. Real creative logic lives outside this module.
type RecorderStage struct {
	Name string
}

func (r RecorderStage) Execute(_ context.Context, s *State) Result {
	s.Values[r.Name] = map[string]any{"completed": true}
	return Continue(s)
}

// SubmitFunc hands work to an external provider and returns a submission
// reference. Completion arrives later via the provider's webhook.
type SubmitFunc func(ctx context.Context, s *State) (string, error)

// ProviderStage submits work to an external provider and suspends until the
// callback delivers the result. Re-execution is idempotent: a delivered
// result completes the stage, a pending submission suspends again without
// resubmitting.
type ProviderStage struct {
	Name     string
	Provider string
	Submit   SubmitFunc
}

func (p ProviderStage) resultKey() string    { return p.Name + ".result" }
func (p ProviderStage) submittedKey() string { return p.Name + ".submitted" }

func (p ProviderStage) Execute(ctx context.Context, s *State) Result {
	if res, ok := s.Values[p.resultKey()]; ok {
		s.Values[p.Name] = res
		return Continue(s)
	}
	if submitted, _ := s.Values[p.submittedKey()].(bool); submitted {
		return Suspend(SuspendCallback, map[string]any{"provider": p.Provider, "stage": p.Name})
	}
	ref := ""
	if p.Submit != nil {
		var err error
		ref, err = p.Submit(ctx, s)
		if err != nil {
			return Fail(fmt.Errorf("%s submit: %w", p.Provider, err))
		}
	}
	s.Values[p.submittedKey()] = true
	if ref != "" {
		s.Values[p.Name+".submission"] = ref
	}
	return Suspend(SuspendCallback, map[string]any{"provider": p.Provider, "stage": p.Name, "submission": ref})
}

// RegisterDefaults fills a registry with recorder stages for every declared
// stage name, wrapping callback stages in ProviderStage. Service roots that
// own real stage logic register their own implementations instead.
func RegisterDefaults(reg *Registry, stages []string, callbacks map[string]string) {
	for _, name := range stages {
		if provider, ok := callbacks[name]; ok {
			reg.Register(name, ProviderStage{Name: name, Provider: provider})
			continue
		}
		reg.Register(name, RecorderStage{Name: name})
	}
}
