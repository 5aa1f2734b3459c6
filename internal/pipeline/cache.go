package pipeline

import "sync"

// BuildFunc composes a pipeline for a project type.
type BuildFunc func(project string) (*Pipeline, error)

// Cache resolves project type to a compiled pipeline, building each at most
// once. A run suspended at a gate keeps its bookkeeping inside the shared
// pipeline's steps, so every invocation for the same project must see the
// same instance; rebuilding per call loses interrupted gates.
type Cache struct {
	mu        sync.Mutex
	build     BuildFunc
	pipelines map[string]*Pipeline
}

func NewCache(build BuildFunc) *Cache {
	return &Cache{
		build:     build,
		pipelines: map[string]*Pipeline{},
	}
}

// Get returns the compiled pipeline for a project, composing it on first use.
func (c *Cache) Get(project string) (*Pipeline, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pl, ok := c.pipelines[project]; ok {
		return pl, nil
	}
	pl, err := c.build(project)
	if err != nil {
		return nil, err
	}
	c.pipelines[project] = pl
	return pl, nil
}

// Invalidate drops the cached pipeline for a project, forcing a recompose
// on next use. Used after a project config import.
func (c *Cache) Invalidate(project string) {
	c.mu.Lock()
	delete(c.pipelines, project)
	c.mu.Unlock()
}
