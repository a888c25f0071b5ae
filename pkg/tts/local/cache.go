package local

import (
	"slices"

	"github.com/sipeed/picovoice/pkg/logger"
)

// residencyCache tracks which models the engine holds, oldest first. It is
// not safe for concurrent use; the worker goroutine owns it.
type residencyCache struct {
	engine Engine
	max    int // 0 means unbounded
	order  []string
	onSize func(int)
}

func newResidencyCache(engine Engine, max int) *residencyCache {
	if max < 0 {
		max = 0
	}
	return &residencyCache{engine: engine, max: max}
}

// ensureLoaded makes name resident, evicting the oldest model first when the
// cache is full. A failed load leaves nothing recorded for name.
func (c *residencyCache) ensureLoaded(name, path string) error {
	if c.resident(name) {
		return nil
	}

	if c.max > 0 && len(c.order) >= c.max {
		oldest := c.order[0]
		c.engine.Unload(oldest)
		c.order = c.order[1:]
		logger.DebugCF("local", "Model unloaded", map[string]any{"model": oldest})
	}

	if err := c.engine.Load(name, path); err != nil {
		c.report()
		return err
	}
	c.order = append(c.order, name)
	logger.DebugCF("local", "Model loaded", map[string]any{
		"model":    name,
		"resident": len(c.order),
	})
	c.report()
	return nil
}

func (c *residencyCache) resident(name string) bool {
	return slices.Contains(c.order, name)
}

// unloadAll releases every resident model.
func (c *residencyCache) unloadAll() {
	for _, name := range c.order {
		c.engine.Unload(name)
	}
	c.order = nil
	c.report()
}

func (c *residencyCache) snapshot() []string {
	return slices.Clone(c.order)
}

func (c *residencyCache) report() {
	if c.onSize != nil {
		c.onSize(len(c.order))
	}
}
