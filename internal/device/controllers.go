package device

import (
	"log/slog"
	"sort"

	"github.com/jbweber/sma/internal/backend"
)

// externalRef is the permanent reference held by controllers the agent did
// not create. It keeps their reference set non-empty so they are never torn
// down by a disconnect.
const externalRef = "<external>"

// controllerCache tracks, per controller name, the volumes referencing it.
type controllerCache struct {
	refs map[string]map[string]struct{}
	log  *slog.Logger
}

func newControllerCache(log *slog.Logger) *controllerCache {
	return &controllerCache{refs: make(map[string]map[string]struct{}), log: log}
}

// reconcile aligns the cache with the controllers the backend reports.
// Unknown live controllers are adopted with externalRef and cached ones no
// longer reported are dropped.
func (c *controllerCache) reconcile(live []backend.Controller) {
	seen := make(map[string]bool, len(live))
	for _, ctrl := range live {
		seen[ctrl.Name] = true
		if _, ok := c.refs[ctrl.Name]; !ok {
			c.refs[ctrl.Name] = map[string]struct{}{externalRef: {}}
			c.log.Info("adopted external controller", "controller", ctrl.Name)
		}
	}
	for name, vols := range c.refs {
		if !seen[name] {
			delete(c.refs, name)
			c.log.Warn("controller disappeared from backend", "controller", name, "volumes", len(vols))
		}
	}
}

// track records a controller created by the agent with no references yet.
func (c *controllerCache) track(name string) {
	if _, ok := c.refs[name]; !ok {
		c.refs[name] = make(map[string]struct{})
	}
}

// add references name from volume.
func (c *controllerCache) add(name, volume string) {
	c.track(name)
	c.refs[name][volume] = struct{}{}
}

// remove drops volume's reference. It returns the controller that held it
// and whether that was its last reference.
func (c *controllerCache) remove(volume string) (name string, last bool, found bool) {
	for ctrl, vols := range c.refs {
		if _, ok := vols[volume]; ok {
			delete(vols, volume)
			return ctrl, len(vols) == 0, true
		}
	}
	return "", false, false
}

// forget drops name from the cache.
func (c *controllerCache) forget(name string) {
	delete(c.refs, name)
}

// volumes returns the references of name in sorted order.
func (c *controllerCache) volumes(name string) []string {
	vols := c.refs[name]
	out := make([]string, 0, len(vols))
	for v := range vols {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// has reports whether name is cached.
func (c *controllerCache) has(name string) bool {
	_, ok := c.refs[name]
	return ok
}
