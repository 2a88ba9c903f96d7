package worlds

import (
	"sync/atomic"
)

// Registry serves the loaded configuration. It only changes on an explicit
// Reload; a failed reload keeps the previous configuration.
type Registry struct {
	path string
	cur  atomic.Pointer[Config]
}

func NewRegistry(path string, cfg Config) *Registry {
	r := &Registry{path: path}
	r.cur.Store(&cfg)
	return r
}

func (r *Registry) Current() Config { return *r.cur.Load() }

func (r *Registry) Path() string { return r.path }

func (r *Registry) Reload() (Config, error) {
	cfg, err := Load(r.path)
	if err != nil {
		return r.Current(), err
	}
	r.cur.Store(&cfg)
	return cfg, nil
}
