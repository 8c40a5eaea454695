package config

import "sync/atomic"

// Reloader holds the current Config behind an atomic pointer so a SIGHUP
// handler can swap in a freshly loaded Config without readers observing a
// torn or partially-updated value. Config itself stays immutable; reload
// always constructs a brand new one and replaces the pointer wholesale.
type Reloader struct {
	path    string
	current atomic.Pointer[Config]
}

// NewReloader loads path once and returns a Reloader wrapping the result.
func NewReloader(path string) (*Reloader, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	r := &Reloader{path: path}
	r.current.Store(cfg)

	return r, nil
}

// Current returns the most recently loaded Config.
func (r *Reloader) Current() *Config {
	return r.current.Load()
}

// Reload re-reads the configuration file and, if it parses and validates
// successfully, atomically swaps it in. A failed reload leaves the
// previously loaded Config in place and returns the error describing why.
func (r *Reloader) Reload() error {
	cfg, err := Load(r.path)
	if err != nil {
		return err
	}

	r.current.Store(cfg)

	return nil
}
