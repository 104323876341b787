package scanner

import (
	"errors"
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"
)

// ErrNoDriver means no registered pattern matched the pool name.
var ErrNoDriver = errors.New("no scanner driver matches pool")

// Endpoint identifies one remote scanner instance and how to reach it.
type Endpoint struct {
	Pool               string
	InstanceID         string
	URL                string
	Username           string
	Password           string
	AccessKey          string
	SecretKey          string
	InsecureSkipVerify bool
}

// Builder constructs a driver for one endpoint.
type Builder func(ep Endpoint, log zerolog.Logger) Driver

type rule struct {
	pattern string
	build   Builder
}

// Factory maps pool names to scanner drivers through ordered glob patterns.
// The first matching pattern wins, so more specific patterns should be
// registered before broad ones.
type Factory struct {
	log   zerolog.Logger
	rules []rule
}

// NewFactory returns a factory with the built-in pattern set registered:
// any pool named nessus, nessus-dmz, nessus_lab and so on routes to the
// Nessus driver.
func NewFactory(log zerolog.Logger) *Factory {
	f := &Factory{log: log}
	_ = f.Register("nessus*", func(ep Endpoint, log zerolog.Logger) Driver {
		return NewNessus(ep, log)
	})
	return f
}

// Register adds a pattern → builder rule after the existing ones.
func (f *Factory) Register(pattern string, build Builder) error {
	if !doublestar.ValidatePattern(pattern) {
		return fmt.Errorf("invalid scanner pool pattern %q", pattern)
	}
	f.rules = append(f.rules, rule{pattern: pattern, build: build})
	return nil
}

// ForEndpoint builds a driver for the endpoint's pool.
func (f *Factory) ForEndpoint(ep Endpoint) (Driver, error) {
	for _, r := range f.rules {
		ok, err := doublestar.Match(r.pattern, ep.Pool)
		if err != nil || !ok {
			continue
		}
		log := f.log.With().
			Str("pool", ep.Pool).
			Str("instance", ep.InstanceID).
			Logger()
		return r.build(ep, log), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoDriver, ep.Pool)
}

// KindForPool names the scanner type serving a pool without contacting it.
// Task ids use this as their prefix.
func (f *Factory) KindForPool(pool string) (string, error) {
	d, err := f.ForEndpoint(Endpoint{Pool: pool})
	if err != nil {
		return "", err
	}
	return d.Kind(), nil
}
