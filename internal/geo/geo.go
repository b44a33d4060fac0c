// Package geo provides the Validation Engine's optional country-filter
// lookup. The default implementation performs no lookup at all; a real
// deployment wires in a MaxMind-style database reader that satisfies the
// same Lookup interface.
package geo

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/proxypool/proxypool/internal/domain"
)

// Lookup resolves the geolocation of an IPv4 address.
type Lookup interface {
	Lookup(ip string) (domain.Geo, error)
}

// Disabled is a no-op Lookup: every address resolves to an empty Geo, so
// a country filter that is never configured never drops candidates.
type Disabled struct{}

// Lookup always returns a zero-value Geo and no error.
func (Disabled) Lookup(string) (domain.Geo, error) {
	return domain.Geo{}, nil
}

// Cached wraps a Lookup with an in-memory TTL cache, so a candidate's
// address that recurs across validation runs (common - pool operators
// re-probe the same ranges repeatedly) doesn't re-hit a remote GeoIP
// database or API on every pretest.
type Cached struct {
	inner Lookup
	cache *gocache.Cache
}

// NewCached returns a Lookup that memoizes inner's results for ttl,
// evicting expired entries on the given sweep interval.
func NewCached(inner Lookup, ttl, sweep time.Duration) *Cached {
	return &Cached{inner: inner, cache: gocache.New(ttl, sweep)}
}

// Lookup implements Lookup, consulting the cache before inner.
func (c *Cached) Lookup(ip string) (domain.Geo, error) {
	if v, ok := c.cache.Get(ip); ok {
		return v.(domain.Geo), nil
	}
	g, err := c.inner.Lookup(ip)
	if err != nil {
		return domain.Geo{}, err
	}
	c.cache.SetDefault(ip, g)
	return g, nil
}
