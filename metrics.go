package weakref

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "weakref"

type cacheMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	reclaimed prometheus.Counter
}

func newCacheMetrics(conf *config) (*cacheMetrics, error) {
	m := &cacheMetrics{
		hits:      newCounter(conf, "cache", "hits_total", "Number of cache lookups that found a live value."),
		misses:    newCounter(conf, "cache", "misses_total", "Number of cache lookups that found no live value."),
		reclaimed: newCounter(conf, "cache", "reclaimed_total", "Number of cache entries dropped after their value was collected."),
	}

	var err error
	if m.hits, err = register(conf.registerer, m.hits); err != nil {
		return nil, err
	}
	if m.misses, err = register(conf.registerer, m.misses); err != nil {
		return nil, err
	}
	if m.reclaimed, err = register(conf.registerer, m.reclaimed); err != nil {
		return nil, err
	}

	return m, nil
}

type setMetrics struct {
	compacted prometheus.Counter
}

func newSetMetrics(conf *config) (*setMetrics, error) {
	m := &setMetrics{
		compacted: newCounter(conf, "set", "compacted_total", "Number of set slots dropped after their referent was collected."),
	}

	var err error
	if m.compacted, err = register(conf.registerer, m.compacted); err != nil {
		return nil, err
	}

	return m, nil
}

func newCounter(conf *config, subsystem, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Subsystem:   subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: prometheus.Labels{"name": conf.name},
	})
}

// register registers c with r. If an identical collector is already
// registered, that one is returned so containers sharing a name share counters.
func register(r prometheus.Registerer, c prometheus.Counter) (prometheus.Counter, error) {
	if r == nil {
		return c, nil
	}

	if err := r.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("weakref: register metrics: %w", err)
	}

	return c, nil
}
