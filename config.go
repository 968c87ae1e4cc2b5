package weakref

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type config struct {
	name        string
	logger      *zap.Logger
	registerer  prometheus.Registerer
	keepAlive   int
	autoCompact bool
}

// Option configures a Set or a Cache.
type Option func(*config)

func newConfig(opts []Option) *config {
	conf := &config{
		name: "default",
	}

	for i := 0; i < len(opts); i++ {
		opts[i](conf)
	}

	if conf.logger == nil {
		conf.logger = Logger()
	}

	return conf
}

// WithName sets the value of the "name" label on exported metrics.
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

// WithLogger overrides the package logger for a single container.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithRegisterer registers the container's metrics with r.
// Without it the metrics are still counted but not exported.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *config) { c.registerer = r }
}

// WithKeepAlive makes a Cache hold the n most recently used values
// strongly, so they survive collection while they stay hot.
// Zero disables the keep-alive tier. Ignored by Set.
func WithKeepAlive(n int) Option {
	return func(c *config) { c.keepAlive = n }
}

// WithAutoCompact makes a Set drop a member's slot once its referent is
// collected, instead of waiting for Compact. Ignored by Cache, which always
// drops reclaimed entries.
func WithAutoCompact() Option {
	return func(c *config) { c.autoCompact = true }
}
