package config

import (
	"github.com/apex/log"
	"github.com/ooni/minirfb/internal/model"
	"github.com/ooni/minirfb/internal/runtimex"
)

// Config contains options to initialize the RFB server.
type Config struct {
	// serverOptions contains options related to the server.
	serverOptions *ServerOptions

	// logger will be used to log events.
	logger model.Logger

	// if a tracer is provided, it will be used to trace every handshake.
	tracer model.HandshakeTracer
}

// NewConfig returns a Config ready to initialize a server.
func NewConfig(options ...Option) *Config {
	cfg := &Config{
		serverOptions: DefaultServerOptions(),
		logger:        log.Log,
		tracer:        &model.DummyTracer{},
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// Option is an option you can pass to initialize minirfb.
type Option func(config *Config)

// WithLogger configures the passed [Logger].
func WithLogger(logger model.Logger) Option {
	return func(config *Config) {
		config.logger = logger
	}
}

// Logger returns the configured logger.
func (c *Config) Logger() model.Logger {
	return c.logger
}

// WithHandshakeTracer configures the passed [HandshakeTracer].
func WithHandshakeTracer(tracer model.HandshakeTracer) Option {
	return func(config *Config) {
		config.tracer = tracer
	}
}

// Tracer returns the handshake tracer.
func (c *Config) Tracer() model.HandshakeTracer {
	return c.tracer
}

// WithConfigFile configures ServerOptions parsed from the given file.
func WithConfigFile(configPath string) Option {
	return func(config *Config) {
		serverOpts, err := ReadConfigFile(configPath)
		runtimex.PanicOnError(err, "cannot parse config file")
		config.serverOptions = serverOpts
	}
}

// WithServerOptions configures the passed server options.
func WithServerOptions(serverOptions *ServerOptions) Option {
	return func(config *Config) {
		config.serverOptions = serverOptions
	}
}

// ServerOptions returns the configured server options.
func (c *Config) ServerOptions() *ServerOptions {
	return c.serverOptions
}
