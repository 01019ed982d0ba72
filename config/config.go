// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the USP Broker's configuration.
//
// Configuration is loaded from a single file specified by:
//   - USPBROKER_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
//
// The config file may contain environment-specific sections
// (development, staging, production) that override base values when the
// environment matches.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/uspbroker/broker/internal/permission"
)

// Environment identifies the deployment type.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the master configuration for the Broker.
type Config struct {
	// Environment selects which EnvironmentOverrides section applies.
	Environment Environment `yaml:"environment"`

	// Core configures the service registry and the operation adapter's
	// compile-time caps (spec §6).
	Core CoreConfig `yaml:"core"`

	// Transports configures the four MTP listeners. A transport with a
	// zero-value address is not started.
	Transports TransportsConfig `yaml:"transports"`

	// Permission maps role names to the path-prefix rules they grant.
	Permission map[string][]permission.Rule `yaml:"permission"`

	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Core       *CoreConfig       `yaml:"core,omitempty"`
	Transports *TransportsConfig `yaml:"transports,omitempty"`
}

// CoreConfig holds the registry capacity and adapter caps from spec §6.
type CoreConfig struct {
	// MaxServices bounds the Service registry's fixed-capacity array and,
	// equivalently, the number of vendor parameter groups the Broker can
	// track (one group per Service).
	MaxServices int `yaml:"max_services"`

	// ResponseTimeout is how long SendAndWaitForResponse waits for a
	// Service's reply before surfacing Internal to the caller.
	ResponseTimeout time.Duration `yaml:"response_timeout"`

	// PassthroughMaxDepth caps the dot-segment depth of every path in a
	// passthrough candidate request; a request with a deeper path is not
	// passed through. Zero or less disables the cap. Loosely mirrors
	// PP_MAX_PASSTHRU_GET_DEPTH in the reference implementation.
	PassthroughMaxDepth int `yaml:"passthrough_max_depth"`
}

// TransportsConfig configures the four MTP listeners.
type TransportsConfig struct {
	UnixSocket UnixSocketConfig `yaml:"unix_socket"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	STOMP      STOMPConfig      `yaml:"stomp"`
}

// UnixSocketConfig configures the domain socket MTP.
type UnixSocketConfig struct {
	// Path is the filesystem path of the listening socket. Empty
	// disables this transport.
	Path string `yaml:"path"`
}

// WebSocketConfig configures the WebSocket MTP.
type WebSocketConfig struct {
	// Address is the listen address (e.g. ":8080"). Empty disables this
	// transport.
	Address string `yaml:"address"`
}

// MQTTConfig configures the MQTT MTP's shared broker connection.
type MQTTConfig struct {
	// BrokerURLs lists the MQTT broker(s) to connect to (e.g.
	// "tcp://localhost:1883"). Empty disables this transport.
	BrokerURLs []string `yaml:"broker_urls"`
	ClientID   string   `yaml:"client_id"`
	Username   string   `yaml:"username"`
	Password   string   `yaml:"password"`

	// Services lists the per-Service topic pairs to subscribe on
	// startup, since MQTT has no connection-time handshake to carry
	// endpoint identity the way the other MTPs do.
	Services []MQTTServiceConfig `yaml:"services"`

	// Controllers lists external Controllers reachable over MQTT, each
	// bound to its own topic pair and permission role. Unlike Services,
	// these never become registry entries.
	Controllers []MQTTControllerConfig `yaml:"controllers"`
}

// MQTTServiceConfig binds one Service's endpoint to its topic pair.
type MQTTServiceConfig struct {
	Endpoint    string `yaml:"endpoint"`
	ToService   string `yaml:"to_service"`
	FromService string `yaml:"from_service"`
}

// MQTTControllerConfig binds one external Controller's id to its topic
// pair and the permission role its requests carry.
type MQTTControllerConfig struct {
	ID          string `yaml:"id"`
	Role        string `yaml:"role"`
	ToService   string `yaml:"to_service"`
	FromService string `yaml:"from_service"`
}

// STOMPConfig configures the STOMP MTP.
type STOMPConfig struct {
	// Address is the listen address (e.g. ":6163"). Empty disables this
	// transport.
	Address string `yaml:"address"`

	// Codec selects the frame-body compression algorithm: "zstd" (the
	// default) or "lz4".
	Codec string `yaml:"codec"`
}

// Default returns the configuration defaults. The config file is
// required; these exist to give every field a sensible zero value
// before the file is merged in, not as a fallback to loading one.
func Default() *Config {
	return &Config{
		Environment: Development,
		Core: CoreConfig{
			MaxServices:         256,
			ResponseTimeout:     30 * time.Second,
			PassthroughMaxDepth: 4,
		},
		Transports: TransportsConfig{
			STOMP: STOMPConfig{Codec: "zstd"},
		},
	}
}

// Load loads configuration from the USPBROKER_CONFIG environment
// variable.
//
// This is the only way to load configuration without an explicit path.
// There is no fallback default path.
func Load() (*Config, error) {
	path := os.Getenv("USPBROKER_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("USPBROKER_CONFIG environment variable not set; " +
			"set it to the path of your uspbroker.yaml config file, or use --config")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth; environment variables
// besides USPBROKER_CONFIG do not override config values.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if overrides.Core != nil {
		if overrides.Core.MaxServices != 0 {
			c.Core.MaxServices = overrides.Core.MaxServices
		}
		if overrides.Core.ResponseTimeout != 0 {
			c.Core.ResponseTimeout = overrides.Core.ResponseTimeout
		}
		if overrides.Core.PassthroughMaxDepth != 0 {
			c.Core.PassthroughMaxDepth = overrides.Core.PassthroughMaxDepth
		}
	}
	if overrides.Transports != nil {
		if overrides.Transports.UnixSocket.Path != "" {
			c.Transports.UnixSocket = overrides.Transports.UnixSocket
		}
		if overrides.Transports.WebSocket.Address != "" {
			c.Transports.WebSocket = overrides.Transports.WebSocket
		}
		if len(overrides.Transports.MQTT.BrokerURLs) != 0 {
			c.Transports.MQTT = overrides.Transports.MQTT
		}
		if overrides.Transports.STOMP.Address != "" {
			c.Transports.STOMP = overrides.Transports.STOMP
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Core.MaxServices <= 0 {
		errs = append(errs, fmt.Errorf("core.max_services must be positive"))
	}
	if c.Core.ResponseTimeout <= 0 {
		errs = append(errs, fmt.Errorf("core.response_timeout must be positive"))
	}
	if c.Transports.STOMP.Codec != "" && c.Transports.STOMP.Codec != "zstd" && c.Transports.STOMP.Codec != "lz4" {
		errs = append(errs, fmt.Errorf("transports.stomp.codec must be \"zstd\" or \"lz4\", got %q", c.Transports.STOMP.Codec))
	}
	noTransportConfigured := c.Transports.UnixSocket.Path == "" &&
		c.Transports.WebSocket.Address == "" &&
		len(c.Transports.MQTT.BrokerURLs) == 0 &&
		c.Transports.STOMP.Address == ""
	if noTransportConfigured {
		errs = append(errs, fmt.Errorf("at least one transport must be configured"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
