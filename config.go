package netreactor

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/agilira/go-errors"
	"github.com/pelletier/go-toml"
	"gopkg.in/yaml.v3"
)

const (
	ErrCodeConfigRead    = "NETREACTOR_CONFIG_READ"
	ErrCodeConfigFormat  = "NETREACTOR_CONFIG_FORMAT"
	ErrCodeConfigParse   = "NETREACTOR_CONFIG_PARSE"
	ErrCodeInvalidConfig = "NETREACTOR_INVALID_CONFIG"
)

const (
	LoopSelectionRoundRobin = "round_robin"
	LoopSelectionHash       = "hash"
)

const (
	defaultLogLevel         = "info"
	defaultStatsIntervalSec = 20
)

type Global struct {
	LogLevel string `yaml:"log_level" toml:"log_level"`
	// MetricsAddress enables the Prometheus endpoint when set.
	MetricsAddress string `yaml:"metrics_address" toml:"metrics_address"`
}

type ServerConfig struct {
	Name             string `yaml:"name" toml:"name"`
	Address          string `yaml:"address" toml:"address"`
	Threads          int    `yaml:"threads" toml:"threads"`
	ReusePort        bool   `yaml:"reuse_port" toml:"reuse_port"`
	KeepAlive        bool   `yaml:"keep_alive" toml:"keep_alive"`
	NoDelay          bool   `yaml:"no_delay" toml:"no_delay"`
	RecvBufferSize   int    `yaml:"recv_buffer_size" toml:"recv_buffer_size"`
	SendBufferSize   int    `yaml:"send_buffer_size" toml:"send_buffer_size"`
	Poller           string `yaml:"poller" toml:"poller"`
	EventBufferSize  int    `yaml:"event_buffer_size" toml:"event_buffer_size"`
	PollTimeoutMs    int    `yaml:"poll_timeout_ms" toml:"poll_timeout_ms"`
	HighWaterMark    int    `yaml:"high_water_mark" toml:"high_water_mark"`
	StatsIntervalSec int    `yaml:"stats_interval_sec" toml:"stats_interval_sec"`
	LoopSelection    string `yaml:"loop_selection" toml:"loop_selection"`
}

type Config struct {
	Global  Global         `yaml:"global" toml:"global"`
	Servers []ServerConfig `yaml:"servers" toml:"servers"`
}

// LoadConfig reads a .toml, .yaml or .yml file, fills defaults and
// validates it.
func LoadConfig(filePath string) (*Config, error) {
	file, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrap(err, ErrCodeConfigRead, "can't read config "+filePath)
	}
	config := &Config{}
	switch {
	case strings.HasSuffix(filePath, ".toml"):
		err = toml.Unmarshal(file, config)
	case strings.HasSuffix(filePath, ".yaml"), strings.HasSuffix(filePath, ".yml"):
		err = yaml.Unmarshal(file, config)
	default:
		return nil, errors.New(ErrCodeConfigFormat, "unknown config format: "+filePath)
	}
	if err != nil {
		return nil, errors.Wrap(err, ErrCodeConfigParse, "can't parse config "+filePath)
	}
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

func validateConfig(config *Config) error {
	if config.Global.LogLevel == "" {
		config.Global.LogLevel = defaultLogLevel
	}
	if len(config.Servers) == 0 {
		return errors.New(ErrCodeInvalidConfig, "no servers configured")
	}
	names := make(map[string]struct{}, len(config.Servers))
	for i := range config.Servers {
		server := &config.Servers[i]
		if err := server.validate(); err != nil {
			return err
		}
		if _, ok := names[server.Name]; ok {
			return errors.New(ErrCodeInvalidConfig, "duplicate server name: "+server.Name)
		}
		names[server.Name] = struct{}{}
	}
	return nil
}

func (c *ServerConfig) validate() error {
	if c.Name == "" {
		return errors.New(ErrCodeInvalidConfig, "server name is empty")
	}
	if _, err := netip.ParseAddrPort(c.Address); err != nil {
		return errors.Wrap(err, ErrCodeInvalidConfig, fmt.Sprintf("server %s: bad address %q", c.Name, c.Address))
	}
	if c.Threads < 0 {
		return errors.New(ErrCodeInvalidConfig, fmt.Sprintf("server %s: negative threads %d", c.Name, c.Threads))
	}
	switch c.Poller {
	case "":
	case PollerEpoll, PollerPoll:
	default:
		return errors.New(ErrCodeInvalidConfig, fmt.Sprintf("server %s: unknown poller %q", c.Name, c.Poller))
	}
	switch c.LoopSelection {
	case "":
		c.LoopSelection = LoopSelectionRoundRobin
	case LoopSelectionRoundRobin, LoopSelectionHash:
	default:
		return errors.New(ErrCodeInvalidConfig, fmt.Sprintf("server %s: unknown loop selection %q", c.Name, c.LoopSelection))
	}
	if c.EventBufferSize < 0 || c.PollTimeoutMs < 0 || c.HighWaterMark < 0 || c.StatsIntervalSec < 0 ||
		c.RecvBufferSize < 0 || c.SendBufferSize < 0 {
		return errors.New(ErrCodeInvalidConfig, fmt.Sprintf("server %s: negative sizes or intervals", c.Name))
	}
	if c.EventBufferSize == 0 {
		c.EventBufferSize = defEventsBufferSize
	}
	if c.HighWaterMark == 0 {
		c.HighWaterMark = defaultHighWaterMark
	}
	if c.StatsIntervalSec == 0 {
		c.StatsIntervalSec = defaultStatsIntervalSec
	}
	return nil
}

// ListenAddr parses Address; it is valid once the config passed
// validation.
func (c ServerConfig) ListenAddr() netip.AddrPort {
	addr, _ := netip.ParseAddrPort(c.Address)
	return addr
}

// LoopConfig is the template for the loops of this server.
func (c ServerConfig) LoopConfig(name string) EventLoopConfig {
	return EventLoopConfig{
		Name:            name,
		EventBufferSize: c.EventBufferSize,
		PollTimeout:     time.Duration(c.PollTimeoutMs) * time.Millisecond,
		Poller:          c.Poller,
	}
}
