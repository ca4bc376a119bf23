package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/skyloom/patternpilot/internal/offboard"
	"github.com/skyloom/patternpilot/internal/vehicle/mavlink"
)

// DefaultConfigPath is the path to the canonical runtime defaults file.
const DefaultConfigPath = "config/flight.defaults.json"

// Vehicle link kinds.
const (
	LinkSim    = "sim"
	LinkUDP    = "udp"
	LinkSerial = "serial"
)

// FlightConfig is the daemon's runtime configuration. Every field is
// optional; the Get* methods supply defaults for anything omitted.
type FlightConfig struct {
	Listen     *string `json:"listen,omitempty"`
	GRPCListen *string `json:"grpc_listen,omitempty"`

	// Vehicle link
	Link            *string              `json:"link,omitempty"`
	UDPAddress      *string              `json:"udp_address,omitempty"`
	SerialPort      *string              `json:"serial_port,omitempty"`
	Serial          *mavlink.PortOptions `json:"serial,omitempty"`
	SystemID        *int                 `json:"system_id,omitempty"`
	TakeoffAltitude *float64             `json:"takeoff_altitude,omitempty"`

	// Setpoint streaming and priming
	SetpointRateHz     *float64 `json:"setpoint_rate_hz,omitempty"`
	KeepAlive          *string  `json:"keep_alive,omitempty"` // duration string like "500ms"
	PrimeSeedDelay     *string  `json:"prime_seed_delay,omitempty"`
	PrimeSettle        *string  `json:"prime_settle,omitempty"`
	PrimeAlignCount    *int     `json:"prime_align_count,omitempty"`
	PrimeAlignInterval *string  `json:"prime_align_interval,omitempty"`
	PrimePostAlign     *string  `json:"prime_post_align,omitempty"`
	CommandTimeout     *string  `json:"command_timeout,omitempty"`

	// Storage and logging
	DBPath              *string `json:"db_path,omitempty"`
	LogFile             *string `json:"log_file,omitempty"`
	LogCapacity         *int    `json:"log_capacity,omitempty"`
	TrajectoryCacheSize *int    `json:"trajectory_cache_size,omitempty"`
}

// EmptyFlightConfig returns a FlightConfig with all fields set to nil.
func EmptyFlightConfig() *FlightConfig {
	return &FlightConfig{}
}

// LoadFlightConfig loads a FlightConfig from a JSON file. The file must have
// a .json extension and be at most 1 MB. Omitted fields keep their defaults.
func LoadFlightConfig(path string) (*FlightConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyFlightConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath,
// searching the current directory and its parents. Panics if the file cannot
// be loaded, intended for test setup.
func MustLoadDefaultConfig() *FlightConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from cmd/patternd/ or deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadFlightConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are usable.
func (c *FlightConfig) Validate() error {
	if c.Link != nil {
		switch *c.Link {
		case LinkSim, LinkUDP, LinkSerial:
		default:
			return fmt.Errorf("link must be one of %q, %q or %q, got %q", LinkSim, LinkUDP, LinkSerial, *c.Link)
		}
		if *c.Link == LinkSerial && c.GetSerialPort() == "" {
			return fmt.Errorf("serial link requires serial_port")
		}
	}

	if c.Serial != nil {
		if _, err := c.Serial.Normalise(); err != nil {
			return fmt.Errorf("serial: %w", err)
		}
	}

	if c.SystemID != nil && (*c.SystemID < 1 || *c.SystemID > 255) {
		return fmt.Errorf("system_id must be between 1 and 255, got %d", *c.SystemID)
	}

	if c.TakeoffAltitude != nil && *c.TakeoffAltitude <= 0 {
		return fmt.Errorf("takeoff_altitude must be positive, got %f", *c.TakeoffAltitude)
	}

	if c.SetpointRateHz != nil && (*c.SetpointRateHz < 2 || *c.SetpointRateHz > 50) {
		return fmt.Errorf("setpoint_rate_hz must be between 2 and 50, got %f", *c.SetpointRateHz)
	}

	durations := map[string]*string{
		"keep_alive":           c.KeepAlive,
		"prime_seed_delay":     c.PrimeSeedDelay,
		"prime_settle":         c.PrimeSettle,
		"prime_align_interval": c.PrimeAlignInterval,
		"prime_post_align":     c.PrimePostAlign,
		"command_timeout":      c.CommandTimeout,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", name, *v)
		}
	}

	if c.PrimeAlignCount != nil && *c.PrimeAlignCount < 0 {
		return fmt.Errorf("prime_align_count must be non-negative, got %d", *c.PrimeAlignCount)
	}
	if c.LogCapacity != nil && *c.LogCapacity <= 0 {
		return fmt.Errorf("log_capacity must be positive, got %d", *c.LogCapacity)
	}
	if c.TrajectoryCacheSize != nil && *c.TrajectoryCacheSize < 0 {
		return fmt.Errorf("trajectory_cache_size must be non-negative, got %d", *c.TrajectoryCacheSize)
	}

	if err := c.OffboardConfig().Validate(); err != nil {
		return err
	}
	return nil
}

func getString(p *string, def string) string {
	if p == nil || *p == "" {
		return def
	}
	return *p
}

func getDuration(p *string, def time.Duration) time.Duration {
	if p == nil || *p == "" {
		return def
	}
	d, err := time.ParseDuration(*p)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// GetListen returns the HTTP listen address.
func (c *FlightConfig) GetListen() string { return getString(c.Listen, ":8081") }

// GetGRPCListen returns the gRPC telemetry listen address.
func (c *FlightConfig) GetGRPCListen() string { return getString(c.GRPCListen, ":50052") }

// GetLink returns the vehicle link kind.
func (c *FlightConfig) GetLink() string { return getString(c.Link, LinkSim) }

// GetUDPAddress returns the MAVLink UDP listen address.
func (c *FlightConfig) GetUDPAddress() string { return getString(c.UDPAddress, "0.0.0.0:14540") }

// GetSerialPort returns the serial device path, empty if unset.
func (c *FlightConfig) GetSerialPort() string { return getString(c.SerialPort, "") }

// GetSerial returns the normalised serial port options.
func (c *FlightConfig) GetSerial() mavlink.PortOptions {
	var opts mavlink.PortOptions
	if c.Serial != nil {
		opts = *c.Serial
	}
	n, err := opts.Normalise()
	if err != nil {
		n, _ = mavlink.PortOptions{}.Normalise()
	}
	return n
}

// GetSystemID returns the MAVLink system id the daemon sends as.
func (c *FlightConfig) GetSystemID() int {
	if c.SystemID == nil {
		return 255
	}
	return *c.SystemID
}

// GetTakeoffAltitude returns the takeoff height in metres.
func (c *FlightConfig) GetTakeoffAltitude() float64 {
	if c.TakeoffAltitude == nil {
		return 2.5
	}
	return *c.TakeoffAltitude
}

// GetSetpointRateHz returns the setpoint streaming rate.
func (c *FlightConfig) GetSetpointRateHz() float64 {
	if c.SetpointRateHz == nil {
		return 10
	}
	return *c.SetpointRateHz
}

// GetCommandTimeout returns the bound on a single vehicle command.
func (c *FlightConfig) GetCommandTimeout() time.Duration {
	return getDuration(c.CommandTimeout, 30*time.Second)
}

// GetDBPath returns the sqlite mission history path.
func (c *FlightConfig) GetDBPath() string { return getString(c.DBPath, "patternpilot.db") }

// GetLogFile returns the rotating log file path, empty for stderr only.
func (c *FlightConfig) GetLogFile() string { return getString(c.LogFile, "") }

// GetLogCapacity returns the number of flight log entries retained.
func (c *FlightConfig) GetLogCapacity() int {
	if c.LogCapacity == nil {
		return 50
	}
	return *c.LogCapacity
}

// GetTrajectoryCacheSize returns how many generated patterns are memoised.
func (c *FlightConfig) GetTrajectoryCacheSize() int {
	if c.TrajectoryCacheSize == nil {
		return 64
	}
	return *c.TrajectoryCacheSize
}

// OffboardConfig returns the priming and streaming timings.
func (c *FlightConfig) OffboardConfig() offboard.Config {
	def := offboard.DefaultConfig()
	cfg := def
	cfg.Period = time.Duration(float64(time.Second) / c.GetSetpointRateHz())
	cfg.KeepAlive = getDuration(c.KeepAlive, def.KeepAlive)
	cfg.SeedDelay = getDuration(c.PrimeSeedDelay, def.SeedDelay)
	cfg.Settle = getDuration(c.PrimeSettle, def.Settle)
	cfg.AlignInterval = getDuration(c.PrimeAlignInterval, def.AlignInterval)
	cfg.PostAlign = getDuration(c.PrimePostAlign, def.PostAlign)
	if c.PrimeAlignCount != nil {
		cfg.AlignCount = *c.PrimeAlignCount
	}
	return cfg
}
