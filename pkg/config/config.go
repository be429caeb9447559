package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	DigitiserConfig string              `yaml:"digitiser_config"`
	RecordingConfig string              `yaml:"recording_config"`
	ConnectOnStart  bool                `yaml:"connect_on_start"`
	StartOnConnect  bool                `yaml:"start_on_connect"`
	Worker          Worker              `yaml:"worker"`
	Destinations    []OutputDestination `yaml:"output_destinations"`
	VizServer       struct {
		Enabled        bool          `yaml:"enabled"`
		Port           int           `yaml:"port"`
		UpdateInterval time.Duration `yaml:"update_interval"`
	} `yaml:"viz_server"`
	InfluxDB struct {
		Host         string `yaml:"host"`
		Organization string `yaml:"organization"`
		Bucket       string `yaml:"bucket"`
	} `yaml:"influxdb"`
	Log struct {
		Dir   string `yaml:"dir"`
		Level string `yaml:"level"`
	} `yaml:"log"`
}

type Worker struct {
	CommandBuffer  int           `yaml:"command_buffer"`
	DisplayBuffer  int           `yaml:"display_buffer"`
	IdleDelay      time.Duration `yaml:"idle_delay"`
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout"`
	JoinTimeout    time.Duration `yaml:"join_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	// StopPolicy is "destroy" or "pause".
	StopPolicy string `yaml:"stop_policy"`
}

type OutputDestination struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Default returns the configuration used for anything a file leaves out.
func Default() Config {
	var c Config
	c.ConnectOnStart = true
	c.Worker = Worker{
		CommandBuffer:  10,
		DisplayBuffer:  1024,
		IdleDelay:      10 * time.Millisecond,
		EnqueueTimeout: 100 * time.Millisecond,
		JoinTimeout:    5 * time.Second,
		ReadTimeout:    100 * time.Millisecond,
		StopPolicy:     "destroy",
	}
	c.VizServer.Enabled = true
	c.VizServer.Port = 8080
	c.VizServer.UpdateInterval = 250 * time.Millisecond
	c.Log.Level = "debug"
	return c
}

// Load reads a YAML config file on top of the defaults. An empty path returns
// the defaults.
func Load(path string) (Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("error reading config file: %w", err)
	}
	if err := yaml.Unmarshal(contents, &c); err != nil {
		return c, fmt.Errorf("error unmarshaling yaml file %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.Worker.CommandBuffer <= 0 {
		return fmt.Errorf("worker.command_buffer must be positive, got %d", c.Worker.CommandBuffer)
	}
	if c.Worker.DisplayBuffer <= 0 {
		return fmt.Errorf("worker.display_buffer must be positive, got %d", c.Worker.DisplayBuffer)
	}
	if c.Worker.JoinTimeout <= 0 {
		return fmt.Errorf("worker.join_timeout must be positive, got %s", c.Worker.JoinTimeout)
	}
	if c.Worker.StopPolicy != "destroy" && c.Worker.StopPolicy != "pause" {
		return fmt.Errorf("worker.stop_policy must be destroy or pause, got %q", c.Worker.StopPolicy)
	}
	if c.VizServer.Enabled && (c.VizServer.Port <= 0 || c.VizServer.Port > 65535) {
		return fmt.Errorf("viz_server.port %d out of range", c.VizServer.Port)
	}
	for _, dest := range c.Destinations {
		if dest.Host == "" || dest.Port <= 0 {
			return fmt.Errorf("invalid output destination %s:%d", dest.Host, dest.Port)
		}
	}
	return nil
}
