package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/norasector/carp/pkg/digitiser"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeFile(t, "carp.yaml", `
digitiser_config: config/dig.ini
recording_config: config/rec.ini
start_on_connect: true
worker:
  display_buffer: 256
  idle_delay: 5ms
  stop_policy: pause
viz_server:
  enabled: true
  port: 9090
output_destinations:
  - host: localhost
    port: 7355
`)
	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "config/dig.ini", c.DigitiserConfig)
	assert.True(t, c.ConnectOnStart, "default kept")
	assert.True(t, c.StartOnConnect)
	assert.Equal(t, 256, c.Worker.DisplayBuffer)
	assert.Equal(t, 10, c.Worker.CommandBuffer, "default kept")
	assert.Equal(t, 5*time.Millisecond, c.Worker.IdleDelay)
	assert.Equal(t, "pause", c.Worker.StopPolicy)
	assert.Equal(t, 9090, c.VizServer.Port)
	assert.Equal(t, []OutputDestination{{Host: "localhost", Port: 7355}}, c.Destinations)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name     string
		contents string
	}{
		{"bad yaml", "worker: [1, 2"},
		{"zero display buffer", "worker:\n  display_buffer: -1\n"},
		{"bad stop policy", "worker:\n  stop_policy: halt\n"},
		{"bad port", "viz_server:\n  enabled: true\n  port: 70000\n"},
		{"bad destination", "output_destinations:\n  - host: ''\n    port: 1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "c.yaml", tt.contents))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
	assert.NoError(t, c.Validate())
}

func TestLoadINIParams(t *testing.T) {
	path := writeFile(t, "dig.ini", `
[required]
dig_name   = 'debug'
dig_gen    = 1
con_type   = 'USB'

[optional]
link_num         = 0
vme_base_address = 0x32100000
dig_authority    = "caen.internal"
Calibrate        = True
gain             = 1.5
`)
	p, err := LoadParams(path)
	require.NoError(t, err)

	want := digitiser.Params{
		"dig_name":         "debug",
		"dig_gen":          1,
		"con_type":         "USB",
		"link_num":         0,
		"vme_base_address": 0x32100000,
		"dig_authority":    "caen.internal",
		"calibrate":        true,
		"gain":             1.5,
	}
	assert.Equal(t, want, p)

	_, err = digitiser.New(p)
	assert.NoError(t, err)
}

func TestLoadYAMLParams(t *testing.T) {
	path := writeFile(t, "rec.yaml", `
recording:
  record_length: 1024
  pre_trigger: 128
trigger_mode: SWTRIG
`)
	p, err := LoadParams(path)
	require.NoError(t, err)
	assert.Equal(t, digitiser.Params{
		"record_length": 1024,
		"pre_trigger":   128,
		"trigger_mode":  "SWTRIG",
	}, p)
}

func TestLoadParamsMissingFile(t *testing.T) {
	_, err := LoadParams(filepath.Join(t.TempDir(), "nope.ini"))
	assert.Error(t, err)
	_, err = LoadParams(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}

func TestParseLiteral(t *testing.T) {
	tests := []struct {
		in   string
		want interface{}
	}{
		{"'USB'", "USB"},
		{`"a b"`, "a b"},
		{"'it\\'s'", "it's"},
		{"42", 42},
		{"-3", -3},
		{"0x10", 16},
		{"2.5", 2.5},
		{"True", true},
		{"false", false},
		{"None", nil},
		{"SWTRIG", "SWTRIG"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := parseLiteral(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseLiteral(%q) = %#v, want %#v", tt.in, got, tt.want)
			}
		})
	}
}
