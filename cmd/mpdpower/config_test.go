package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
mpd:
  host: music.local
  port: 6601
speakers:
  living-room:
    switch: switch.living_room_speakers
  kitchen:
    address: [12345, 2]
    auto: false
doorbell:
  doorbell:
    command: aplay /usr/share/sounds/ding.wav
commands:
  stop: /usr/local/bin/amp-standby
  auto_resume: /usr/local/bin/is-anyone-home
consume_auto_off: true
volume:
  level: 90
homeassistant:
  url: http://hass.local:8123
  token: secret
`

func TestParseConfig(t *testing.T) {
	cfg, err := parseConfig([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "music.local", cfg.MPD.Host)
	assert.Equal(t, 6601, cfg.MPD.Port)
	assert.Equal(t, []string{"player", "output", "mixer"}, cfg.MPD.Idle, "default idle subsystems")

	require.Len(t, cfg.Speakers, 2)
	assert.Equal(t, "switch.living_room_speakers", cfg.Speakers["living-room"].Target())
	assert.True(t, cfg.Speakers["living-room"].AutoResume())
	assert.Equal(t, "12345:2", cfg.Speakers["kitchen"].Target())
	assert.False(t, cfg.Speakers["kitchen"].AutoResume())

	assert.Equal(t, "aplay /usr/share/sounds/ding.wav", cfg.Doorbells["doorbell"].Command)
	assert.Equal(t, "/usr/local/bin/amp-standby", cfg.Commands.Stop)
	assert.Equal(t, "/usr/local/bin/is-anyone-home", cfg.Commands.AutoResume)
	assert.True(t, cfg.ConsumeAutoOff)

	// Partially specified sections keep their defaults.
	assert.True(t, cfg.Volume.Normalize)
	assert.Equal(t, 90, cfg.Volume.Level)
	assert.Equal(t, "switch", cfg.HomeAssistant.Domain)
	assert.Equal(t, PowerBackendHomeAssistant, cfg.Power.Backend)

	require.NoError(t, cfg.Validate())
}

func TestParseConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "unknown top-level field", yaml: "speaker:\n  a: {}\n"},
		{name: "unknown speaker field", yaml: "speakers:\n  a:\n    swtich: x\n"},
		{name: "trailing document", yaml: "mpd:\n  host: a\n---\nmpd:\n  host: b\n"},
		{name: "second document with other keys", yaml: "mpd:\n  host: a\n---\nspeakers:\n  kitchen:\n    switch: switch.kitchen\n"},
		{name: "wrong type", yaml: "mpd:\n  port: sixsixhundred\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseConfig([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, "music.local", cfg.MPD.Host)

	_, err = LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfigFile("")
	assert.Error(t, err)
}

func TestConfig_ApplyEnv(t *testing.T) {
	tests := []struct {
		name     string
		env      map[string]string
		wantHost string
		wantPort int
		wantPass string
		wantErr  bool
	}{
		{name: "nothing set", env: nil, wantHost: "localhost", wantPort: 6600},
		{name: "host only", env: map[string]string{"MPD_HOST": "music.local"}, wantHost: "music.local", wantPort: 6600},
		{name: "password and host", env: map[string]string{"MPD_HOST": "hunter2@music.local"}, wantHost: "music.local", wantPort: 6600, wantPass: "hunter2"},
		{name: "password containing at sign", env: map[string]string{"MPD_HOST": "a@b@music.local"}, wantHost: "music.local", wantPort: 6600, wantPass: "a@b"},
		{name: "socket path", env: map[string]string{"MPD_HOST": "/run/mpd/socket"}, wantHost: "/run/mpd/socket", wantPort: 6600},
		{name: "port", env: map[string]string{"MPD_PORT": "6601"}, wantHost: "localhost", wantPort: 6601},
		{name: "bad port", env: map[string]string{"MPD_PORT": "http"}, wantErr: true},
		{name: "empty host part", env: map[string]string{"MPD_HOST": "secret@"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			err := cfg.ApplyEnv(func(k string) string { return tt.env[k] })
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, cfg.MPD.Host)
			assert.Equal(t, tt.wantPort, cfg.MPD.Port)
			assert.Equal(t, tt.wantPass, cfg.MPD.Password)
		})
	}
}

func newTestFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("mpdpower", pflag.ContinueOnError)
	fs.String("log-level", "", "")
	fs.String("power-backend", "", "")
	fs.Bool("no-syslog", false, "")
	fs.Bool("no-notify", false, "")
	return fs
}

func TestOverridesFromFlags(t *testing.T) {
	fs := newTestFlagSet()
	require.NoError(t, fs.Parse([]string{"--log-level", "warn", "--no-syslog"}))

	o, err := OverridesFromFlags(fs)
	require.NoError(t, err)
	require.NotNil(t, o.LogLevel)
	assert.Nil(t, o.PowerBackend)
	assert.Nil(t, o.NoNotify)

	cfg := DefaultConfig()
	o.Apply(&cfg)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.False(t, cfg.Logging.Syslog)
	assert.True(t, cfg.Systemd.Notify, "unset flag leaves the config alone")
	assert.Equal(t, PowerBackendHomeAssistant, cfg.Power.Backend)
}

func TestOverridesFromFlags_NoneSet(t *testing.T) {
	o, err := OverridesFromFlags(newTestFlagSet())
	require.NoError(t, err)

	cfg := DefaultConfig()
	want := DefaultConfig()
	o.Apply(&cfg)
	assert.Equal(t, want, cfg)
}

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.HomeAssistant.URL = "http://hass.local:8123"
	cfg.HomeAssistant.Token = "secret"
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults with credentials", mutate: func(*Config) {}},
		{name: "empty host", mutate: func(c *Config) { c.MPD.Host = "" }, wantErr: "mpd.host"},
		{name: "port out of range", mutate: func(c *Config) { c.MPD.Port = 70000 }, wantErr: "mpd.port"},
		{name: "no idle subsystems", mutate: func(c *Config) { c.MPD.Idle = nil }, wantErr: "mpd.idle"},
		{name: "bad address length", mutate: func(c *Config) {
			c.Speakers["a"] = SpeakerPolicy{Address: []int{1}}
		}, wantErr: "speakers.a.address"},
		{name: "volume too high", mutate: func(c *Config) { c.Volume.Level = 101 }, wantErr: "volume.level"},
		{name: "command timeout", mutate: func(c *Config) { c.Commands.TimeoutMS = 0 }, wantErr: "commands.timeout_ms"},
		{name: "power timeout", mutate: func(c *Config) { c.Power.TimeoutMS = -1 }, wantErr: "power.timeout_ms"},
		{name: "missing url", mutate: func(c *Config) { c.HomeAssistant.URL = "" }, wantErr: "homeassistant.url"},
		{name: "missing token", mutate: func(c *Config) { c.HomeAssistant.Token = "" }, wantErr: "token"},
		{name: "token file is enough", mutate: func(c *Config) {
			c.HomeAssistant.Token = ""
			c.HomeAssistant.TokenFile = "/run/secrets/hass"
		}},
		{name: "unknown backend", mutate: func(c *Config) { c.Power.Backend = "x10" }, wantErr: "power.backend"},
		{name: "none needs nothing", mutate: func(c *Config) {
			c.Power.Backend = PowerBackendNone
			c.HomeAssistant = HomeAssistantConfig{}
		}},
		{name: "rf433 without transmitter", mutate: func(c *Config) { c.Power.Backend = PowerBackendRF433 }, wantErr: "rf433.transmitter"},
		{name: "rf433 with entity id target", mutate: func(c *Config) {
			c.Power.Backend = PowerBackendRF433
			c.RF433.Transmitter = "0"
			c.Speakers["a"] = SpeakerPolicy{Switch: "switch.a"}
		}, wantErr: "speakers.a"},
		{name: "rf433 ok", mutate: func(c *Config) {
			c.Power.Backend = PowerBackendRF433
			c.RF433.Transmitter = "0"
			c.Speakers["a"] = SpeakerPolicy{Address: []int{12345, 1}}
			c.Speakers["b"] = SpeakerPolicy{}
		}},
		{name: "bad log level", mutate: func(c *Config) { c.Logging.Level = "verbose" }, wantErr: "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_HomeAssistantToken(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HomeAssistant.Token = "inline"
	tok, err := cfg.HomeAssistantToken()
	require.NoError(t, err)
	assert.Equal(t, "inline", tok)

	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("from-file\n"), 0o600))
	cfg.HomeAssistant.Token = ""
	cfg.HomeAssistant.TokenFile = path
	tok, err = cfg.HomeAssistantToken()
	require.NoError(t, err)
	assert.Equal(t, "from-file", tok)

	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0o600))
	_, err = cfg.HomeAssistantToken()
	assert.Error(t, err)
}

func TestConfig_ToReconcilerConfig(t *testing.T) {
	cfg, err := parseConfig([]byte(sampleConfig))
	require.NoError(t, err)

	rc := cfg.ToReconcilerConfig()
	assert.Equal(t, "/usr/local/bin/amp-standby", rc.StopCommand)
	assert.Equal(t, "/usr/local/bin/is-anyone-home", rc.AutoResumeCommand)
	assert.True(t, rc.ConsumeAutoOff)
	assert.True(t, rc.NormalizeVolume)
	assert.Equal(t, 90, rc.VolumeLevel)
	assert.Equal(t, 5*time.Second, rc.PowerTimeout)
	assert.Len(t, rc.Speakers, 2)
	assert.Len(t, rc.Doorbells, 1)
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, "", ExpandPath(""))
	assert.Equal(t, "/etc/mpdpower.yaml", ExpandPath("/etc/mpdpower.yaml"))
	assert.Equal(t, home, ExpandPath("~"))
	assert.Equal(t, filepath.Join(home, ".config/mpdpower.yaml"), ExpandPath("~/.config/mpdpower.yaml"))
	assert.Equal(t, "~other/x", ExpandPath("~other/x"))
}
