package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for mpdpower.
//
// It is loaded once at startup and never reloaded. Defaults and validation live
// here so the rest of the code can assume a well-formed config.
type Config struct {
	// MPD connection. MPD_HOST / MPD_PORT take precedence when set.
	MPD MPDConfig `yaml:"mpd"`

	// Speakers maps an MPD output name to its power policy.
	Speakers map[string]SpeakerPolicy `yaml:"speakers"`

	// Doorbells maps an MPD output name to its interrupt policy.
	Doorbells map[string]DoorbellPolicy `yaml:"doorbell"`

	// Shell hooks
	Commands CommandsConfig `yaml:"commands"`

	// ConsumeAutoOff disables all speakers once a consume-mode queue runs dry.
	ConsumeAutoOff bool `yaml:"consume_auto_off"`

	Volume VolumeConfig `yaml:"volume"`

	// Startup controls which cleanup rules also run on the very first pass.
	Startup StartupConfig `yaml:"startup"`

	// Power switch backend selection and credentials
	Power         PowerConfig         `yaml:"power"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	RF433         RF433Config         `yaml:"rf433"`

	Logging LoggingConfig `yaml:"logging"`
	Systemd SystemdConfig `yaml:"systemd"`
}

type MPDConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password,omitempty"`

	// Subsystems passed to "idle". The HomeEasy setup only watched "output".
	Idle []string `yaml:"idle"`
}

// SpeakerPolicy is the per-speaker configuration.
type SpeakerPolicy struct {
	// Switch is the backend target (Home Assistant entity id, or ADDRESS:DEVICE for rf433).
	Switch string `yaml:"switch,omitempty"`

	// Address is the rf433 [address, device] pair, an alternative to Switch.
	Address []int `yaml:"address,omitempty"`

	// Auto resumes paused playback when this speaker is the first one enabled.
	// Defaults to true.
	Auto *bool `yaml:"auto,omitempty"`
}

// Target returns the power switch target, or "" when none is configured.
func (p SpeakerPolicy) Target() string {
	if p.Switch != "" {
		return p.Switch
	}
	if len(p.Address) == 2 {
		return fmt.Sprintf("%d:%d", p.Address[0], p.Address[1])
	}
	return ""
}

// AutoResume reports whether enabling this speaker may resume playback.
func (p SpeakerPolicy) AutoResume() bool {
	return p.Auto == nil || *p.Auto
}

// DoorbellPolicy is the per-doorbell configuration.
type DoorbellPolicy struct {
	Command string `yaml:"command,omitempty"`
}

type CommandsConfig struct {
	// Stop runs detached after playback is paused because no speaker is left.
	Stop string `yaml:"stop,omitempty"`

	// AutoResume must exit 0 before playback is resumed automatically.
	AutoResume string `yaml:"auto_resume,omitempty"`

	TimeoutMS int `yaml:"timeout_ms"`
}

type VolumeConfig struct {
	Normalize bool `yaml:"normalize"`
	Level     int  `yaml:"level"`
}

type StartupConfig struct {
	ConsumeAutoOff  bool `yaml:"consume_auto_off"`
	NormalizeVolume bool `yaml:"normalize_volume"`
}

// Power backends
const (
	PowerBackendHomeAssistant   = "homeassistant"
	PowerBackendHomeAssistantWS = "homeassistant-ws"
	PowerBackendRF433           = "rf433"
	PowerBackendNone            = "none"
)

type PowerConfig struct {
	Backend   string `yaml:"backend"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type HomeAssistantConfig struct {
	URL       string `yaml:"url"`
	Token     string `yaml:"token,omitempty"`
	TokenFile string `yaml:"token_file,omitempty"`
	Domain    string `yaml:"domain"`
}

type RF433Config struct {
	Encoder     string `yaml:"encoder"`
	Transmitter string `yaml:"transmitter"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Syslog    bool   `yaml:"syslog"`
	SyslogTag string `yaml:"syslog_tag"`
}

type SystemdConfig struct {
	Notify bool `yaml:"notify"`
}

// DefaultConfig returns a fully-populated Config with defaults.
func DefaultConfig() Config {
	return Config{
		MPD: MPDConfig{
			Host: "localhost",
			Port: defaultMPDPort,
			Idle: []string{"player", "output", "mixer"},
		},
		Speakers:  map[string]SpeakerPolicy{},
		Doorbells: map[string]DoorbellPolicy{},
		Commands: CommandsConfig{
			TimeoutMS: defaultCommandTimeoutMS,
		},
		Volume: VolumeConfig{
			Normalize: true,
			Level:     defaultVolumeLevel,
		},
		Startup: StartupConfig{
			ConsumeAutoOff:  true,
			NormalizeVolume: true,
		},
		Power: PowerConfig{
			Backend:   PowerBackendHomeAssistant,
			TimeoutMS: defaultPowerTimeoutMS,
		},
		HomeAssistant: HomeAssistantConfig{
			Domain: "switch",
		},
		RF433: RF433Config{
			Encoder: "HomeEasyV3.py",
		},
		Logging: LoggingConfig{
			Level:     "debug",
			Syslog:    true,
			SyslogTag: "mpdpower",
		},
		Systemd: SystemdConfig{
			Notify: true,
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of DefaultConfig.
//
// Unknown fields are rejected to catch typos.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return parseConfig(b)
}

func parseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace/comments are allowed after the document.
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// ApplyEnv applies MPD_HOST and MPD_PORT the way mpc does:
// MPD_HOST is "host", "password@host" or an absolute socket path.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if host := getenv("MPD_HOST"); host != "" {
		hostname := host
		// The password may itself contain '@'; the host part cannot.
		if i := strings.LastIndex(host, "@"); i >= 0 {
			c.MPD.Password = host[:i]
			hostname = host[i+1:]
		}
		if hostname == "" {
			return fmt.Errorf("MPD_HOST %q has no host part", host)
		}
		c.MPD.Host = hostname
	}
	if port := getenv("MPD_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("MPD_PORT %q: %w", port, err)
		}
		c.MPD.Port = p
	}
	return nil
}

// FlagOverrides holds command-line overrides. A nil pointer means "not set".
type FlagOverrides struct {
	LogLevel     *string
	PowerBackend *string
	NoSyslog     *bool
	NoNotify     *bool
}

// OverridesFromFlags collects only the flags the user actually set.
func OverridesFromFlags(fs *pflag.FlagSet) (FlagOverrides, error) {
	var o FlagOverrides
	if fs.Changed("log-level") {
		v, err := fs.GetString("log-level")
		if err != nil {
			return o, err
		}
		o.LogLevel = &v
	}
	if fs.Changed("power-backend") {
		v, err := fs.GetString("power-backend")
		if err != nil {
			return o, err
		}
		o.PowerBackend = &v
	}
	if fs.Changed("no-syslog") {
		v, err := fs.GetBool("no-syslog")
		if err != nil {
			return o, err
		}
		o.NoSyslog = &v
	}
	if fs.Changed("no-notify") {
		v, err := fs.GetBool("no-notify")
		if err != nil {
			return o, err
		}
		o.NoNotify = &v
	}
	return o, nil
}

// Apply merges the overrides into cfg. Nil pointers are ignored.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
	if o.PowerBackend != nil {
		cfg.Power.Backend = *o.PowerBackend
	}
	if o.NoSyslog != nil {
		cfg.Logging.Syslog = !*o.NoSyslog
	}
	if o.NoNotify != nil {
		cfg.Systemd.Notify = !*o.NoNotify
	}
}

// Validate checks config invariants and returns a user-friendly error.
// Call it after defaults + file + env + overrides are applied.
func (c *Config) Validate() error {
	// MPD
	if c.MPD.Host == "" {
		return errors.New("mpd.host must not be empty (or set MPD_HOST)")
	}
	if c.MPD.Port <= 0 || c.MPD.Port > 65535 {
		return errors.New("mpd.port must be between 1 and 65535")
	}
	if len(c.MPD.Idle) == 0 {
		return errors.New("mpd.idle must list at least one subsystem")
	}

	// Speakers
	for name, p := range c.Speakers {
		if len(p.Address) != 0 && len(p.Address) != 2 {
			return fmt.Errorf("speakers.%s.address must be [address, device]", name)
		}
	}

	// Commands
	if c.Commands.TimeoutMS <= 0 {
		return errors.New("commands.timeout_ms must be > 0")
	}

	// Volume
	if c.Volume.Level < 0 || c.Volume.Level > 100 {
		return errors.New("volume.level must be between 0 and 100")
	}

	// Power
	if c.Power.TimeoutMS <= 0 {
		return errors.New("power.timeout_ms must be > 0")
	}
	switch c.Power.Backend {
	case PowerBackendHomeAssistant, PowerBackendHomeAssistantWS:
		if c.HomeAssistant.URL == "" {
			return fmt.Errorf("power.backend is %q but homeassistant.url is empty", c.Power.Backend)
		}
		if c.HomeAssistant.Token == "" && c.HomeAssistant.TokenFile == "" {
			return fmt.Errorf("power.backend is %q but neither homeassistant.token nor homeassistant.token_file is set", c.Power.Backend)
		}
		if c.HomeAssistant.Domain == "" {
			return errors.New("homeassistant.domain must not be empty")
		}
	case PowerBackendRF433:
		if c.RF433.Encoder == "" {
			return errors.New("power.backend is \"rf433\" but rf433.encoder is empty")
		}
		if c.RF433.Transmitter == "" {
			return errors.New("power.backend is \"rf433\" but rf433.transmitter is empty")
		}
		for name, p := range c.Speakers {
			if t := p.Target(); t != "" {
				if _, _, err := parseRF433Target(t); err != nil {
					return fmt.Errorf("speakers.%s: %w", name, err)
				}
			}
		}
	case PowerBackendNone:
	default:
		return fmt.Errorf("power.backend must be one of %q, %q, %q, %q",
			PowerBackendHomeAssistant, PowerBackendHomeAssistantWS, PowerBackendRF433, PowerBackendNone)
	}

	// Logging
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// HomeAssistantToken returns the inline token, or reads it from token_file.
func (c *Config) HomeAssistantToken() (string, error) {
	if c.HomeAssistant.Token != "" {
		return c.HomeAssistant.Token, nil
	}
	b, err := os.ReadFile(ExpandPath(c.HomeAssistant.TokenFile))
	if err != nil {
		return "", fmt.Errorf("read homeassistant token file: %w", err)
	}
	token := strings.TrimSpace(string(b))
	if token == "" {
		return "", errors.New("homeassistant token file is empty")
	}
	return token, nil
}

// ToReconcilerConfig extracts what the reconciliation engine needs.
func (c *Config) ToReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Speakers:          c.Speakers,
		Doorbells:         c.Doorbells,
		StopCommand:       c.Commands.Stop,
		AutoResumeCommand: c.Commands.AutoResume,
		ConsumeAutoOff:    c.ConsumeAutoOff,
		NormalizeVolume:   c.Volume.Normalize,
		VolumeLevel:       c.Volume.Level,
		Startup:           c.Startup,
		PowerTimeout:      time.Duration(c.Power.TimeoutMS) * time.Millisecond,
	}
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
