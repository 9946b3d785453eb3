package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newCheckConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file and print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags(), *configPath)
			if err != nil {
				return err
			}
			return writeEffectiveConfig(cmd.OutOrStdout(), cfg)
		},
	}
}

// writeEffectiveConfig prints cfg as YAML with secrets redacted.
func writeEffectiveConfig(w io.Writer, cfg Config) error {
	if cfg.MPD.Password != "" {
		cfg.MPD.Password = "<redacted>"
	}
	if cfg.HomeAssistant.Token != "" {
		cfg.HomeAssistant.Token = "<redacted>"
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if _, err := w.Write(b); err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, "# config OK")
	return err
}

func newOutputsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "outputs",
		Short: "List MPD outputs and how the config classifies them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags(), *configPath)
			if err != nil {
				return err
			}

			logger := logrus.New()
			logger.SetOutput(cmd.ErrOrStderr())
			logger.SetLevel(logrus.WarnLevel)

			client, err := NewMPDClient(cfg.MPD, logrus.NewEntry(logger))
			if err != nil {
				return err
			}
			defer client.Close()

			outputs, err := client.Outputs(cmd.Context())
			if err != nil {
				return err
			}
			renderOutputs(cmd.OutOrStdout(), outputs, cfg)
			return nil
		},
	}
}

func renderOutputs(w io.Writer, outputs []OutputDescriptor, cfg Config) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"ID", "NAME", "ENABLED", "CLASS", "TARGET"})
	for _, o := range outputs {
		t.AppendRow(table.Row{o.ID, o.Name, o.Enabled, outputClass(o.Name, cfg), cfg.Speakers[o.Name].Target()})
	}
	t.Render()
}

func outputClass(name string, cfg Config) string {
	_, speaker := cfg.Speakers[name]
	_, doorbell := cfg.Doorbells[name]
	switch {
	case speaker && doorbell:
		return "speaker+doorbell"
	case speaker:
		return "speaker"
	case doorbell:
		return "doorbell"
	default:
		return "unmanaged"
	}
}

// newSwitchCmd drives a speaker's power switch by hand, bypassing MPD.
func newSwitchCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:       "switch OUTPUT on|off",
		Short:     "Turn a configured speaker's power on or off",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags(), *configPath)
			if err != nil {
				return err
			}
			on, err := parseOnOff(args[1])
			if err != nil {
				return err
			}

			logger := logrus.New()
			logger.SetOutput(cmd.ErrOrStderr())
			level, _ := parseLogLevel(cfg.Logging.Level)
			logger.SetLevel(level)

			power, err := newPowerSwitch(&cfg, logrus.NewEntry(logger))
			if err != nil {
				return err
			}
			if c, ok := power.(io.Closer); ok {
				defer c.Close()
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(cfg.Power.TimeoutMS)*time.Millisecond)
			defer cancel()
			return switchOutput(ctx, cmd.OutOrStdout(), power, cfg, args[0], on)
		},
	}
}

func parseOnOff(s string) (bool, error) {
	switch s {
	case "on":
		return true, nil
	case "off":
		return false, nil
	default:
		return false, fmt.Errorf("state must be \"on\" or \"off\", got %q", s)
	}
}

func switchOutput(ctx context.Context, w io.Writer, power PowerSwitch, cfg Config, name string, on bool) error {
	policy, ok := cfg.Speakers[name]
	if !ok {
		return fmt.Errorf("%q is not a configured speaker", name)
	}
	target := policy.Target()
	if target == "" {
		return fmt.Errorf("speaker %q has no switch target", name)
	}
	if err := power.SetPower(ctx, target, on); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%s (%s): %s\n", name, target, onOff(on))
	return err
}
