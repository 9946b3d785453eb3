package main

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// effectTargets are the collaborators a Command can be executed against.
type effectTargets struct {
	player Player
	power  PowerSwitch
	shell  CommandRunner

	// powerTimeout bounds one SetPower call; zero means no bound.
	powerTimeout time.Duration
}

// runEffect executes a single Command.
//
// Failures are logged here and swallowed, with one exception: a lost MPD
// connection is returned so the pass (and the process) can stop. Power and
// shell failures never stop a pass.
func runEffect(ctx context.Context, t effectTargets, cmd Command, logger *logrus.Entry) error {
	log := logger.WithField("command", cmd.String())
	log.Debug("dispatch")

	switch c := cmd.(type) {
	case CmdSetPower:
		if t.power == nil {
			log.WithError(errNoBackend{}).Error("power switch failed")
			return nil
		}
		pctx := ctx
		if t.powerTimeout > 0 {
			var cancel context.CancelFunc
			pctx, cancel = context.WithTimeout(ctx, t.powerTimeout)
			defer cancel()
		}
		if err := t.power.SetPower(pctx, c.Target, c.On); err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"output": c.Output,
				"target": c.Target,
				"state":  onOff(c.On),
			}).Error("power switch failed")
		}
		return nil

	case CmdRunDetached:
		if t.shell == nil {
			log.WithError(errNoBackend{}).Error("command failed to start")
			return nil
		}
		if err := t.shell.RunDetached(c.Command); err != nil {
			log.WithError(err).WithField("reason", c.Reason).Error("command failed to start")
		}
		return nil

	case CmdPause:
		return playerResult(log, t.player.Pause(ctx))

	case CmdPlay:
		return playerResult(log, t.player.Play(ctx))

	case CmdSetVolume:
		return playerResult(log, t.player.SetVolume(ctx, c.Level))

	case CmdSetConsume:
		return playerResult(log, t.player.SetConsume(ctx, c.On))

	case CmdDisableOutput:
		return playerResult(log, t.player.DisableOutput(ctx, c.ID))

	default:
		log.WithError(errUnknownCommand{cmd: cmd}).Warn("unknown command type")
		return nil
	}
}

// playerResult logs a failed MPD command and decides whether it is fatal.
func playerResult(log *logrus.Entry, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConnectionLost) {
		return err
	}
	log.WithError(err).Error("mpd command failed")
	return nil
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

// errNoBackend indicates a command was dispatched without a collaborator to run it.
type errNoBackend struct{}

func (errNoBackend) Error() string { return "no backend configured" }

type errUnknownCommand struct {
	cmd Command
}

func (e errUnknownCommand) Error() string { return "unknown command: " + e.cmd.String() }
