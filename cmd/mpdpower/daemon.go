package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Notifier blocks until MPD reports a change in one of the watched subsystems.
type Notifier interface {
	Wait(ctx context.Context) ([]string, error)
}

// Supervisor receives service lifecycle notifications (systemd in production).
// PassStarted/PassFinished bracket every pass so a pass stuck on a side effect
// can be told apart from waiting for MPD.
type Supervisor interface {
	Ready()
	Stopping()
	PassStarted()
	PassFinished()
}

// runDaemon is the event loop driver:
//   - one pass at startup with first=true
//   - then one pass per change notification, strictly one after another
//
// The ReconcileState lives here and is threaded through every pass.
//
// Shutdown semantics:
//   - returns nil when ctx is canceled, also in the middle of a pass
//   - returns an error when the MPD connection is lost (the supervisor restarts us)
func runDaemon(ctx context.Context, rec *Reconciler, notifier Notifier, sup Supervisor, logger *logrus.Entry) error {
	state := &ReconcileState{
		Enabled:  make(OutputSet),
		Disabled: make(OutputSet),
	}

	pass := func(first bool) error {
		sup.PassStarted()
		defer sup.PassFinished()
		return rec.Pass(ctx, state, first)
	}

	if err := pass(true); err != nil {
		if ctx.Err() != nil {
			logger.Info("daemon stopping (context canceled)")
			return nil
		}
		return fmt.Errorf("initial pass: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"enabled":  state.Enabled.String(),
		"disabled": state.Disabled.String(),
	}).Info("initial state")
	sup.Ready()
	defer sup.Stopping()

	for {
		changed, err := notifier.Wait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("daemon stopping (context canceled)")
				return nil
			}
			return fmt.Errorf("wait for mpd changes: %w", err)
		}
		logger.WithField("changed", changed).Debug("mpd idle")

		if err := pass(false); err != nil {
			if ctx.Err() != nil {
				logger.WithError(err).Info("daemon stopping (context canceled during pass)")
				return nil
			}
			if errors.Is(err, ErrConnectionLost) {
				return err
			}
			// Bad data or an ACK on a read; the next notification retries.
			logger.WithError(err).Error("pass failed")
		}
	}
}
