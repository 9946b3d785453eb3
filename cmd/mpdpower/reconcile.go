package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// ReconcilerConfig is the subset of Config the reconciliation engine uses.
type ReconcilerConfig struct {
	Speakers  map[string]SpeakerPolicy
	Doorbells map[string]DoorbellPolicy

	StopCommand       string
	AutoResumeCommand string

	ConsumeAutoOff  bool
	NormalizeVolume bool
	VolumeLevel     int

	// Startup selects which cleanup rules also run on the first pass.
	Startup StartupConfig

	PowerTimeout time.Duration
}

// Reconciler runs reconciliation passes. It holds no observation state of its
// own; the caller owns the ReconcileState and passes it into every Pass.
type Reconciler struct {
	cfg     ReconcilerConfig
	targets effectTargets
	logger  *logrus.Entry
}

func NewReconciler(cfg ReconcilerConfig, player Player, power PowerSwitch, shell CommandRunner, logger *logrus.Entry) *Reconciler {
	return &Reconciler{
		cfg: cfg,
		targets: effectTargets{
			player:       player,
			power:        power,
			shell:        shell,
			powerTimeout: cfg.PowerTimeout,
		},
		logger: logger,
	}
}

// Pass runs one full reconciliation against st.
//
// On the first pass only the observation is established: no pause, resume or
// stop hook is triggered by the delta, although the safety pause still applies.
//
// st is updated as soon as the outputs have been classified, so a pass that
// fails later never replays the same transitions. An unreadable status skips
// only the decision that needed it. A returned error means the output list
// could not be read or the MPD connection is unusable.
func (r *Reconciler) Pass(ctx context.Context, st *ReconcileState, first bool) error {
	if st == nil {
		return fmt.Errorf("reconcile: nil state")
	}

	outputs, err := r.targets.player.Outputs(ctx)
	if err != nil {
		return fmt.Errorf("list outputs: %w", err)
	}
	c := Classify(outputs, r.cfg.Speakers, r.cfg.Doorbells)

	for _, bell := range c.Doorbells {
		if err := r.ringDoorbell(ctx, bell); err != nil {
			return err
		}
	}

	prev := *st
	delta := ComputeDelta(prev, c.NowEnabled, c.NowDisabled)
	// Optimistic: failed switch calls do not roll the observation back.
	st.Observe(c.NowEnabled, c.NowDisabled)
	if delta.Changed {
		r.logger.WithFields(logrus.Fields{
			"enabled":  c.NowEnabled.String(),
			"disabled": c.NowDisabled.String(),
		}).Debug("speaker outputs changed")
	}

	autoOn := false
	for _, name := range delta.TurnedOn.Sorted() {
		r.logger.WithField("output", name).Info("enable")
		policy := r.cfg.Speakers[name]
		if err := r.setPower(ctx, name, policy, true); err != nil {
			return err
		}
		if policy.AutoResume() {
			autoOn = true
		}
	}

	if !first {
		switch {
		case !prev.Enabled.Empty() && c.NowEnabled.Empty():
			if err := r.pauseAndStop(ctx, "all now disabled"); err != nil {
				return err
			}
		case autoOn && prev.Enabled.Empty() && !c.NowEnabled.Empty():
			if err := r.autoResume(ctx); err != nil {
				return err
			}
		}
	}

	// Also covers a start with no speaker enabled at all.
	if c.NowEnabled.Empty() {
		status, ok, err := r.readStatus(ctx, "safety pause")
		if err != nil {
			return err
		}
		if ok && status.State == PlayStatePlaying {
			if err := r.pauseAndStop(ctx, "none enabled"); err != nil {
				return err
			}
		}
	}

	for _, name := range delta.TurnedOff.Sorted() {
		r.logger.WithField("output", name).Info("disable")
		if err := r.setPower(ctx, name, r.cfg.Speakers[name], false); err != nil {
			return err
		}
	}

	if r.cfg.ConsumeAutoOff && (!first || r.cfg.Startup.ConsumeAutoOff) {
		if err := r.consumeAutoOff(ctx); err != nil {
			return err
		}
	}

	if r.cfg.NormalizeVolume && (!first || r.cfg.Startup.NormalizeVolume) {
		if err := r.normalizeVolume(ctx); err != nil {
			return err
		}
	}

	return nil
}

// ringDoorbell consumes one doorbell activation. The output is disabled again
// right away so the next pass sees it off; if that fails it rings once more.
func (r *Reconciler) ringDoorbell(ctx context.Context, bell OutputDescriptor) error {
	log := r.logger.WithField("output", bell.Name)
	log.Info("doorbell")

	status, ok, err := r.readStatus(ctx, "doorbell pause")
	if err != nil {
		return err
	}
	if ok && status.State == PlayStatePlaying {
		log.Info("pause (for doorbell)")
		if err := r.exec(ctx, CmdPause{Reason: "doorbell"}); err != nil {
			return err
		}
	}

	if cmd := r.cfg.Doorbells[bell.Name].Command; cmd != "" {
		if err := r.exec(ctx, CmdRunDetached{Reason: "doorbell", Command: cmd}); err != nil {
			return err
		}
	}

	return r.exec(ctx, CmdDisableOutput{ID: bell.ID, Name: bell.Name, Reason: "doorbell"})
}

func (r *Reconciler) setPower(ctx context.Context, name string, policy SpeakerPolicy, on bool) error {
	target := policy.Target()
	if target == "" {
		return nil
	}
	return r.exec(ctx, CmdSetPower{Output: name, Target: target, On: on})
}

// pauseAndStop pauses if playing and then fires the stop hook. The hook still
// runs when the status cannot be read.
func (r *Reconciler) pauseAndStop(ctx context.Context, reason string) error {
	status, ok, err := r.readStatus(ctx, reason)
	if err != nil {
		return err
	}
	if ok && status.State == PlayStatePlaying {
		r.logger.WithField("reason", reason).Info("pause")
		if err := r.exec(ctx, CmdPause{Reason: reason}); err != nil {
			return err
		}
	}
	if r.cfg.StopCommand != "" {
		return r.exec(ctx, CmdRunDetached{Reason: "stop", Command: r.cfg.StopCommand})
	}
	return nil
}

// autoResume resumes paused playback, gated by the optional precondition command.
func (r *Reconciler) autoResume(ctx context.Context) error {
	status, ok, err := r.readStatus(ctx, "auto-resume")
	if err != nil || !ok {
		return err
	}
	if status.State != PlayStatePaused {
		return nil
	}

	if r.cfg.AutoResumeCommand != "" {
		if r.targets.shell == nil {
			r.logger.WithError(errNoBackend{}).Error("auto-resume precondition not run")
			return nil
		}
		if err := r.targets.shell.Run(ctx, r.cfg.AutoResumeCommand); err != nil {
			r.logger.WithError(err).Info("auto-resume precondition failed, staying paused")
			return nil
		}
	}

	r.logger.Info("resume")
	return r.exec(ctx, CmdPlay{})
}

// consumeAutoOff turns consume mode off and disables every enabled speaker once
// a consume-mode queue has been played to the end. The outputs are disabled
// directly; the next pass observes them as turned off.
func (r *Reconciler) consumeAutoOff(ctx context.Context) error {
	status, ok, err := r.readStatus(ctx, "consume auto-off")
	if err != nil || !ok {
		return err
	}
	if status.State != PlayStateStopped || !status.Consume || status.QueueLength != 0 {
		return nil
	}

	r.logger.Info("consume finished, disabling all outputs")
	if err := r.exec(ctx, CmdSetConsume{On: false}); err != nil {
		return err
	}

	outputs, err := r.targets.player.Outputs(ctx)
	if err != nil {
		if errors.Is(err, ErrConnectionLost) {
			return fmt.Errorf("list outputs: %w", err)
		}
		r.logger.WithError(err).Warn("could not list outputs, speakers left enabled")
		return nil
	}
	for _, o := range outputs {
		if _, ok := r.cfg.Speakers[o.Name]; !ok || !o.Enabled {
			continue
		}
		if err := r.exec(ctx, CmdDisableOutput{ID: o.ID, Name: o.Name, Reason: "consume finished"}); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) normalizeVolume(ctx context.Context) error {
	status, ok, err := r.readStatus(ctx, "volume")
	if err != nil || !ok {
		return err
	}
	if status.Volume == volumeUnknown || status.Volume == r.cfg.VolumeLevel {
		return nil
	}
	r.logger.WithFields(logrus.Fields{
		"from": status.Volume,
		"to":   r.cfg.VolumeLevel,
	}).Info("set volume")
	return r.exec(ctx, CmdSetVolume{Level: r.cfg.VolumeLevel})
}

// readStatus fetches a fresh status for one decision. An ACK or a malformed
// reply is logged and reported as !ok; only a lost connection is an error.
func (r *Reconciler) readStatus(ctx context.Context, decision string) (TransportStatus, bool, error) {
	s, err := r.targets.player.Status(ctx)
	if err == nil {
		return s, true, nil
	}
	if errors.Is(err, ErrConnectionLost) {
		return TransportStatus{}, false, fmt.Errorf("read status: %w", err)
	}
	r.logger.WithError(err).WithField("decision", decision).Warn("status unavailable, skipping")
	return TransportStatus{}, false, nil
}

func (r *Reconciler) exec(ctx context.Context, cmd Command) error {
	return runEffect(ctx, r.targets, cmd, r.logger)
}
