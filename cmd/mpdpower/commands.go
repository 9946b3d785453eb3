package main

import "fmt"

// ==============================
// Commands (side effects)
// ==============================

// Command is an external side effect requested by a reconciliation pass.
// All of them go through runEffect, which is the only place that logs and
// classifies their failures.
type Command interface {
	commandMarker()
	String() string
}

// CmdSetPower switches the power of a speaker's target on or off.
type CmdSetPower struct {
	Output string
	Target string
	On     bool
}

func (CmdSetPower) commandMarker() {}
func (c CmdSetPower) String() string {
	return fmt.Sprintf("CmdSetPower(output=%s, target=%s, on=%v)", c.Output, c.Target, c.On)
}

// CmdRunDetached starts a shell command without waiting for it.
type CmdRunDetached struct {
	Reason  string
	Command string
}

func (CmdRunDetached) commandMarker() {}
func (c CmdRunDetached) String() string {
	return fmt.Sprintf("CmdRunDetached(reason=%s, command=%q)", c.Reason, c.Command)
}

// CmdPause pauses MPD playback.
type CmdPause struct {
	Reason string
}

func (CmdPause) commandMarker()   {}
func (c CmdPause) String() string { return fmt.Sprintf("CmdPause(reason=%s)", c.Reason) }

// CmdPlay resumes MPD playback at the current position.
type CmdPlay struct{}

func (CmdPlay) commandMarker() {}
func (CmdPlay) String() string { return "CmdPlay()" }

// CmdSetVolume sets the MPD mixer volume (0..100).
type CmdSetVolume struct {
	Level int
}

func (CmdSetVolume) commandMarker()   {}
func (c CmdSetVolume) String() string { return fmt.Sprintf("CmdSetVolume(level=%d)", c.Level) }

// CmdSetConsume toggles MPD consume mode.
type CmdSetConsume struct {
	On bool
}

func (CmdSetConsume) commandMarker()   {}
func (c CmdSetConsume) String() string { return fmt.Sprintf("CmdSetConsume(on=%v)", c.On) }

// CmdDisableOutput disables an MPD output directly, bypassing delta tracking.
type CmdDisableOutput struct {
	ID     int
	Name   string
	Reason string
}

func (CmdDisableOutput) commandMarker() {}
func (c CmdDisableOutput) String() string {
	return fmt.Sprintf("CmdDisableOutput(id=%d, name=%s, reason=%s)", c.ID, c.Name, c.Reason)
}
