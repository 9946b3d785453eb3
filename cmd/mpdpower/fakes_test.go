package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.DebugLevel)
	return logrus.NewEntry(l)
}

// fakePlayer is a test double for MPD. Actions update its status and outputs
// the way MPD would, so later reads in the same pass see their effect.
type fakePlayer struct {
	outputs []OutputDescriptor
	status  TransportStatus
	calls   []string

	statusErr  error
	outputsErr error
	pauseErr   error
	disableErr error
}

func (p *fakePlayer) Outputs(context.Context) ([]OutputDescriptor, error) {
	if p.outputsErr != nil {
		return nil, p.outputsErr
	}
	out := make([]OutputDescriptor, len(p.outputs))
	copy(out, p.outputs)
	return out, nil
}

func (p *fakePlayer) Status(context.Context) (TransportStatus, error) {
	if p.statusErr != nil {
		return TransportStatus{}, p.statusErr
	}
	return p.status, nil
}

func (p *fakePlayer) Pause(context.Context) error {
	p.calls = append(p.calls, "pause")
	if p.pauseErr != nil {
		return p.pauseErr
	}
	if p.status.State == PlayStatePlaying {
		p.status.State = PlayStatePaused
	}
	return nil
}

func (p *fakePlayer) Play(context.Context) error {
	p.calls = append(p.calls, "play")
	p.status.State = PlayStatePlaying
	return nil
}

func (p *fakePlayer) SetVolume(_ context.Context, level int) error {
	p.calls = append(p.calls, fmt.Sprintf("setvol %d", level))
	p.status.Volume = level
	return nil
}

func (p *fakePlayer) SetConsume(_ context.Context, on bool) error {
	v := 0
	if on {
		v = 1
	}
	p.calls = append(p.calls, fmt.Sprintf("consume %d", v))
	p.status.Consume = on
	return nil
}

func (p *fakePlayer) DisableOutput(_ context.Context, id int) error {
	p.calls = append(p.calls, fmt.Sprintf("disableoutput %d", id))
	if p.disableErr != nil {
		return p.disableErr
	}
	for i := range p.outputs {
		if p.outputs[i].ID == id {
			p.outputs[i].Enabled = false
		}
	}
	return nil
}

// setEnabled simulates a client toggling an output between passes.
func (p *fakePlayer) setEnabled(name string, enabled bool) {
	for i := range p.outputs {
		if p.outputs[i].Name == name {
			p.outputs[i].Enabled = enabled
		}
	}
}

// fakePower records switch requests as "on <target>" / "off <target>".
type fakePower struct {
	calls []string
	errs  map[string]error
}

func (f *fakePower) SetPower(_ context.Context, target string, on bool) error {
	f.calls = append(f.calls, onOff(on)+" "+target)
	return f.errs[target]
}

// fakeShell records commands. Run fails with runErr when set.
type fakeShell struct {
	mu       sync.Mutex
	detached []string
	runs     []string
	runErr   error
}

func (f *fakeShell) RunDetached(command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = append(f.detached, command)
	return nil
}

func (f *fakeShell) Run(_ context.Context, command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, command)
	return f.runErr
}
