package main

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// RF433Switch drives HomeEasy sockets through an OOK encoder script:
//
//	<encoder> ADDRESS -d DEVICE on|off -p <transmitter>
type RF433Switch struct {
	encoder     string
	transmitter string
	logger      *logrus.Entry

	// run executes the encoder and returns its combined output.
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewRF433Switch(encoder, transmitter string, logger *logrus.Entry) *RF433Switch {
	return &RF433Switch{
		encoder:     ExpandPath(encoder),
		transmitter: transmitter,
		logger:      logger,
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
	}
}

// parseRF433Target parses "ADDRESS:DEVICE".
func parseRF433Target(target string) (address, device int, err error) {
	a, d, ok := strings.Cut(target, ":")
	if !ok {
		return 0, 0, fmt.Errorf("rf433 target %q must be ADDRESS:DEVICE", target)
	}
	if address, err = strconv.Atoi(a); err != nil {
		return 0, 0, fmt.Errorf("rf433 target %q: bad address: %w", target, err)
	}
	if device, err = strconv.Atoi(d); err != nil {
		return 0, 0, fmt.Errorf("rf433 target %q: bad device: %w", target, err)
	}
	return address, device, nil
}

func rf433Args(address, device int, on bool, transmitter string) []string {
	return []string{strconv.Itoa(address), "-d", strconv.Itoa(device), onOff(on), "-p", transmitter}
}

func (s *RF433Switch) SetPower(ctx context.Context, target string, on bool) error {
	address, device, err := parseRF433Target(target)
	if err != nil {
		return err
	}
	args := rf433Args(address, device, on, s.transmitter)
	out, err := s.run(ctx, s.encoder, args...)
	if err != nil {
		return fmt.Errorf("transmit %s to %s: %w: %s", onOff(on), target, err, strings.TrimSpace(string(out)))
	}
	s.logger.WithFields(logrus.Fields{"target": target, "state": onOff(on)}).Debug("rf433 transmit ok")
	return nil
}
