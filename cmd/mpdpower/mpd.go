package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fhs/gompd/v2/mpd"
	"github.com/sirupsen/logrus"
)

// ErrConnectionLost means the MPD connection is gone and could not be re-established.
// It is the only MPD error that ends the process.
var ErrConnectionLost = errors.New("mpd connection lost")

// Player is the MPD surface the reconciler needs. It allows mocking in tests.
// A canceled ctx stops reconnect attempts.
type Player interface {
	Outputs(ctx context.Context) ([]OutputDescriptor, error)
	Status(ctx context.Context) (TransportStatus, error)
	Pause(ctx context.Context) error
	Play(ctx context.Context) error
	SetVolume(ctx context.Context, level int) error
	SetConsume(ctx context.Context, on bool) error
	DisableOutput(ctx context.Context, id int) error
}

// MPDClient is the command connection to MPD.
type MPDClient struct {
	mu       sync.Mutex
	conn     *mpd.Client
	network  string
	addr     string
	password string
	logger   *logrus.Entry
}

// mpdAddress maps the configured host to a dial address. Absolute paths are unix sockets.
func mpdAddress(cfg MPDConfig) (network, addr string) {
	if strings.HasPrefix(cfg.Host, "/") {
		return "unix", cfg.Host
	}
	return "tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
}

// NewMPDClient connects and authenticates. A failure here is fatal for startup.
func NewMPDClient(cfg MPDConfig, logger *logrus.Entry) (*MPDClient, error) {
	network, addr := mpdAddress(cfg)
	c := &MPDClient{
		network:  network,
		addr:     addr,
		password: cfg.Password,
		logger:   logger,
	}
	if err := c.dial(); err != nil {
		return nil, fmt.Errorf("connect to mpd at %s: %w", addr, err)
	}
	c.logger.WithField("addr", addr).Info("connected to mpd")
	return c, nil
}

func (c *MPDClient) dial() error {
	conn, err := mpd.DialAuthenticated(c.network, c.addr, c.password)
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

// ensureConnected pings the connection and redials when MPD dropped it.
// MPD closes command connections after connection_timeout while we sit in idle.
// Callers must hold c.mu.
func (c *MPDClient) ensureConnected(ctx context.Context) error {
	if c.conn != nil {
		if err := c.conn.Ping(); err == nil {
			return nil
		}
		_ = c.conn.Close()
		c.conn = nil
		c.logger.Warn("mpd connection went stale; reconnecting...")
	}

	var lastErr error
	for attempt := 0; attempt < mpdRedialAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: reconnect aborted: %w", ErrConnectionLost, ctx.Err())
			case <-time.After(mpdRedialDelayMS * time.Millisecond):
			}
		}
		err := c.dial()
		if err == nil {
			return nil
		}
		lastErr = err
		c.logger.WithError(lastErr).WithField("attempt", attempt+1).Warn("mpd reconnect failed")
	}
	return fmt.Errorf("%w: %w", ErrConnectionLost, lastErr)
}

// do runs fn on a live connection. If fn fails and the connection no longer
// answers a ping, the error is reported as ErrConnectionLost; otherwise it was
// an ACK for that command and the connection is still usable.
func (c *MPDClient) do(ctx context.Context, op string, fn func(*mpd.Client) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	err := fn(c.conn)
	if err == nil {
		return nil
	}
	if pingErr := c.conn.Ping(); pingErr != nil {
		_ = c.conn.Close()
		c.conn = nil
		return fmt.Errorf("%s: %w: %w", op, ErrConnectionLost, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (c *MPDClient) Outputs(ctx context.Context) ([]OutputDescriptor, error) {
	var attrs []mpd.Attrs
	err := c.do(ctx, "outputs", func(conn *mpd.Client) error {
		var err error
		attrs, err = conn.ListOutputs()
		return err
	})
	if err != nil {
		return nil, err
	}
	return parseOutputs(attrs, c.logger), nil
}

func (c *MPDClient) Status(ctx context.Context) (TransportStatus, error) {
	var attrs mpd.Attrs
	err := c.do(ctx, "status", func(conn *mpd.Client) error {
		var err error
		attrs, err = conn.Status()
		return err
	})
	if err != nil {
		return TransportStatus{}, err
	}
	return parseStatus(attrs)
}

func (c *MPDClient) Pause(ctx context.Context) error {
	return c.do(ctx, "pause", func(conn *mpd.Client) error { return conn.Pause(true) })
}

// Play resumes at the current song.
func (c *MPDClient) Play(ctx context.Context) error {
	return c.do(ctx, "play", func(conn *mpd.Client) error { return conn.Play(-1) })
}

func (c *MPDClient) SetVolume(ctx context.Context, level int) error {
	return c.do(ctx, "setvol", func(conn *mpd.Client) error { return conn.SetVolume(level) })
}

func (c *MPDClient) SetConsume(ctx context.Context, on bool) error {
	return c.do(ctx, "consume", func(conn *mpd.Client) error { return conn.Consume(on) })
}

func (c *MPDClient) DisableOutput(ctx context.Context, id int) error {
	return c.do(ctx, "disableoutput", func(conn *mpd.Client) error { return conn.DisableOutput(id) })
}

func (c *MPDClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// parseOutputs converts "outputs" attributes. Entries with a malformed id or
// enabled flag are logged and skipped; the rest of the list is still usable.
func parseOutputs(attrs []mpd.Attrs, logger *logrus.Entry) []OutputDescriptor {
	out := make([]OutputDescriptor, 0, len(attrs))
	for _, a := range attrs {
		name := a["outputname"]
		id, err := strconv.Atoi(a["outputid"])
		if err != nil {
			logger.WithField("output", name).WithError(err).Warn("skipping output with malformed outputid")
			continue
		}
		enabled, err := strconv.Atoi(a["outputenabled"])
		if err != nil || (enabled != 0 && enabled != 1) {
			logger.WithFields(logrus.Fields{
				"output":        name,
				"outputenabled": a["outputenabled"],
			}).Warn("skipping output with malformed outputenabled")
			continue
		}
		out = append(out, OutputDescriptor{ID: id, Name: name, Enabled: enabled == 1})
	}
	return out
}

// parseStatus converts "status" attributes. MPD omits volume when there is no
// mixer; that reads as volumeUnknown.
func parseStatus(a mpd.Attrs) (TransportStatus, error) {
	var s TransportStatus

	switch st := PlayState(a["state"]); st {
	case PlayStatePlaying, PlayStatePaused, PlayStateStopped:
		s.State = st
	default:
		return s, fmt.Errorf("status: unexpected state %q", a["state"])
	}

	s.Volume = volumeUnknown
	if v, ok := a["volume"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return s, fmt.Errorf("status: malformed volume %q", v)
		}
		s.Volume = n
	}

	// MPD 0.24 reports one-shot consume as "oneshot".
	s.Consume = a["consume"] == "1" || a["consume"] == "oneshot"

	if v, ok := a["playlistlength"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return s, fmt.Errorf("status: malformed playlistlength %q", v)
		}
		s.QueueLength = n
	}

	return s, nil
}

// MPDWatcher is the blocking wait primitive: MPD "idle" on a dedicated connection.
type MPDWatcher struct {
	w *mpd.Watcher
}

func NewMPDWatcher(cfg MPDConfig) (*MPDWatcher, error) {
	network, addr := mpdAddress(cfg)
	w, err := mpd.NewWatcher(network, addr, cfg.Password, cfg.Idle...)
	if err != nil {
		return nil, fmt.Errorf("start mpd idle watcher at %s: %w", addr, err)
	}
	return &MPDWatcher{w: w}, nil
}

// Wait blocks until one of the watched subsystems changes. Events that are
// already queued are folded into the same wakeup so a burst triggers one pass.
func (m *MPDWatcher) Wait(ctx context.Context) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()

	case err, ok := <-m.w.Error:
		if !ok {
			return nil, ErrConnectionLost
		}
		return nil, fmt.Errorf("%w: %w", ErrConnectionLost, err)

	case ev, ok := <-m.w.Event:
		if !ok {
			return nil, ErrConnectionLost
		}
		changed := []string{ev}
		for {
			select {
			case ev, ok := <-m.w.Event:
				if !ok {
					return changed, nil
				}
				changed = append(changed, ev)
			default:
				return changed, nil
			}
		}
	}
}

func (m *MPDWatcher) Close() error {
	return m.w.Close()
}
