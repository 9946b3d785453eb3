package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fhs/gompd/v2/mpd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMPDAddress(t *testing.T) {
	network, addr := mpdAddress(MPDConfig{Host: "music.local", Port: 6600})
	assert.Equal(t, "tcp", network)
	assert.Equal(t, "music.local:6600", addr)

	network, addr = mpdAddress(MPDConfig{Host: "/run/mpd/socket", Port: 6600})
	assert.Equal(t, "unix", network)
	assert.Equal(t, "/run/mpd/socket", addr)

	_, addr = mpdAddress(MPDConfig{Host: "::1", Port: 6601})
	assert.Equal(t, "[::1]:6601", addr)
}

func TestParseOutputs(t *testing.T) {
	attrs := []mpd.Attrs{
		{"outputid": "0", "outputname": "living-room", "outputenabled": "1", "plugin": "alsa"},
		{"outputid": "1", "outputname": "kitchen", "outputenabled": "0"},
		{"outputid": "x", "outputname": "broken-id", "outputenabled": "1"},
		{"outputid": "3", "outputname": "broken-flag", "outputenabled": "yes"},
		{"outputid": "4", "outputname": "out-of-range", "outputenabled": "2"},
	}

	got := parseOutputs(attrs, testLogger())

	assert.Equal(t, []OutputDescriptor{
		{ID: 0, Name: "living-room", Enabled: true},
		{ID: 1, Name: "kitchen", Enabled: false},
	}, got)
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		name    string
		attrs   mpd.Attrs
		want    TransportStatus
		wantErr bool
	}{
		{
			name:  "playing",
			attrs: mpd.Attrs{"state": "play", "volume": "80", "consume": "0", "playlistlength": "12"},
			want:  TransportStatus{State: PlayStatePlaying, Volume: 80, QueueLength: 12},
		},
		{
			name:  "no mixer",
			attrs: mpd.Attrs{"state": "pause", "playlistlength": "1"},
			want:  TransportStatus{State: PlayStatePaused, Volume: volumeUnknown, QueueLength: 1},
		},
		{
			name:  "mixer reports -1",
			attrs: mpd.Attrs{"state": "stop", "volume": "-1"},
			want:  TransportStatus{State: PlayStateStopped, Volume: volumeUnknown},
		},
		{
			name:  "consume on",
			attrs: mpd.Attrs{"state": "stop", "volume": "100", "consume": "1", "playlistlength": "0"},
			want:  TransportStatus{State: PlayStateStopped, Volume: 100, Consume: true},
		},
		{
			name:  "consume oneshot",
			attrs: mpd.Attrs{"state": "stop", "volume": "100", "consume": "oneshot"},
			want:  TransportStatus{State: PlayStateStopped, Volume: 100, Consume: true},
		},
		{name: "unknown state", attrs: mpd.Attrs{"state": "buffering"}, wantErr: true},
		{name: "missing state", attrs: mpd.Attrs{"volume": "10"}, wantErr: true},
		{name: "bad volume", attrs: mpd.Attrs{"state": "play", "volume": "loud"}, wantErr: true},
		{name: "bad playlistlength", attrs: mpd.Attrs{"state": "play", "playlistlength": "many"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseStatus(tt.attrs)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// fakeMPDServer speaks just enough of the MPD protocol for MPDClient.
type fakeMPDServer struct {
	ln net.Listener

	mu       sync.Mutex
	commands []string
	// replies maps a command verb to the lines sent before "OK".
	replies map[string][]string
	// acks maps a command verb to an ACK message.
	acks map[string]string
	// dropOn closes the connection when the verb is received.
	dropOn string
}

func newFakeMPDServer(t *testing.T) *fakeMPDServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeMPDServer{
		ln:      ln,
		replies: map[string][]string{},
		acks:    map[string]string{},
	}
	go s.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return s
}

func (s *fakeMPDServer) config() MPDConfig {
	addr := s.ln.Addr().(*net.TCPAddr)
	return MPDConfig{Host: addr.IP.String(), Port: addr.Port, Idle: []string{"output"}}
}

func (s *fakeMPDServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakeMPDServer) handle(conn net.Conn) {
	defer conn.Close()
	fmt.Fprint(conn, "OK MPD 0.23.5\n")

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		verb := strings.Fields(line)[0]

		s.mu.Lock()
		if verb != "ping" {
			s.commands = append(s.commands, line)
		}
		drop := s.dropOn != "" && verb == s.dropOn
		ack, acked := s.acks[verb]
		reply := s.replies[verb]
		s.mu.Unlock()

		switch {
		case drop:
			return
		case acked:
			fmt.Fprintf(conn, "ACK [50@0] {%s} %s\n", verb, ack)
		default:
			for _, l := range reply {
				fmt.Fprintf(conn, "%s\n", l)
			}
			fmt.Fprint(conn, "OK\n")
		}
	}
}

func (s *fakeMPDServer) setDropOn(verb string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropOn = verb
}

func (s *fakeMPDServer) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func TestMPDClient_Commands(t *testing.T) {
	srv := newFakeMPDServer(t)
	srv.replies["outputs"] = []string{
		"outputid: 0", "outputname: living-room", "plugin: alsa", "outputenabled: 1",
		"outputid: 1", "outputname: doorbell", "plugin: alsa", "outputenabled: 0",
	}
	srv.replies["status"] = []string{"volume: 55", "consume: 0", "playlistlength: 3", "state: play"}

	c, err := NewMPDClient(srv.config(), testLogger())
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	outputs, err := c.Outputs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []OutputDescriptor{
		{ID: 0, Name: "living-room", Enabled: true},
		{ID: 1, Name: "doorbell", Enabled: false},
	}, outputs)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, TransportStatus{State: PlayStatePlaying, Volume: 55, QueueLength: 3}, st)

	require.NoError(t, c.Pause(ctx))
	require.NoError(t, c.SetVolume(ctx, 100))
	require.NoError(t, c.SetConsume(ctx, false))
	require.NoError(t, c.DisableOutput(ctx, 1))
	require.NoError(t, c.Play(ctx))

	assert.Equal(t, []string{
		"outputs", "status", "pause 1", "setvol 100", "consume 0", "disableoutput 1", "play",
	}, srv.received())
}

func TestMPDClient_AckIsNotConnectionLost(t *testing.T) {
	srv := newFakeMPDServer(t)
	srv.acks["disableoutput"] = "No such audio output"

	c, err := NewMPDClient(srv.config(), testLogger())
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	err = c.DisableOutput(ctx, 9)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrConnectionLost))

	// The connection is still usable afterwards.
	assert.NoError(t, c.Pause(ctx))
}

func TestMPDClient_DroppedConnectionIsConnectionLost(t *testing.T) {
	srv := newFakeMPDServer(t)
	srv.dropOn = "pause"

	c, err := NewMPDClient(srv.config(), testLogger())
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	// The server hangs up mid-command and is gone for good.
	require.NoError(t, srv.ln.Close())
	err = c.Pause(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionLost)
}

func TestMPDClient_RedialsStaleConnection(t *testing.T) {
	srv := newFakeMPDServer(t)
	srv.dropOn = "status"
	srv.replies["outputs"] = []string{"outputid: 0", "outputname: a", "outputenabled: 1"}

	c, err := NewMPDClient(srv.config(), testLogger())
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	_, err = c.Status(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionLost)

	// The listener is still up, so the next command dials a fresh connection.
	outputs, err := c.Outputs(ctx)
	require.NoError(t, err)
	assert.Len(t, outputs, 1)
}

func TestNewMPDClient_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cfg := MPDConfig{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port}
	require.NoError(t, ln.Close())

	_, err = NewMPDClient(cfg, testLogger())
	assert.Error(t, err)
}

func TestMPDClient_ReconnectStopsOnCancel(t *testing.T) {
	srv := newFakeMPDServer(t)

	c, err := NewMPDClient(srv.config(), testLogger())
	require.NoError(t, err)
	defer c.Close()

	// The connection dies on the next ping and there is nothing to redial.
	srv.setDropOn("ping")
	require.NoError(t, srv.ln.Close())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	_, err = c.Status(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Duration(mpdRedialDelayMS)*time.Millisecond)
}
