package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// HomeAssistantWSSwitch switches entities over the Home Assistant websocket API.
//
// The connection is opened lazily on first use and re-opened after any
// transport error. Message ids increase per connection as the API requires.
type HomeAssistantWSSwitch struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	url    string
	token  string
	domain string
	nextID int
	logger *logrus.Entry
}

// haMessage covers the fields of every server message we care about.
type haMessage struct {
	ID      int      `json:"id,omitempty"`
	Type    string   `json:"type"`
	Success bool     `json:"success,omitempty"`
	Message string   `json:"message,omitempty"`
	Error   *haError `json:"error,omitempty"`
}

type haError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type haAuth struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
}

type haCallService struct {
	ID      int      `json:"id"`
	Type    string   `json:"type"`
	Domain  string   `json:"domain"`
	Service string   `json:"service"`
	Target  haTarget `json:"target"`
}

type haTarget struct {
	EntityID string `json:"entity_id"`
}

// errHAResult is a service call that Home Assistant answered with success=false.
// The connection is fine; retrying would not help.
type errHAResult struct {
	code, message string
}

func (e errHAResult) Error() string {
	return fmt.Sprintf("homeassistant: %s: %s", e.code, e.message)
}

func NewHomeAssistantWSSwitch(baseURL, token, domain string, logger *logrus.Entry) (*HomeAssistantWSSwitch, error) {
	u, err := haWebsocketURL(baseURL)
	if err != nil {
		return nil, err
	}
	return &HomeAssistantWSSwitch{
		url:    u,
		token:  token,
		domain: domain,
		logger: logger,
	}, nil
}

// haWebsocketURL maps http(s)://host[:port] to ws(s)://host[:port]/api/websocket.
func haWebsocketURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid homeassistant url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid homeassistant url scheme %q", u.Scheme)
	}
	u.Path = haAPIPath
	return u.String(), nil
}

// connect dials and authenticates. Callers must hold h.mu.
func (h *HomeAssistantWSSwitch) connect(ctx context.Context) error {
	d := websocket.Dialer{
		HandshakeTimeout: haHandshakeTimeout * time.Second,
	}
	conn, _, err := d.DialContext(ctx, h.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", h.url, err)
	}
	applyDeadline(ctx, conn)
	defer clearDeadline(conn)

	var msg haMessage
	if err := conn.ReadJSON(&msg); err != nil {
		conn.Close()
		return fmt.Errorf("read auth_required: %w", err)
	}
	if msg.Type != "auth_required" {
		conn.Close()
		return fmt.Errorf("unexpected greeting %q", msg.Type)
	}
	if err := conn.WriteJSON(haAuth{Type: "auth", AccessToken: h.token}); err != nil {
		conn.Close()
		return fmt.Errorf("send auth: %w", err)
	}
	if err := conn.ReadJSON(&msg); err != nil {
		conn.Close()
		return fmt.Errorf("read auth result: %w", err)
	}
	if msg.Type != "auth_ok" {
		conn.Close()
		return fmt.Errorf("authentication failed: %s %s", msg.Type, msg.Message)
	}

	h.conn = conn
	h.nextID = 1
	h.logger.WithField("url", h.url).Info("connected to homeassistant")
	return nil
}

func (h *HomeAssistantWSSwitch) SetPower(ctx context.Context, target string, on bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	// A connection that has been idle may have been dropped by the server;
	// one fresh attempt covers that.
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		reused := h.conn != nil
		err = h.callService(ctx, target, on)
		var resultErr errHAResult
		if err == nil || errors.As(err, &resultErr) || !reused || ctx.Err() != nil {
			break
		}
		h.logger.WithError(err).Warn("homeassistant connection lost; reconnecting...")
	}
	if err != nil {
		return fmt.Errorf("change power status for %s to %s: %w", target, onOff(on), err)
	}
	return nil
}

// callService sends one call_service request and waits for its result.
// Callers must hold h.mu.
func (h *HomeAssistantWSSwitch) callService(ctx context.Context, target string, on bool) error {
	if h.conn == nil {
		if err := h.connect(ctx); err != nil {
			return err
		}
	}
	applyDeadline(ctx, h.conn)
	defer clearDeadline(h.conn)

	id := h.nextID
	h.nextID++

	req := haCallService{
		ID:      id,
		Type:    "call_service",
		Domain:  h.domain,
		Service: "turn_" + onOff(on),
		Target:  haTarget{EntityID: target},
	}
	if err := h.conn.WriteJSON(req); err != nil {
		h.markBroken()
		return fmt.Errorf("send call_service: %w", err)
	}

	for {
		var msg haMessage
		if err := h.conn.ReadJSON(&msg); err != nil {
			h.markBroken()
			return fmt.Errorf("read result: %w", err)
		}
		if msg.Type != "result" || msg.ID != id {
			continue
		}
		if !msg.Success {
			if msg.Error != nil {
				return errHAResult{code: msg.Error.Code, message: msg.Error.Message}
			}
			return errHAResult{code: "unknown_error", message: "service call failed"}
		}
		h.logger.WithFields(logrus.Fields{"target": target, "state": onOff(on), "id": id}).Debug("homeassistant service call ok")
		return nil
	}
}

func (h *HomeAssistantWSSwitch) markBroken() {
	if h.conn != nil {
		h.conn.Close()
		h.conn = nil
	}
}

func (h *HomeAssistantWSSwitch) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.markBroken()
	return nil
}

func applyDeadline(ctx context.Context, conn *websocket.Conn) {
	if dl, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(dl)
		conn.SetWriteDeadline(dl)
	}
}

func clearDeadline(conn *websocket.Conn) {
	if conn == nil {
		return
	}
	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})
}
