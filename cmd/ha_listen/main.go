package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

// ============================================================================
// ha_listen - Home Assistant switch state listener
// ============================================================================
// Subscribes to state_changed events over the Home Assistant websocket API
// and prints switch transitions. Useful to check that mpdpower's power
// requests actually land.
//
// Usage:
//   ha_listen --url http://hass.local:8123 --token TOKEN
//   HASS_TOKEN=... ha_listen --entity switch.kitchen --entity switch.living_room
// ============================================================================

// Wire types (duplicated from mpdpower for a standalone binary)
type haMessage struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success bool            `json:"success,omitempty"`
	Message string          `json:"message,omitempty"`
	Event   json.RawMessage `json:"event,omitempty"`
}

type haEvent struct {
	EventType string `json:"event_type"`
	Data      struct {
		EntityID string   `json:"entity_id"`
		OldState *haState `json:"old_state"`
		NewState *haState `json:"new_state"`
	} `json:"data"`
}

type haState struct {
	State string `json:"state"`
}

// stateChange is one entity transition worth printing.
type stateChange struct {
	EntityID string
	From, To string
}

func (c stateChange) String() string {
	return fmt.Sprintf("[STATE] %s %s -> %s", c.EntityID, c.From, c.To)
}

const subscriptionID = 1

func main() {
	var (
		baseURL  = pflag.String("url", "http://homeassistant.local:8123", "Home Assistant base URL")
		token    = pflag.String("token", "", "Long-lived access token (default $HASS_TOKEN)")
		entities = pflag.StringSlice("entity", nil, "Entity ids to report (default: every switch.* entity)")
		verbose  = pflag.BoolP("verbose", "v", false, "Log raw events")
	)
	pflag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	if *token == "" {
		*token = os.Getenv("HASS_TOKEN")
	}
	if *token == "" {
		log.Fatal("no access token (use --token or HASS_TOKEN)")
	}

	wsURL, err := websocketURL(*baseURL)
	if err != nil {
		log.Fatalf("invalid url: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	log.Infof("connecting to %s...", wsURL)
	conn, _, err := d.Dial(wsURL, nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	if err := authenticate(conn, *token); err != nil {
		log.Fatalf("%v", err)
	}
	if err := conn.WriteJSON(map[string]any{
		"id":         subscriptionID,
		"type":       "subscribe_events",
		"event_type": "state_changed",
	}); err != nil {
		log.Fatalf("subscribe: %v", err)
	}
	log.Info("subscribed to state_changed (press Ctrl+C to exit)")

	// Writes come from the ping goroutine and the shutdown path.
	var writeMu sync.Mutex

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()
	go func() {
		for range pingTicker.C {
			writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				log.Warnf("ping failed: %v", err)
				return
			}
		}
	}()

	filter := newEntityFilter(*entities)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Errorf("websocket error: %v", err)
				}
				return
			}
			log.Debugf("raw: %s", message)

			change, ok, err := parseStateChange(message)
			if err != nil {
				log.Warnf("%v", err)
				continue
			}
			if ok && filter(change.EntityID) {
				fmt.Println(change)
			}
		}
	}()

	select {
	case <-sigc:
		log.Info("shutting down...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Warnf("error closing connection: %v", err)
		}
	case <-done:
		log.Info("connection closed")
	}
}

// websocketURL maps http(s)://host[:port] to ws(s)://host[:port]/api/websocket.
func websocketURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/api/websocket"
	return u.String(), nil
}

// authenticate runs the auth_required / auth / auth_ok handshake.
func authenticate(conn *websocket.Conn, token string) error {
	var msg haMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return fmt.Errorf("read auth_required: %w", err)
	}
	if msg.Type != "auth_required" {
		return fmt.Errorf("unexpected greeting %q", msg.Type)
	}
	if err := conn.WriteJSON(map[string]string{"type": "auth", "access_token": token}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	if err := conn.ReadJSON(&msg); err != nil {
		return fmt.Errorf("read auth result: %w", err)
	}
	if msg.Type != "auth_ok" {
		return fmt.Errorf("authentication failed: %s %s", msg.Type, msg.Message)
	}
	return nil
}

// parseStateChange extracts an entity transition from a server message.
// ok is false for anything that is not a state change event with both states.
func parseStateChange(message []byte) (change stateChange, ok bool, err error) {
	var msg haMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return stateChange{}, false, fmt.Errorf("decode message: %w", err)
	}
	switch msg.Type {
	case "result":
		if !msg.Success {
			return stateChange{}, false, errors.New("subscription rejected: " + string(message))
		}
		return stateChange{}, false, nil
	case "event":
	default:
		return stateChange{}, false, nil
	}

	var ev haEvent
	if err := json.Unmarshal(msg.Event, &ev); err != nil {
		return stateChange{}, false, fmt.Errorf("decode event: %w", err)
	}
	if ev.EventType != "state_changed" || ev.Data.OldState == nil || ev.Data.NewState == nil {
		return stateChange{}, false, nil
	}
	if ev.Data.OldState.State == ev.Data.NewState.State {
		// Attribute-only update
		return stateChange{}, false, nil
	}
	return stateChange{
		EntityID: ev.Data.EntityID,
		From:     ev.Data.OldState.State,
		To:       ev.Data.NewState.State,
	}, true, nil
}

// newEntityFilter matches the given entity ids, or every switch.* entity when none are given.
func newEntityFilter(entities []string) func(string) bool {
	if len(entities) == 0 {
		return func(id string) bool { return strings.HasPrefix(id, "switch.") }
	}
	want := make(map[string]struct{}, len(entities))
	for _, e := range entities {
		want[e] = struct{}{}
	}
	return func(id string) bool {
		_, ok := want[id]
		return ok
	}
}
