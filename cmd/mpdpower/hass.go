package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

// HomeAssistantSwitch calls the Home Assistant REST API:
// POST /api/services/<domain>/turn_on|turn_off {"entity_id": target}.
type HomeAssistantSwitch struct {
	baseURL string
	token   string
	domain  string
	client  *http.Client
	logger  *logrus.Entry
}

func NewHomeAssistantSwitch(baseURL, token, domain string, client *http.Client, logger *logrus.Entry) *HomeAssistantSwitch {
	if client == nil {
		client = http.DefaultClient
	}
	return &HomeAssistantSwitch{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		domain:  domain,
		client:  client,
		logger:  logger,
	}
}

func (h *HomeAssistantSwitch) SetPower(ctx context.Context, target string, on bool) error {
	body, err := json.Marshal(map[string]string{"entity_id": target})
	if err != nil {
		return fmt.Errorf("marshal service data: %w", err)
	}

	u := fmt.Sprintf("%s/api/services/%s/turn_%s", h.baseURL, h.domain, onOff(on))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+h.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("change power status for %s to %s: %w", target, onOff(on), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("change power status for %s to %s: %d %s",
			target, onOff(on), resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	h.logger.WithFields(logrus.Fields{"target": target, "state": onOff(on)}).Debug("homeassistant service call ok")
	return nil
}
