// SPDX-FileCopyrightText: 2026 The Aero Authors
//
// SPDX-License-Identifier: MIT

package qmp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// HumanMonitorCommand runs one legacy single-line monitor command and
// returns its textual output.
func (c *Client) HumanMonitorCommand(
	ctx context.Context,
	commandLine string,
) (string, error) {
	result, err := c.Execute(ctx, "human-monitor-command", map[string]any{
		"command-line": commandLine,
	})
	if err != nil {
		return "", err
	}

	var output string
	if err := json.Unmarshal(result, &output); err != nil {
		return "", fmt.Errorf("human-monitor-command output: %w", err)
	}

	return output, nil
}

type keyEvent struct {
	Type string `json:"type"`
	Data struct {
		Key struct {
			Type string `json:"type"`
			Data string `json:"data"`
		} `json:"key"`
		Down bool `json:"down"`
	} `json:"data"`
}

func keyEvents(keys []string, down bool) []keyEvent {
	events := make([]keyEvent, 0, len(keys))

	for _, key := range keys {
		var event keyEvent
		event.Type = "key"
		event.Data.Key.Type = "qcode"
		event.Data.Key.Data = key
		event.Data.Down = down

		events = append(events, event)
	}

	return events
}

// InjectKeys presses and releases the named keys in the guest.
//
// The structured command can target a specific input device; if the server
// does not know it, the legacy "sendkey" monitor command is used instead.
// The legacy protocol has no device addressing, so the returned addressed
// flag is false after a fallback and callers must not assume the event
// reached a particular device.
func (c *Client) InjectKeys(
	ctx context.Context,
	device string,
	keys []string,
) (addressed bool, err error) {
	arguments := map[string]any{
		"events": append(keyEvents(keys, true), keyEvents(keys, false)...),
	}
	if device != "" {
		arguments["device"] = device
	}

	_, err = c.Execute(ctx, "input-send-event", arguments)
	if err == nil {
		return device != "", nil
	}

	if !IsCommandNotFound(err) {
		return false, err
	}

	c.log.Debug().
		Str("command", "input-send-event").
		Msg("falling back to legacy monitor protocol")

	_, err = c.HumanMonitorCommand(ctx, "sendkey "+strings.Join(keys, "-"))
	if err != nil {
		return false, fmt.Errorf("legacy key injection: %w", err)
	}

	return false, nil
}

// SetLink changes the link state of a guest network device.
//
// Falls back to the legacy "set_link" monitor command if the structured
// one is unknown; the legacy form cannot confirm device addressing, so
// addressed is false after a fallback.
func (c *Client) SetLink(
	ctx context.Context,
	device string,
	up bool,
) (addressed bool, err error) {
	_, err = c.Execute(ctx, "set_link", map[string]any{
		"name": device,
		"up":   up,
	})
	if err == nil {
		return true, nil
	}

	if !IsCommandNotFound(err) {
		return false, err
	}

	c.log.Debug().
		Str("command", "set_link").
		Msg("falling back to legacy monitor protocol")

	state := "off"
	if up {
		state = "on"
	}

	_, err = c.HumanMonitorCommand(ctx, fmt.Sprintf("set_link %s %s", device, state))
	if err != nil {
		return false, fmt.Errorf("legacy link control: %w", err)
	}

	return false, nil
}
