package main

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/user/gaia-engine/gaia"
)

// parseUint16 accepts hex with or without a 0x prefix
func parseUint16(s string) (uint16, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	n, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, errors.Errorf("%q is not a 16-bit hex value", s)
	}
	return uint16(n), nil
}

// parsePayload decodes hex bytes; spaces and colons between bytes are ignored
func parsePayload(s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", ":", "").Replace(s)
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "payload must be hex")
	}
	return b, nil
}

func parseEvents(list []string) ([]gaia.NotificationEvent, error) {
	var events []gaia.NotificationEvent
	for _, item := range list {
		for _, field := range strings.Split(item, ",") {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			n, err := strconv.ParseUint(field, 0, 8)
			if err != nil || n == 0 {
				return nil, errors.Errorf("%q is not a notification event id", field)
			}
			events = append(events, gaia.NotificationEvent(n))
		}
	}
	return events, nil
}
