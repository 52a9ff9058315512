// Package validation holds the identifier and input rules shared by the
// broker and the node. Peer and room identifiers travel in URLs, Redis
// keys and metric labels, so the character set is deliberately narrow.
package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const (
	maxIDLength          = 100
	maxDisplayNameLength = 100
)

// PeerID checks a peer identifier.
func PeerID(id string) error {
	return identifier(id, "peer id")
}

// RoomID checks a room identifier.
func RoomID(id string) error {
	return identifier(id, "room id")
}

func identifier(id, what string) error {
	if id == "" {
		return fmt.Errorf("%s is required", what)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%s is too long (max %d characters)", what, maxIDLength)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%s may only contain letters, digits, _ and -", what)
	}
	return nil
}

// DisplayName checks a participant display name. Empty is fine; the
// peer id stands in for it.
func DisplayName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("display name is not valid UTF-8")
	}
	if utf8.RuneCountInString(name) > maxDisplayNameLength {
		return fmt.Errorf("display name is too long (max %d characters)", maxDisplayNameLength)
	}
	return nil
}

// SignalURL checks a broker endpoint.
func SignalURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("signal url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid signal url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("signal url scheme must be ws or wss")
	}
	if u.Host == "" {
		return fmt.Errorf("signal url must have a host")
	}
	return nil
}
