package ws

import (
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// acceptGUID is the fixed GUID from RFC 6455 §4.2.2.
const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Handshake validation errors.
var (
	ErrBadUpgrade    = errors.New("ws: not a websocket upgrade request")
	ErrMissingKey    = errors.New("ws: missing Sec-WebSocket-Key")
	ErrMissingOrigin = errors.New("ws: missing Origin")
)

// AcceptKey derives the Sec-WebSocket-Accept value for a client key.
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(acceptGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// ValidateUpgrade checks that r is a well-formed WebSocket upgrade
// request from a browser. Origin is mandatory: player connections
// always come from a page, and its absence is rejected with 403 by
// the caller.
func ValidateUpgrade(r *http.Request) (key string, err error) {
	if r.Method != http.MethodGet {
		return "", fmt.Errorf("%w: method %s", ErrBadUpgrade, r.Method)
	}
	if !headerContainsToken(r.Header, "Connection", "upgrade") {
		return "", fmt.Errorf("%w: Connection header", ErrBadUpgrade)
	}
	if !headerContainsToken(r.Header, "Upgrade", "websocket") {
		return "", fmt.Errorf("%w: Upgrade header", ErrBadUpgrade)
	}
	key = r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return "", ErrMissingKey
	}
	if r.Header.Get("Origin") == "" {
		return "", ErrMissingOrigin
	}
	return key, nil
}

// headerContainsToken reports whether any comma-separated token of the
// named header equals value, case-insensitively.
func headerContainsToken(h http.Header, name, value string) bool {
	for _, field := range h.Values(name) {
		for _, token := range strings.Split(field, ",") {
			if strings.EqualFold(strings.TrimSpace(token), value) {
				return true
			}
		}
	}
	return false
}

// upgradeResponse renders the 101 Switching Protocols response for the
// hijacked connection.
func upgradeResponse(key string) []byte {
	var b strings.Builder
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Sec-WebSocket-Accept: ")
	b.WriteString(AcceptKey(key))
	b.WriteString("\r\n\r\n")
	return []byte(b.String())
}
