package auth

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ForwardMode selects how the bearer credential rides on a websocket
// handshake.
type ForwardMode string

const (
	ForwardModeNone        ForwardMode = "none"
	ForwardModeQuery       ForwardMode = "query"
	ForwardModeHeader      ForwardMode = "header"
	ForwardModeSubprotocol ForwardMode = "subprotocol"
)

// TokenSubprotocolPrefix prefixes the credential when it is offered as a
// websocket subprotocol entry.
const TokenSubprotocolPrefix = "livelink-token."

var ErrMissingCredentials = errors.New("missing credentials")

func ParseForwardMode(raw string) (ForwardMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ForwardModeNone):
		return ForwardModeNone, nil
	case string(ForwardModeQuery), "":
		return ForwardModeQuery, nil
	case string(ForwardModeHeader):
		return ForwardModeHeader, nil
	case string(ForwardModeSubprotocol):
		return ForwardModeSubprotocol, nil
	default:
		return "", fmt.Errorf("invalid auth forward mode %q (expected %s, %s, %s, or %s)", raw,
			ForwardModeNone, ForwardModeQuery, ForwardModeHeader, ForwardModeSubprotocol)
	}
}

// Apply attaches token to an outgoing handshake. It may rewrite u's query and
// header, and returns extra subprotocols to offer.
func Apply(mode ForwardMode, token string, u *url.URL, header http.Header) []string {
	if token == "" {
		return nil
	}
	switch mode {
	case ForwardModeQuery:
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	case ForwardModeHeader:
		header.Set("Authorization", "Bearer "+token)
	case ForwardModeSubprotocol:
		return []string{TokenSubprotocolPrefix + token}
	}
	return nil
}

// CredentialFromRequest extracts a bearer credential from a handshake request
// using any of the forwarding modes.
func CredentialFromRequest(r *http.Request) (string, error) {
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") && strings.TrimSpace(token) != "" {
			return strings.TrimSpace(token), nil
		}
	}
	for _, proto := range websocketSubprotocols(r) {
		if token, ok := strings.CutPrefix(proto, TokenSubprotocolPrefix); ok && token != "" {
			return token, nil
		}
	}
	return "", ErrMissingCredentials
}

func websocketSubprotocols(r *http.Request) []string {
	var out []string
	for _, h := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(h, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// Redact shortens a credential for logging.
func Redact(token string) string {
	if len(token) <= 8 {
		return "[redacted]"
	}
	return token[:4] + "…[redacted]"
}
