// Package session implements the Skylark connection engine: credential
// encoding for header-less transports, the WebSocket transport adapter,
// and the session state machine that multiplexes typed control messages
// with binary audio frames over one connection.
package session

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/skylark-voice/skylark/pkg/protocol"
)

// ErrMissingToken is returned when a connection is attempted without a
// bearer token. This is a precondition failure: it is reported before
// any transport is created and is never retried.
var ErrMissingToken = errors.New("session: bearer token is required")

// Credential identifies and authorises a connection. It is assembled
// once at startup and reused unchanged across reconnects.
type Credential struct {
	// Token is the externally supplied bearer token. Required.
	Token string

	// DeviceID is the stable MAC-address-shaped device identity.
	DeviceID string

	// ClientID is the stable per-installation UUID.
	ClientID string

	// ProtocolVersion is the negotiated wire protocol version.
	ProtocolVersion int
}

// Strategy selects how credentials reach the server. Browser-grade
// WebSocket clients cannot attach request headers, so each deployment
// picks whichever side channel its server accepts.
type Strategy string

const (
	// StrategyQuery embeds all credential fields as URL query
	// parameters.
	StrategyQuery Strategy = "query"

	// StrategySubprotocol encodes credentials as key.value tokens in
	// the Sec-WebSocket-Protocol negotiation field.
	StrategySubprotocol Strategy = "subprotocol"

	// StrategyHandshake sends a structured auth object as the first
	// payload after the transport opens.
	StrategyHandshake Strategy = "handshake"
)

// IsValid reports whether s is a recognised strategy.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyQuery, StrategySubprotocol, StrategyHandshake:
		return true
	}
	return false
}

// ConnectionDescriptor is everything a dialer needs to open an
// authenticated transport. Exactly one encoding is populated beyond the
// URL, depending on the strategy.
type ConnectionDescriptor struct {
	// URL is the WebSocket endpoint, including query credentials for
	// [StrategyQuery].
	URL string

	// Subprotocols carries the credential tokens for
	// [StrategySubprotocol]; empty otherwise.
	Subprotocols []string

	// AuthPayload is the in-band credential object for
	// [StrategyHandshake]; nil otherwise.
	AuthPayload *protocol.AuthPayload
}

// BuildConnection produces the connectable descriptor for serverURL and
// cred under the given strategy. It fails fast when the bearer token is
// missing — before any transport work happens.
func BuildConnection(serverURL string, cred Credential, strategy Strategy) (ConnectionDescriptor, error) {
	if strings.TrimSpace(cred.Token) == "" {
		return ConnectionDescriptor{}, ErrMissingToken
	}
	if !strategy.IsValid() {
		return ConnectionDescriptor{}, fmt.Errorf("session: unknown auth strategy %q", strategy)
	}

	u, err := url.Parse(serverURL)
	if err != nil {
		return ConnectionDescriptor{}, fmt.Errorf("session: parse server url: %w", err)
	}

	switch strategy {
	case StrategyQuery:
		q := u.Query()
		q.Set("authorization", "Bearer "+cred.Token)
		q.Set("protocol-version", strconv.Itoa(cred.ProtocolVersion))
		q.Set("device-id", cred.DeviceID)
		q.Set("client-id", cred.ClientID)
		u.RawQuery = q.Encode()
		return ConnectionDescriptor{URL: u.String()}, nil

	case StrategySubprotocol:
		return ConnectionDescriptor{
			URL:          u.String(),
			Subprotocols: EncodeSubprotocols(cred),
		}, nil

	default: // StrategyHandshake
		return ConnectionDescriptor{
			URL: u.String(),
			AuthPayload: &protocol.AuthPayload{
				Token:           cred.Token,
				DeviceID:        cred.DeviceID,
				ClientID:        cred.ClientID,
				ProtocolVersion: cred.ProtocolVersion,
			},
		}, nil
	}
}

// Subprotocol token keys. Each token is key.value; values are restricted
// to the RFC 6455 token alphabet, which excludes "=", "/" and ":". The
// bearer token is therefore carried as unpadded URL-safe base64 and the
// colons of the device id become hyphens.
const (
	subprotoAuth     = "auth"
	subprotoVersion  = "protocol-version"
	subprotoDeviceID = "device-id"
	subprotoClientID = "client-id"
)

// EncodeSubprotocols renders cred as subprotocol negotiation tokens.
func EncodeSubprotocols(cred Credential) []string {
	return []string{
		subprotoAuth + "." + base64.RawURLEncoding.EncodeToString([]byte(cred.Token)),
		subprotoVersion + "." + strconv.Itoa(cred.ProtocolVersion),
		subprotoDeviceID + "." + strings.ReplaceAll(cred.DeviceID, ":", "-"),
		subprotoClientID + "." + cred.ClientID,
	}
}

// DecodeSubprotocols restores a Credential from negotiation tokens,
// undoing the base64 and hyphen substitutions. Unrecognised tokens are
// ignored so servers can mix in their own.
func DecodeSubprotocols(tokens []string) (Credential, error) {
	var cred Credential
	for _, tok := range tokens {
		key, value, ok := strings.Cut(tok, ".")
		if !ok {
			continue
		}
		switch key {
		case subprotoAuth:
			raw, err := base64.RawURLEncoding.DecodeString(value)
			if err != nil {
				return Credential{}, fmt.Errorf("session: decode auth token: %w", err)
			}
			cred.Token = string(raw)
		case subprotoVersion:
			v, err := strconv.Atoi(value)
			if err != nil {
				return Credential{}, fmt.Errorf("session: decode protocol version: %w", err)
			}
			cred.ProtocolVersion = v
		case subprotoDeviceID:
			cred.DeviceID = strings.ReplaceAll(value, "-", ":")
		case subprotoClientID:
			cred.ClientID = value
		}
	}
	if cred.Token == "" {
		return Credential{}, ErrMissingToken
	}
	return cred, nil
}
