package identity

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
)

// Store keys for the two identity fields.
const (
	keyDeviceID = "device_id"
	keyClientID = "client_id"
)

// Identity is the stable pair presented to the server on every
// connection.
type Identity struct {
	// DeviceID is a 6-octet lowercase hex string joined by colons.
	DeviceID string

	// ClientID is a version-4 UUID identifying this installation.
	ClientID string
}

// Ensure returns the persisted identity, generating and storing both
// fields on first launch. These are identifiers, not secrets, so a
// plain PRNG is deliberate for the device id.
func Ensure(ctx context.Context, store *Store) (Identity, error) {
	deviceID, err := ensureValue(ctx, store, keyDeviceID, NewDeviceID)
	if err != nil {
		return Identity{}, err
	}
	clientID, err := ensureValue(ctx, store, keyClientID, uuid.NewString)
	if err != nil {
		return Identity{}, err
	}
	return Identity{DeviceID: deviceID, ClientID: clientID}, nil
}

func ensureValue(ctx context.Context, store *Store, key string, generate func() string) (string, error) {
	value, err := store.Get(ctx, key)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}
	value = generate()
	if err := store.Put(ctx, key, value); err != nil {
		return "", err
	}
	return value, nil
}

// NewDeviceID generates a MAC-address-shaped identifier: six random
// octets as colon-separated lowercase hex.
func NewDeviceID() string {
	parts := make([]string, 6)
	for i := range parts {
		parts[i] = fmt.Sprintf("%02x", rand.IntN(256))
	}
	return strings.Join(parts, ":")
}
