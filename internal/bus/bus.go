// internal/bus/bus.go
package bus

import (
	"errors"
	"strings"
)

// ErrNotConnected is returned when publishing before the bus is up.
var ErrNotConnected = errors.New("bus: not connected")

// Handler receives one message. Topics are full topics, prefix included.
type Handler func(topic string, payload []byte)

// Client is the exact contract the bridge uses.
// Adapters call their OnConnect hook after every (re)connect; subscriptions
// made before a reconnect are restored by the adapter.
type Client interface {
	Publish(topic string, payload []byte, retain bool) error
	Subscribe(topic string, h Handler) error
	Close() error
}

// Prefix normalizes a topic prefix so it always ends in '/'.
func Prefix(p string) string {
	if p == "" || strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}
