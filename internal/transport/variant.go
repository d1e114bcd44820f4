// internal/transport/variant.go
package transport

import (
	"strings"

	"github.com/tamzrod/modbus-bridge/internal/faults"
)

// Transport names.
const (
	TransportTCP     = "tcp"
	TransportUDP     = "udp"
	TransportTLS     = "tls"
	TransportSerial  = "serial"
	TransportSungrow = "sungrow"
)

// Framing names.
const (
	FramingASCII  = "ascii"
	FramingRTU    = "rtu"
	FramingSocket = "socket"
	FramingTLS    = "tls"
)

// Variant is a resolved (transport, framing) pair.
type Variant struct {
	Transport string
	Framing   string
}

func (v Variant) String() string {
	return v.Framing + "-over-" + v.Transport
}

var framings = map[string]struct{}{
	FramingASCII:  {},
	FramingRTU:    {},
	FramingSocket: {},
	FramingTLS:    {},
}

var defaultFraming = map[string]string{
	TransportTCP:     FramingSocket,
	TransportUDP:     FramingSocket,
	TransportTLS:     FramingTLS,
	TransportSerial:  FramingRTU,
	TransportSungrow: FramingSocket,
}

// dialers is the closed lookup table of supported variants.
var dialers = map[Variant]dialFunc{
	{TransportTCP, FramingSocket}:     dialGoburrowTCP,
	{TransportTCP, FramingRTU}:        dialSimonvetter("rtuovertcp"),
	{TransportUDP, FramingSocket}:     dialSimonvetter("udp"),
	{TransportUDP, FramingRTU}:        dialSimonvetter("rtuoverudp"),
	{TransportTLS, FramingTLS}:        dialSimonvetter("tcp+tls"),
	{TransportTLS, FramingSocket}:     dialSimonvetter("tcp+tls"),
	{TransportSerial, FramingRTU}:     dialGoburrowRTU,
	{TransportSerial, FramingASCII}:   dialGoburrowASCII,
	{TransportSungrow, FramingSocket}: dialSungrow,
}

// Resolve turns a variant string into a transport and framing.
// Accepted forms: "" (tcp), "<transport>", "<framing>-over-<transport>".
func Resolve(variant string) (Variant, error) {
	s := strings.ToLower(strings.TrimSpace(variant))
	if s == "" {
		return Variant{TransportTCP, FramingSocket}, nil
	}

	framing, transport, over := strings.Cut(s, "-over-")
	if !over {
		transport, framing = s, ""
	}

	def, ok := defaultFraming[transport]
	if !ok {
		return Variant{}, faults.Configf("unknown modbus client %q", transport)
	}
	if framing == "" {
		framing = def
	}
	if _, ok := framings[framing]; !ok {
		return Variant{}, faults.Configf("unknown modbus framer %q", framing)
	}

	v := Variant{Transport: transport, Framing: framing}
	if _, ok := dialers[v]; !ok {
		return Variant{}, faults.Configf("framer %q is not supported over %q", framing, transport)
	}
	return v, nil
}
