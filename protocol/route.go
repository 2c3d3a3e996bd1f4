package protocol

import (
	"errors"
	"net/netip"
	"strconv"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrBadAddr is returned when an encoded socket address cannot be decoded.
var ErrBadAddr = errors.New("protocol: malformed socket address")

// EncodeAddr renders a socket address for the SocketAddr message fields.
func EncodeAddr(addr netip.AddrPort) []byte {
	if !addr.IsValid() {
		return nil
	}
	raw, _ := addr.MarshalBinary()
	return raw
}

// DecodeAddr is the inverse of EncodeAddr.
func DecodeAddr(raw []byte) (netip.AddrPort, error) {
	var addr netip.AddrPort
	if len(raw) == 0 {
		return addr, ErrBadAddr
	}
	if err := addr.UnmarshalBinary(raw); err != nil {
		return netip.AddrPort{}, ErrBadAddr
	}
	return addr, nil
}

// Route is the payload the server signs when it tells one peer how to reach
// another. Peers verify it with the server public key they already trust.
type Route struct {
	ID          string
	Pk          []byte
	SocketAddr  []byte
	RelayServer string
}

// Encode renders the route with the same wire rules as messages.
func (r Route) Encode() []byte {
	b := appendString(nil, 1, r.ID)
	b = appendBytes(b, 2, r.Pk)
	b = appendBytes(b, 3, r.SocketAddr)
	return appendString(b, 4, r.RelayServer)
}

// DecodeRoute parses an encoded route.
func DecodeRoute(b []byte) (Route, error) {
	var r Route
	err := walkFields(b, func(num protowire.Number, v field) error {
		switch num {
		case 1:
			r.ID = v.asString()
		case 2:
			r.Pk = v.asBytes()
		case 3:
			r.SocketAddr = v.asBytes()
		case 4:
			r.RelayServer = v.asString()
		}
		return nil
	})
	return r, err
}

// VersionNumber converts "1.2.3" (optionally the last path segment of a URL,
// optionally prefixed with "v") into a comparable integer. Missing or
// malformed components count as zero.
func VersionNumber(v string) int64 {
	v = strings.TrimSpace(v)
	if i := strings.LastIndex(v, "/"); i >= 0 {
		v = v[i+1:]
	}
	v = strings.TrimPrefix(strings.TrimPrefix(v, "v"), "V")
	var n int64
	parts := strings.SplitN(v, ".", 4)
	for i := 0; i < 3; i++ {
		var part int64
		if i < len(parts) {
			digits := parts[i]
			if end := strings.IndexFunc(digits, func(r rune) bool { return r < '0' || r > '9' }); end >= 0 {
				digits = digits[:end]
			}
			part, _ = strconv.ParseInt(digits, 10, 64)
		}
		n = n*1000 + part
	}
	return n
}
