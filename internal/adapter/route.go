package adapter

import (
	"encoding/binary"

	"github.com/atmx/leverage-engine/internal/fault"
)

// RouteHeaderLen is the fixed prefix of a route blob: input mint, output
// mint, and a little-endian i64 expiry in unix seconds.
const RouteHeaderLen = 32 + 32 + 8

// RouteHeader is the verifiable part of an otherwise opaque route blob.
type RouteHeader struct {
	InToken    Token
	OutToken   Token
	ValidUntil int64
}

// EncodeRoute lays out header then payload.
func EncodeRoute(h RouteHeader, payload []byte) []byte {
	blob := make([]byte, RouteHeaderLen+len(payload))
	copy(blob[0:32], h.InToken[:])
	copy(blob[32:64], h.OutToken[:])
	binary.LittleEndian.PutUint64(blob[64:72], uint64(h.ValidUntil))
	copy(blob[RouteHeaderLen:], payload)
	return blob
}

// ParseRoute splits a route blob into header and payload.
func ParseRoute(blob []byte) (RouteHeader, []byte, error) {
	var h RouteHeader
	if len(blob) < RouteHeaderLen {
		return h, nil, fault.New(fault.InvalidRoute, "route blob is %d bytes, header needs %d", len(blob), RouteHeaderLen)
	}
	copy(h.InToken[:], blob[0:32])
	copy(h.OutToken[:], blob[32:64])
	h.ValidUntil = int64(binary.LittleEndian.Uint64(blob[64:72]))
	return h, blob[RouteHeaderLen:], nil
}

// CheckRoute parses blob and verifies it routes in to out and has not
// expired at now.
func CheckRoute(blob []byte, in, out Token, now int64) ([]byte, error) {
	h, payload, err := ParseRoute(blob)
	if err != nil {
		return nil, err
	}
	if h.InToken != in || h.OutToken != out {
		return nil, fault.New(fault.InvalidRoute, "route %s->%s does not match swap %s->%s", h.InToken, h.OutToken, in, out)
	}
	if h.ValidUntil < now {
		return nil, fault.New(fault.InvalidRoute, "route expired at %d, now %d", h.ValidUntil, now)
	}
	return payload, nil
}
