// Package idmap translates asset ids between a gateway's own id space and the
// central instance's shared namespace.
//
// Each gateway gets a fixed offset pair derived from the first two characters
// of its id. Inbound mapping shifts the first two characters of an asset id
// forward through a 62 symbol alphanumeric alphabet, outbound mapping shifts
// them back. The transform is pure, so nothing has to be persisted.
package idmap

import (
	"strings"
	"sync"
)

const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var alphabetSize = len(alphabet)

type offsets [2]int

// cache holds write-once offsets per gateway id.
var cache sync.Map

func offsetsFor(gatewayID string) offsets {
	if v, ok := cache.Load(gatewayID); ok {
		return v.(offsets)
	}
	var o offsets
	for i, r := range []rune(gatewayID) {
		if i > 1 {
			break
		}
		o[i] = int(r) % alphabetSize
	}
	v, _ := cache.LoadOrStore(gatewayID, o)
	return v.(offsets)
}

// Inbound maps an asset id reported by the gateway to its central id.
func Inbound(gatewayID, assetID string) string {
	return shift(gatewayID, assetID, 1)
}

// Outbound maps a central asset id back to the id the gateway knows.
func Outbound(gatewayID, assetID string) string {
	return shift(gatewayID, assetID, -1)
}

func shift(gatewayID, assetID string, sign int) string {
	if len(assetID) < 2 || gatewayID == "" {
		return assetID
	}
	o := offsetsFor(gatewayID)

	var b strings.Builder
	b.Grow(len(assetID))
	for i := 0; i < 2; i++ {
		b.WriteByte(rotate(assetID[i], sign*o[i]))
	}
	b.WriteString(assetID[2:])
	return b.String()
}

// rotate moves c by delta positions through the alphabet. Characters outside
// the alphabet are returned unchanged so the mapping stays reversible.
func rotate(c byte, delta int) byte {
	idx := strings.IndexByte(alphabet, c)
	if idx < 0 {
		return c
	}
	idx = ((idx+delta)%alphabetSize + alphabetSize) % alphabetSize
	return alphabet[idx]
}
