package cache

import (
	"fmt"
	"strings"
)

// Key identifies a cached response by the normalized query name, type, and
// class. It is a plain comparable struct so it can be used directly as a map
// key without a hand-rolled string format.
type Key struct {
	Name   string
	Qtype  uint16
	Qclass uint16
}

// NormalizeName lowercases a DNS name and strips a single trailing dot, the
// normalization the handler applies before constructing a Key.
func NormalizeName(name string) string {
	name = strings.ToLower(name)
	return strings.TrimSuffix(name, ".")
}

// NewKey builds a Key from a raw (possibly FQDN, mixed-case) question name.
func NewKey(name string, qtype, qclass uint16) Key {
	return Key{Name: NormalizeName(name), Qtype: qtype, Qclass: qclass}
}
