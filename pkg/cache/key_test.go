package cache

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeName_LowercasesAndStripsTrailingDot(t *testing.T) {
	assert.Equal(t, "example.com", NormalizeName("Example.COM."))
	assert.Equal(t, "example.com", NormalizeName("example.com"))
	assert.Equal(t, "", NormalizeName("."))
}

func TestNewKey_NormalizesNameOnly(t *testing.T) {
	k := NewKey("WWW.Example.com.", dns.TypeAAAA, dns.ClassINET)
	assert.Equal(t, Key{Name: "www.example.com", Qtype: dns.TypeAAAA, Qclass: dns.ClassINET}, k)
}

func TestNewKey_CaseAndTrailingDotInsensitiveEquality(t *testing.T) {
	a := NewKey("example.com.", dns.TypeA, dns.ClassINET)
	b := NewKey("EXAMPLE.COM", dns.TypeA, dns.ClassINET)
	assert.Equal(t, a, b)
}
