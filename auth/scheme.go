package auth

import "strings"

// Scheme is a proxy authentication scheme.
type Scheme int

const (
	SchemeUnknown Scheme = iota
	SchemeBasic
	SchemeDigest
	SchemeNTLM
)

func (s Scheme) String() string {
	switch s {
	case SchemeBasic:
		return "Basic"
	case SchemeDigest:
		return "Digest"
	case SchemeNTLM:
		return "NTLM"
	}
	return "Unknown"
}

// ParseScheme maps a scheme token to a Scheme, ignoring case.
func ParseScheme(name string) Scheme {
	switch strings.ToLower(name) {
	case "basic":
		return SchemeBasic
	case "digest":
		return SchemeDigest
	case "ntlm":
		return SchemeNTLM
	}
	return SchemeUnknown
}

// Preemptive reports whether s can be sent before the proxy challenged.
// Digest cannot because it needs the server nonce.
func (s Scheme) Preemptive() bool {
	return s == SchemeBasic || s == SchemeNTLM
}
