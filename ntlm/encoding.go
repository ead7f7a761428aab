package ntlm

import (
	"github.com/pkg/errors"
	"golang.org/x/text/encoding/unicode"
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

func utf16Bytes(s string) ([]byte, error) {
	b, err := utf16le.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, errors.Wrap(err, "utf-16 encode")
	}
	return b, nil
}

func utf16String(b []byte) (string, error) {
	s, err := utf16le.NewDecoder().Bytes(b)
	if err != nil {
		return "", errors.Wrap(err, "utf-16 decode")
	}
	return string(s), nil
}

// oemBytes encodes s as US-ASCII, replacing anything else with '?'.
func oemBytes(s string) []byte {
	b := make([]byte, 0, len(s))
	for _, r := range s {
		if r < 0x80 {
			b = append(b, byte(r))
		} else {
			b = append(b, '?')
		}
	}
	return b
}

// encodeString encodes s in the character width selected by flags.
func encodeString(s string, flags uint32) ([]byte, error) {
	if unicodeFlags(flags) {
		return utf16Bytes(s)
	}
	return oemBytes(s), nil
}

func decodeString(b []byte, flags uint32) (string, error) {
	if unicodeFlags(flags) {
		return utf16String(b)
	}
	return string(b), nil
}

// unicodeFlags reports whether the negotiated character set is UTF-16LE.
// A server offering both OEM and Unicode is answered in OEM.
func unicodeFlags(flags uint32) bool {
	return flags&(FlagNegotiateUnicode|FlagNegotiateOEM) == FlagNegotiateUnicode
}
