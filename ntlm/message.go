// Package ntlm builds and parses the three NTLMSSP messages exchanged during
// NTLM proxy authentication, and implements the LM and NTLM v1 responses.
package ntlm

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Signature starts every NTLMSSP message.
var Signature = []byte("NTLMSSP\x00")

// Message types.
const (
	TypeNegotiate    uint32 = 1
	TypeChallenge    uint32 = 2
	TypeAuthenticate uint32 = 3
)

// Negotiate flags used by this package.
const (
	FlagNegotiateUnicode             uint32 = 0x00000001
	FlagNegotiateOEM                 uint32 = 0x00000002
	FlagRequestTarget                uint32 = 0x00000004
	FlagNegotiateNTLM                uint32 = 0x00000200
	FlagNegotiateDomainSupplied      uint32 = 0x00001000
	FlagNegotiateWorkstationSupplied uint32 = 0x00002000

	// NegotiateFlags is the flag word sent in every negotiate message (0x3203).
	NegotiateFlags = FlagNegotiateUnicode | FlagNegotiateOEM | FlagNegotiateNTLM |
		FlagNegotiateDomainSupplied | FlagNegotiateWorkstationSupplied
)

const (
	challengeHeaderLen    = 48
	versionLen            = 8
	negotiateHeaderLen    = 32
	authenticateHeaderLen = 64
	responseLen           = 24
)

// ErrTruncated is returned when a message ends before a declared field.
var ErrTruncated = errors.New("unexpected end of message")

// FormatError reports a byte of the fixed message header that did not match.
type FormatError struct {
	Offset   int
	Byte     byte
	Expected byte
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("unexpected byte at position %d: expected %q, found %q", e.Offset, e.Expected, e.Byte)
}

// AVID identifies a target info attribute.
type AVID uint16

// Target info attribute IDs.
const (
	AVEOL AVID = iota
	AVServerName
	AVDomainName
	AVDNSServerName
	AVDNSDomainName
	AVDNSTreeName
	AVTargetFlags
	AVTimestamp
	AVSingleHost
	AVSPNTargetName
	AVChannelBindings
)

var avNames = map[AVID]string{
	AVServerName:      "serverName",
	AVDomainName:      "domainName",
	AVDNSServerName:   "dnsServerName",
	AVDNSDomainName:   "dnsDomainName",
	AVDNSTreeName:     "dnsTreeName",
	AVTargetFlags:     "targetFlags",
	AVTimestamp:       "timestamp",
	AVSingleHost:      "singleHost",
	AVSPNTargetName:   "spnTargetName",
	AVChannelBindings: "channelBindings",
}

func (id AVID) String() string {
	if n, ok := avNames[id]; ok {
		return n
	}
	return fmt.Sprintf("AVID(%d)", uint16(id))
}

// AVPair is one entry of the target info list.
type AVPair struct {
	ID    AVID
	Value []byte
}

// Version is the optional OS version block of a challenge message.
type Version struct {
	Major uint8
	Minor uint8
	Build uint16
}

// ChallengeMessage is a decoded Type 2 message.
type ChallengeMessage struct {
	Flags           uint32
	ServerChallenge [8]byte
	Context         [8]byte
	TargetName      string
	// TargetInfo holds recognized attributes in wire order.
	TargetInfo []AVPair
	Version    *Version
	// Raw is the undecoded message.
	Raw []byte
}

// Unicode reports whether strings are exchanged as UTF-16LE.
func (m *ChallengeMessage) Unicode() bool {
	return unicodeFlags(m.Flags)
}

// Attribute returns the value of the first target info attribute with id.
func (m *ChallengeMessage) Attribute(id AVID) ([]byte, bool) {
	for _, av := range m.TargetInfo {
		if av.ID == id {
			return av.Value, true
		}
	}
	return nil, false
}

// AttributeString decodes a name attribute, which is always UTF-16LE.
func (m *ChallengeMessage) AttributeString(id AVID) (string, bool) {
	v, ok := m.Attribute(id)
	if !ok {
		return "", false
	}
	s, err := utf16String(v)
	if err != nil {
		return "", false
	}
	return s, true
}

// TargetFlags returns the target flags attribute.
func (m *ChallengeMessage) TargetFlags() (uint32, bool) {
	v, ok := m.Attribute(AVTargetFlags)
	if !ok || len(v) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(v), true
}

type securityBuffer struct {
	Length uint16
	Size   uint16
	Offset uint32
}

func readSecurityBuffer(b []byte) securityBuffer {
	return securityBuffer{
		Length: binary.LittleEndian.Uint16(b[0:2]),
		Size:   binary.LittleEndian.Uint16(b[2:4]),
		Offset: binary.LittleEndian.Uint32(b[4:8]),
	}
}

func (sb securityBuffer) present() bool {
	return sb.Length > 0 && sb.Size > 0
}

func (sb securityBuffer) slice(msg []byte) ([]byte, error) {
	end := uint64(sb.Offset) + uint64(sb.Length)
	if end > uint64(len(msg)) {
		return nil, ErrTruncated
	}
	return msg[sb.Offset:end], nil
}

func matchHeader(b []byte, msgType uint32) error {
	var want [12]byte
	copy(want[:], Signature)
	binary.LittleEndian.PutUint32(want[8:], msgType)
	for i, w := range want {
		if i >= len(b) {
			return ErrTruncated
		}
		if b[i] != w {
			return &FormatError{Offset: i, Byte: b[i], Expected: w}
		}
	}
	return nil
}

// ParseChallengeMessage decodes a Type 2 message. Target info attributes
// with an unknown ID are skipped.
func ParseChallengeMessage(b []byte) (*ChallengeMessage, error) {
	if err := matchHeader(b, TypeChallenge); err != nil {
		return nil, err
	}
	if len(b) < challengeHeaderLen {
		return nil, ErrTruncated
	}
	m := &ChallengeMessage{Raw: append([]byte(nil), b...)}
	targetName := readSecurityBuffer(b[12:20])
	m.Flags = binary.LittleEndian.Uint32(b[20:24])
	copy(m.ServerChallenge[:], b[24:32])
	copy(m.Context[:], b[32:40])
	targetInfo := readSecurityBuffer(b[40:48])

	// the version block sits between the header and the first payload
	if targetName.Offset > challengeHeaderLen {
		if len(b) < challengeHeaderLen+versionLen {
			return nil, ErrTruncated
		}
		m.Version = &Version{
			Major: b[48],
			Minor: b[49],
			Build: binary.LittleEndian.Uint16(b[50:52]),
		}
	}

	if targetName.present() {
		data, err := targetName.slice(b)
		if err != nil {
			return nil, errors.Wrap(err, "target name")
		}
		if m.TargetName, err = decodeString(data, m.Flags); err != nil {
			return nil, err
		}
	}
	if targetInfo.present() {
		data, err := targetInfo.slice(b)
		if err != nil {
			return nil, errors.Wrap(err, "target info")
		}
		if m.TargetInfo, err = parseTargetInfo(data); err != nil {
			return nil, errors.Wrap(err, "target info")
		}
	}
	return m, nil
}

func parseTargetInfo(b []byte) ([]AVPair, error) {
	var pairs []AVPair
	for len(b) > 0 {
		if len(b) < 4 {
			return nil, ErrTruncated
		}
		id := AVID(binary.LittleEndian.Uint16(b[0:2]))
		n := int(binary.LittleEndian.Uint16(b[2:4]))
		b = b[4:]
		if id == AVEOL && n == 0 {
			break
		}
		if n > len(b) {
			return nil, ErrTruncated
		}
		if _, known := avNames[id]; known {
			pairs = append(pairs, AVPair{ID: id, Value: append([]byte(nil), b[:n]...)})
		}
		b = b[n:]
	}
	return pairs, nil
}

type messageWriter struct {
	bytes.Buffer
}

func (w *messageWriter) uint16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.Write(b[:])
}

func (w *messageWriter) uint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

// securityBuffer writes a descriptor for n bytes at *offset and advances it.
func (w *messageWriter) securityBuffer(n int, offset *uint32) {
	w.uint16(uint16(n))
	w.uint16(uint16(n))
	w.uint32(*offset)
	*offset += uint32(n)
}

// NegotiateMessage builds a Type 1 message. Domain and workstation may be
// empty and are sent as ASCII.
func NegotiateMessage(domain, workstation string) []byte {
	d := oemBytes(domain)
	ws := oemBytes(workstation)
	w := &messageWriter{}
	w.Write(Signature)
	w.uint32(TypeNegotiate)
	w.uint32(NegotiateFlags)
	offset := uint32(negotiateHeaderLen)
	w.securityBuffer(len(d), &offset)
	w.securityBuffer(len(ws), &offset)
	w.Write(d)
	w.Write(ws)
	return w.Bytes()
}

// AuthenticateMessage builds a Type 3 message carrying the LM and NTLM v1
// responses to the server challenge in c.
func AuthenticateMessage(c *ChallengeMessage, username, password, domain, workstation string) ([]byte, error) {
	lmHash, err := LMHash(password)
	if err != nil {
		return nil, errors.Wrap(err, "lm hash")
	}
	ntHash, err := NTHash(password)
	if err != nil {
		return nil, errors.Wrap(err, "nt hash")
	}
	lmResp, err := ChallengeResponse(lmHash, c.ServerChallenge[:])
	if err != nil {
		return nil, errors.Wrap(err, "lm response")
	}
	ntResp, err := ChallengeResponse(ntHash, c.ServerChallenge[:])
	if err != nil {
		return nil, errors.Wrap(err, "ntlm response")
	}

	var fields [3][]byte
	for i, s := range []string{domain, username, workstation} {
		if fields[i], err = encodeString(s, c.Flags); err != nil {
			return nil, err
		}
	}
	d, u, ws := fields[0], fields[1], fields[2]

	w := &messageWriter{}
	w.Write(Signature)
	w.uint32(TypeAuthenticate)
	offset := uint32(authenticateHeaderLen)
	w.securityBuffer(responseLen, &offset)
	w.securityBuffer(responseLen, &offset)
	w.securityBuffer(len(d), &offset)
	w.securityBuffer(len(u), &offset)
	w.securityBuffer(len(ws), &offset)
	w.securityBuffer(0, &offset) // session key
	w.uint32(c.Flags)
	w.Write(lmResp)
	w.Write(ntResp)
	w.Write(d)
	w.Write(u)
	w.Write(ws)
	return w.Bytes(), nil
}
