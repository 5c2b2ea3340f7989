package pppoe

import (
	"encoding/binary"
	"fmt"
)

// discoveryEtherType is the Ethernet type carried by PPPoE discovery
// frames (RFC2516 section 4).
const discoveryEtherType uint16 = 0x8863

// PPPoETag is a TLV carried in a discovery packet's payload.
type PPPoETag struct {
	Type PPPoETagType
	Data []byte
}

// PPPoEPacket is a decoded PPPoE discovery packet: PADI, PADO, PADR,
// PADS or PADT.
type PPPoEPacket struct {
	// SrcHWAddr is the Ethernet address of the packet's sender.
	SrcHWAddr [6]byte
	// DstHWAddr is the Ethernet address of the packet's recipient.
	DstHWAddr [6]byte
	// Code identifies the kind of packet, RFC2516 section 5.
	Code PPPoECode
	// SessionID is the allocated session id, zero until a PADS has
	// assigned one.
	SessionID PPPoESessionID
	Tags      []*PPPoETag
}

func formatHWAddr(addr [6]byte) string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		addr[0], addr[1], addr[2], addr[3], addr[4], addr[5])
}

// String provides a human-readable representation of PPPoETag.
//
// Tags the RFC defines as carrying a string are rendered as such; all
// others are dumped as raw bytes.
func (tag *PPPoETag) String() string {
	switch tag.Type {
	case PPPoETagTypeServiceName, PPPoETagTypeACName, PPPoETagTypeServiceNameError,
		PPPoETagTypeACSystemError, PPPoETagTypeGenericError:
		return fmt.Sprintf("%v: %q", tag.Type, string(tag.Data))
	default:
		return fmt.Sprintf("%v: %#v", tag.Type, tag.Data)
	}
}

// String provides a human-readable representation of PPPoEPacket.
func (packet *PPPoEPacket) String() string {
	s := fmt.Sprintf("%s: src %s, dst %s, session %v, tags:",
		packet.Code, formatHWAddr(packet.SrcHWAddr), formatHWAddr(packet.DstHWAddr), packet.SessionID)
	for _, tag := range packet.Tags {
		s += fmt.Sprintf(" %s,", tag)
	}
	return s
}

var broadcastHWAddr = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// NewPADI builds a PADI with the RFC-mandated service name tag. PADI
// kicks off discovery and is always sent to the broadcast address;
// clients willing to accept any service should pass an empty name.
func NewPADI(sourceHWAddr [6]byte, serviceName string) (*PPPoEPacket, error) {
	packet := &PPPoEPacket{SrcHWAddr: sourceHWAddr, DstHWAddr: broadcastHWAddr, Code: PPPoECodePADI}
	if err := packet.AddServiceNameTag(serviceName); err != nil {
		return nil, err
	}
	return packet, nil
}

// NewPADO builds an access concentrator's response to a client's
// PADI, carrying the RFC-mandated service name and AC name tags.
func NewPADO(sourceHWAddr, destHWAddr [6]byte, serviceName, acName string) (*PPPoEPacket, error) {
	packet := &PPPoEPacket{SrcHWAddr: sourceHWAddr, DstHWAddr: destHWAddr, Code: PPPoECodePADO}
	if err := packet.AddServiceNameTag(serviceName); err != nil {
		return nil, err
	}
	if err := packet.AddACNameTag(acName); err != nil {
		return nil, err
	}
	return packet, nil
}

// NewPADR builds a client's request for a specific service, naming
// the service the access concentrator offered in its PADO.
func NewPADR(sourceHWAddr, destHWAddr [6]byte, serviceName string) (*PPPoEPacket, error) {
	packet := &PPPoEPacket{SrcHWAddr: sourceHWAddr, DstHWAddr: destHWAddr, Code: PPPoECodePADR}
	if err := packet.AddServiceNameTag(serviceName); err != nil {
		return nil, err
	}
	return packet, nil
}

// NewPADS builds an access concentrator's response to a PADR,
// completing discovery. A zero session id signals failure, in which
// case the caller should append a PPPoETagTypeServiceNameError tag to
// the returned packet; a non-zero id signals success.
func NewPADS(sourceHWAddr, destHWAddr [6]byte, serviceName string, sid PPPoESessionID) (*PPPoEPacket, error) {
	packet := &PPPoEPacket{SrcHWAddr: sourceHWAddr, DstHWAddr: destHWAddr, Code: PPPoECodePADS, SessionID: sid}
	if err := packet.AddServiceNameTag(serviceName); err != nil {
		return nil, err
	}
	return packet, nil
}

// NewPADT builds a session termination notice. Either peer may send
// one once a session is established.
func NewPADT(sourceHWAddr, destHWAddr [6]byte, sid PPPoESessionID) (*PPPoEPacket, error) {
	return &PPPoEPacket{SrcHWAddr: sourceHWAddr, DstHWAddr: destHWAddr, Code: PPPoECodePADT, SessionID: sid}, nil
}

func findTag(typ PPPoETagType, tags []*PPPoETag) (*PPPoETag, error) {
	for _, tag := range tags {
		if tag.Type == typ {
			return tag, nil
		}
	}
	return nil, fmt.Errorf("no tag %v found", typ)
}

// discoverySpec describes the shape RFC2516 requires of a given
// packet code: whether the session id must be zero, and which tags
// must be present.
type discoverySpec struct {
	zeroSessionID bool
	mandatoryTags []PPPoETagType
}

var discoverySpecs = map[PPPoECode]discoverySpec{
	PPPoECodePADI: {zeroSessionID: true, mandatoryTags: []PPPoETagType{PPPoETagTypeServiceName}},
	PPPoECodePADO: {zeroSessionID: true, mandatoryTags: []PPPoETagType{PPPoETagTypeServiceName, PPPoETagTypeACName}},
	PPPoECodePADR: {zeroSessionID: true, mandatoryTags: []PPPoETagType{PPPoETagTypeServiceName}},
	PPPoECodePADT: {zeroSessionID: false},
}

// padsSpec resolves PADS's two shapes: a zero session id reports
// failure and must carry a service-name-error tag, while a non-zero
// id reports success and must carry the service name.
func padsSpec(sessionID PPPoESessionID) discoverySpec {
	if sessionID == 0 {
		return discoverySpec{zeroSessionID: true, mandatoryTags: []PPPoETagType{PPPoETagTypeServiceNameError}}
	}
	return discoverySpec{zeroSessionID: false, mandatoryTags: []PPPoETagType{PPPoETagTypeServiceName}}
}

// Validate checks the packet against the shape RFC2516 requires for
// its code: the session id's zero/non-zero state and the presence of
// mandatory tags.
func (packet *PPPoEPacket) Validate() error {
	spec, ok := discoverySpecs[packet.Code]
	if !ok {
		if packet.Code != PPPoECodePADS {
			return fmt.Errorf("unrecognised packet code %v", packet.Code)
		}
		spec = padsSpec(packet.SessionID)
	}

	if spec.zeroSessionID && packet.SessionID != 0 {
		return fmt.Errorf("nonzero session ID in %v; must have zero", packet.Code)
	}
	if !spec.zeroSessionID && packet.SessionID == 0 {
		return fmt.Errorf("zero session ID in %v; must have nonzero", packet.Code)
	}

	if len(packet.Tags) < len(spec.mandatoryTags) {
		return fmt.Errorf("expect minimum of %d tags in %v; only got %d",
			len(spec.mandatoryTags), packet.Code, len(packet.Tags))
	}
	for _, tagType := range spec.mandatoryTags {
		if _, err := findTag(tagType, packet.Tags); err != nil {
			return fmt.Errorf("missing mandatory tag %v in %v", tagType, packet.Code)
		}
	}
	return nil
}

// decodeTags walks a packet payload's TLVs, returning one PPPoETag
// per entry. A tag's declared length overrunning the buffer is a
// malformed-packet error, not a short read.
func decodeTags(payload []byte) ([]*PPPoETag, error) {
	var tags []*PPPoETag
	for len(payload) >= tagHeaderLen {
		typ := PPPoETagType(binary.BigEndian.Uint16(payload[0:2]))
		length := int(binary.BigEndian.Uint16(payload[2:4]))
		payload = payload[tagHeaderLen:]

		if length > len(payload) {
			return nil, fmt.Errorf("malformed tag: length %d exceeds buffer bounds of %d", length, len(payload))
		}
		tags = append(tags, &PPPoETag{Type: typ, Data: payload[:length:length]})
		payload = payload[length:]
	}
	return tags, nil
}

// decodedFrame is the fixed-size Ethernet+PPPoE header preceding a
// discovery packet's tag payload.
type decodedFrame struct {
	dstHWAddr, srcHWAddr [6]byte
	etherType            uint16
	code                 uint8
	sessionID            uint16
	payloadLen           uint16
}

func decodeFrameHeader(b []byte) (decodedFrame, error) {
	var f decodedFrame
	if len(b) < ethFrameHeaderLen {
		return f, fmt.Errorf("buffer of %d bytes too short for a discovery frame header", len(b))
	}
	copy(f.dstHWAddr[:], b[0:6])
	copy(f.srcHWAddr[:], b[6:12])
	f.etherType = binary.BigEndian.Uint16(b[12:14])
	// b[14] is the ver/type nibble pair, fixed at 0x11; not needed on decode.
	f.code = b[15]
	f.sessionID = binary.BigEndian.Uint16(b[16:18])
	f.payloadLen = binary.BigEndian.Uint16(b[18:20])
	return f, nil
}

var recognisedCodes = map[PPPoECode]bool{
	PPPoECodePADI: true, PPPoECodePADO: true, PPPoECodePADR: true,
	PPPoECodePADS: true, PPPoECodePADT: true,
}

func decodePacket(f decodedFrame, payload []byte) (*PPPoEPacket, error) {
	code := PPPoECode(f.code)
	if !recognisedCodes[code] {
		return nil, fmt.Errorf("unrecognised packet code %#x", f.code)
	}

	tags, err := decodeTags(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to parse packet tags: %v", err)
	}

	packet := &PPPoEPacket{
		SrcHWAddr: f.srcHWAddr,
		DstHWAddr: f.dstHWAddr,
		Code:      code,
		SessionID: PPPoESessionID(f.sessionID),
		Tags:      tags,
	}
	if err := packet.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate packet: %v", err)
	}
	return packet, nil
}

// ParsePacketBuffer decodes a raw received frame into the one or more
// PPPoE discovery packets it contains, skipping any frames that
// aren't discovery traffic.
func ParsePacketBuffer(b []byte) ([]*PPPoEPacket, error) {
	var packets []*PPPoEPacket
	for len(b) >= ethFrameHeaderLen {
		f, err := decodeFrameHeader(b)
		if err != nil {
			return nil, err
		}
		if int(f.payloadLen) > len(b)-ethFrameHeaderLen {
			return nil, fmt.Errorf("malformed packet: length %d exceeds buffer bounds of %d", f.payloadLen, len(b)-ethFrameHeaderLen)
		}
		payload := b[ethFrameHeaderLen : ethFrameHeaderLen+int(f.payloadLen)]

		if f.etherType == discoveryEtherType {
			packet, err := decodePacket(f, payload)
			if err != nil {
				return nil, fmt.Errorf("failed to parse packet: %v", err)
			}
			packets = append(packets, packet)
		}
		b = b[ethFrameHeaderLen+int(f.payloadLen):]
	}
	return packets, nil
}

func (packet *PPPoEPacket) appendTag(typ PPPoETagType, data []byte) error {
	packet.Tags = append(packet.Tags, &PPPoETag{Type: typ, Data: data})
	return nil
}

// GetTag returns the first tag on the packet matching typ.
func (packet *PPPoEPacket) GetTag(typ PPPoETagType) (*PPPoETag, error) {
	return findTag(typ, packet.Tags)
}

// AddServiceNameTag adds a service name tag. The name is arbitrary.
func (packet *PPPoEPacket) AddServiceNameTag(name string) error {
	return packet.appendTag(PPPoETagTypeServiceName, []byte(name))
}

// AddACNameTag adds an access concentrator name tag.
func (packet *PPPoEPacket) AddACNameTag(name string) error {
	return packet.appendTag(PPPoETagTypeACName, []byte(name))
}

// AddHostUniqTag adds a host-uniq tag: an opaque value the client
// uses to associate a PADO/PADS response with its PADI/PADR request.
func (packet *PPPoEPacket) AddHostUniqTag(hostUniq []byte) error {
	return packet.appendTag(PPPoETagTypeHostUniq, hostUniq)
}

// AddACCookieTag adds an access concentrator cookie tag, used by the
// AC to help defend against discovery-stage DoS, RFC2516.
func (packet *PPPoEPacket) AddACCookieTag(cookie []byte) error {
	return packet.appendTag(PPPoETagTypeACCookie, cookie)
}

// AddServiceNameErrorTag adds a service-name-error tag. reason may be
// empty, but should ideally explain why the request was denied.
func (packet *PPPoEPacket) AddServiceNameErrorTag(reason string) error {
	return packet.appendTag(PPPoETagTypeServiceNameError, []byte(reason))
}

// AddACSystemErrorTag adds an AC-system-error tag. reason may be
// empty, but should ideally explain the nature of the error.
func (packet *PPPoEPacket) AddACSystemErrorTag(reason string) error {
	return packet.appendTag(PPPoETagTypeACSystemError, []byte(reason))
}

// AddGenericErrorTag adds a generic-error tag. reason may be empty,
// but should ideally explain the nature of the error.
func (packet *PPPoEPacket) AddGenericErrorTag(reason string) error {
	return packet.appendTag(PPPoETagTypeGenericError, []byte(reason))
}

// AddTag adds an arbitrary tag; the caller is responsible for data
// matching what typ expects.
func (packet *PPPoEPacket) AddTag(typ PPPoETagType, data []byte) error {
	return packet.appendTag(typ, data)
}

func encodeTag(typ PPPoETagType, data []byte) []byte {
	b := make([]byte, tagHeaderLen+len(data))
	binary.BigEndian.PutUint16(b[0:2], uint16(typ))
	binary.BigEndian.PutUint16(b[2:4], uint16(len(data)))
	copy(b[tagHeaderLen:], data)
	return b
}

func (packet *PPPoEPacket) encodeTags() []byte {
	var b []byte
	for _, tag := range packet.Tags {
		b = append(b, encodeTag(tag.Type, tag.Data)...)
	}
	return b
}

// ToBytes renders the packet to the byte slice a netgraph data socket
// expects. Callers should generally Validate a packet before encoding
// it, to catch RFC2516 violations before they hit the wire.
func (packet *PPPoEPacket) ToBytes() ([]byte, error) {
	tags := packet.encodeTags()
	if len(tags) > 0xffff {
		return nil, fmt.Errorf("encoded tag payload of %d bytes exceeds the 16-bit length field", len(tags))
	}

	b := make([]byte, ethFrameHeaderLen, ethFrameHeaderLen+len(tags))
	copy(b[0:6], packet.DstHWAddr[:])
	copy(b[6:12], packet.SrcHWAddr[:])
	binary.BigEndian.PutUint16(b[12:14], discoveryEtherType)
	b[14] = 0x11 // PPPoE version 1, type 1
	b[15] = byte(packet.Code)
	binary.BigEndian.PutUint16(b[16:18], uint16(packet.SessionID))
	binary.BigEndian.PutUint16(b[18:20], uint16(len(tags)))
	return append(b, tags...), nil
}

// AddMaxPayloadTag adds a PPP-Max-Payload tag (RFC4638), advertising
// or requesting the given maximum PPP payload size.
func (packet *PPPoEPacket) AddMaxPayloadTag(maxPayload uint16) error {
	data := make([]byte, 2)
	binary.BigEndian.PutUint16(data, maxPayload)
	return packet.appendTag(PPPoETagTypeMaxPayload, data)
}

// GetMaxPayload returns the value carried by the packet's
// PPP-Max-Payload tag, if present.
func (packet *PPPoEPacket) GetMaxPayload() (uint16, error) {
	tag, err := findTag(PPPoETagTypeMaxPayload, packet.Tags)
	if err != nil {
		return 0, err
	}
	if len(tag.Data) != 2 {
		return 0, fmt.Errorf("malformed PPP-Max-Payload tag: expect 2 bytes of data, got %d", len(tag.Data))
	}
	return binary.BigEndian.Uint16(tag.Data), nil
}

// AddVendorSpecificTag adds a Vendor-Specific tag: a 4-byte vendor id
// followed by opaque vendor-defined data.
func (packet *PPPoEPacket) AddVendorSpecificTag(vendorID uint32, data []byte) error {
	value := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(value, vendorID)
	copy(value[4:], data)
	return packet.appendTag(PPPoETagTypeVendorSpecific, value)
}

// FindVendorTag searches the packet for a Vendor-Specific tag
// carrying vendorID, returning the vendor-defined data that follows
// the 4-byte vendor id.
func (packet *PPPoEPacket) FindVendorTag(vendorID uint32) ([]byte, error) {
	for _, tag := range packet.Tags {
		if tag.Type != PPPoETagTypeVendorSpecific || len(tag.Data) < 4 {
			continue
		}
		if binary.BigEndian.Uint32(tag.Data[0:4]) == vendorID {
			return tag.Data[4:], nil
		}
	}
	return nil, fmt.Errorf("no vendor-specific tag found for vendor id 0x%08x", vendorID)
}

func truncateAgentID(s string) string {
	if len(s) > maxAgentIDLength {
		return s[:maxAgentIDLength]
	}
	return s
}

// encodeDSLForumSubTLV renders one DSL Forum sub-TLV: a 1-byte
// sub-type, a 1-byte length holding the exact byte length of the
// (possibly truncated) value, followed by the value itself. There is
// no terminator on the wire.
func encodeDSLForumSubTLV(subType uint8, value string) []byte {
	value = truncateAgentID(value)
	b := make([]byte, 0, 2+len(value))
	b = append(b, subType, byte(len(value)))
	return append(b, value...)
}

// AddDSLForumTag adds a DSL Forum (TR-101) Vendor-Specific tag
// carrying the access loop's Agent-Circuit-ID and Agent-Remote-ID.
// Either value may be empty, omitting its sub-TLV; if both are empty
// no tag is added at all.
func (packet *PPPoEPacket) AddDSLForumTag(circuitID, remoteID string) error {
	var value []byte
	if circuitID != "" {
		value = append(value, encodeDSLForumSubTLV(dslForumSubTypeAgentCircuitID, circuitID)...)
	}
	if remoteID != "" {
		value = append(value, encodeDSLForumSubTLV(dslForumSubTypeAgentRemoteID, remoteID)...)
	}
	if len(value) == 0 {
		return nil
	}
	return packet.AddVendorSpecificTag(PPPoEVendorIDDSLForum, value)
}

// GetDSLForumTag extracts the Agent-Circuit-ID and Agent-Remote-ID
// carried by the packet's DSL Forum Vendor-Specific tag, if present.
// A sub-TLV whose declared length overruns the remaining bytes stops
// the walk where the corruption starts rather than failing outright,
// matching the tolerance of the original access concentrator.
func (packet *PPPoEPacket) GetDSLForumTag() (circuitID, remoteID string) {
	data, err := packet.FindVendorTag(PPPoEVendorIDDSLForum)
	if err != nil {
		return "", ""
	}
	for len(data) >= 2 {
		subType, subLen := data[0], int(data[1])
		if subLen > len(data)-2 {
			break
		}
		value := truncateAgentID(string(data[2 : 2+subLen]))
		switch subType {
		case dslForumSubTypeAgentCircuitID:
			circuitID = value
		case dslForumSubTypeAgentRemoteID:
			remoteID = value
		}
		data = data[2+subLen:]
	}
	return circuitID, remoteID
}

func (packet *PPPoEPacket) vendorTagIsDSLForum(tag *PPPoETag) (circuitID, remoteID string, ok bool) {
	if len(tag.Data) < 4 || binary.BigEndian.Uint32(tag.Data[0:4]) != PPPoEVendorIDDSLForum {
		return "", "", false
	}
	circuitID, remoteID = packet.GetDSLForumTag()
	return circuitID, remoteID, true
}

// Print writes a human-readable dump of the packet via logf: a header
// line with its code and session id, then one line per tag, echoing the original access concentrator's
// diagnostic tag printer: strings render as strings, the DSL Forum
// tag decodes to its circuit/remote id fields, everything else dumps
// as raw bytes.
//
// Service-Name-Error is only reported when it actually carries a
// message: a zero-length value means no error was reported, not an
// anonymous one.
func (packet *PPPoEPacket) Print(logf func(format string, args ...interface{})) {
	logf("%v: session %v", packet.Code, packet.SessionID)
	for _, tag := range packet.Tags {
		switch tag.Type {
		case PPPoETagTypeServiceNameError:
			if len(tag.Data) > 0 {
				logf("  %v: %s", tag.Type, string(tag.Data))
			}
		case PPPoETagTypeVendorSpecific:
			if circuitID, remoteID, ok := packet.vendorTagIsDSLForum(tag); ok {
				logf("  %v: circuit-id=%q remote-id=%q", tag.Type, circuitID, remoteID)
			} else {
				logf("  %v: %#v", tag.Type, tag.Data)
			}
		case PPPoETagTypeMaxPayload:
			if len(tag.Data) == 2 {
				logf("  %v: %d", tag.Type, binary.BigEndian.Uint16(tag.Data))
			} else {
				logf("  %v: %#v", tag.Type, tag.Data)
			}
		default:
			logf("  %v", tag)
		}
	}
}
