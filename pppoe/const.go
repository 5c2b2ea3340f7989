package pppoe

// PPPoECode is the wire code identifying a discovery packet's kind
// (PADI/PADO/PADR/PADS/PADT), RFC2516 section 5.
type PPPoECode uint8

// PPPoESessionID is the session identifier allocated during discovery.
// It's zero until a PADS has assigned one, and together with the
// peers' Ethernet addresses uniquely identifies a session.
type PPPoESessionID uint16

// PPPoETagType identifies one of the TLV tags that make up a
// discovery packet's payload.
type PPPoETagType uint16

const (
	PPPoECodePADI PPPoECode = 0x09
	PPPoECodePADO PPPoECode = 0x07
	PPPoECodePADR PPPoECode = 0x19
	PPPoECodePADS PPPoECode = 0x65
	PPPoECodePADT PPPoECode = 0xa7
)

var pppoeCodeNames = map[PPPoECode]string{
	PPPoECodePADI: "PADI",
	PPPoECodePADO: "PADO",
	PPPoECodePADR: "PADR",
	PPPoECodePADS: "PADS",
	PPPoECodePADT: "PADT",
}

// String provides a human-readable representation of PPPoECode.
func (code PPPoECode) String() string {
	if s, ok := pppoeCodeNames[code]; ok {
		return s
	}
	return "???"
}

// RFC2516 tag types.
const (
	PPPoETagTypeEOL              PPPoETagType = 0x0000
	PPPoETagTypeServiceName      PPPoETagType = 0x0101
	PPPoETagTypeACName           PPPoETagType = 0x0102
	PPPoETagTypeHostUniq         PPPoETagType = 0x0103
	PPPoETagTypeACCookie         PPPoETagType = 0x0104
	PPPoETagTypeVendorSpecific   PPPoETagType = 0x0105
	PPPoETagTypeRelaySessionID   PPPoETagType = 0x0110
	PPPoETagTypeServiceNameError PPPoETagType = 0x0201
	PPPoETagTypeACSystemError    PPPoETagType = 0x0202
	PPPoETagTypeGenericError     PPPoETagType = 0x0203
)

// PPPoETagTypeMaxPayload is the PPP-Max-Payload tag, RFC4638: a single
// 16-bit value in network byte order giving the requested/offered
// maximum PPP payload size.
const PPPoETagTypeMaxPayload PPPoETagType = 0x0120

// RFC4937 mpd discovery extensions.
const (
	PPPoETagTypeCredits     PPPoETagType = 0x0106
	PPPoETagTypeMetrics     PPPoETagType = 0x0107
	PPPoETagTypeSequenceNum PPPoETagType = 0x0108
	PPPoETagTypeHURL        PPPoETagType = 0x0111
	PPPoETagTypeMOTM        PPPoETagType = 0x0112
	PPPoETagTypeIPRouteAdd  PPPoETagType = 0x0121
)

var pppoeTagTypeNames = map[PPPoETagType]string{
	PPPoETagTypeEOL:              "End-Of-List",
	PPPoETagTypeServiceName:      "Service Name",
	PPPoETagTypeACName:           "AC Name",
	PPPoETagTypeHostUniq:         "Host Uniq",
	PPPoETagTypeACCookie:         "AC Cookie",
	PPPoETagTypeVendorSpecific:   "Vendor Specific",
	PPPoETagTypeRelaySessionID:   "Relay Session ID",
	PPPoETagTypeMaxPayload:       "PPP-Max-Payload",
	PPPoETagTypeServiceNameError: "Service Name Error",
	PPPoETagTypeACSystemError:    "AC System Error",
	PPPoETagTypeGenericError:     "Generic Error",
	PPPoETagTypeCredits:          "Credits",
	PPPoETagTypeMetrics:          "Metrics",
	PPPoETagTypeSequenceNum:      "Sequence Number",
	PPPoETagTypeHURL:             "HURL",
	PPPoETagTypeMOTM:             "MOTM",
	PPPoETagTypeIPRouteAdd:       "IP Route Add",
}

// String provides a human-readable representation of PPPoETagType.
func (typ PPPoETagType) String() string {
	if s, ok := pppoeTagTypeNames[typ]; ok {
		return s
	}
	return "Unknown"
}

// PPPoEVendorIDDSLForum is the vendor id carried by the DSL Forum's
// (TR-101) Vendor-Specific tag, conveying a DSL access loop's
// Agent-Circuit-ID and Agent-Remote-ID to the access concentrator.
const PPPoEVendorIDDSLForum uint32 = 0x00000de9

// Sub-TLV types carried within a DSL Forum Vendor-Specific tag's
// value, immediately after the 4-byte vendor id.
const (
	dslForumSubTypeAgentCircuitID uint8 = 1
	dslForumSubTypeAgentRemoteID  uint8 = 2
)

const (
	// ethFrameHeaderLen is the fixed-size portion of a discovery
	// frame: 12 bytes of Ethernet addresses, 2 bytes Ethertype, 1 byte
	// ver/type, 1 byte code, 2 bytes session id, 2 bytes payload length.
	ethFrameHeaderLen = 20
	// tagHeaderLen is a tag's fixed-size type+length prefix.
	tagHeaderLen = 4
	// maxAgentIDLength truncates Agent-Circuit-ID/Agent-Remote-ID
	// values, both when they are encoded into a sub-TLV and when they
	// are decoded from one. No terminator is written.
	maxAgentIDLength = 63
)
