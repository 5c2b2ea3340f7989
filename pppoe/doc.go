/*
Package pppoe implements the PPPoE Active Discovery wire protocol,
RFC2516, RFC4638 and RFC4937, plus the DSL Forum (TR-101) Vendor-Specific
tag used to carry DSL access loop identification.

PPPoE discovery is a simple sequence of messages (PADI, PADO, PADR, PADS,
PADT) used to instantiate and tear down a PPPoE session over an Ethernet
link. This package provides encode/decode and validation for those
packets and their tags; it does not itself send or receive frames or
handle session data, which are the concern of the link package and the
kernel's PPPoE netgraph node respectively.

Usage

	# Note we're ignoring errors for brevity

	import (
		"fmt"
		"github.com/katalix/go-pppoe-link/pppoe"
	)

	// Build a PADI packet to kick off the discovery process.
	// Add a second service name tag indicating another service we're
	// interested in.
	var hwaddr [6]byte
	padi, _ := pppoe.NewPADI(hwaddr, "SuperBroadbandServiceName")
	padi.AddServiceNameTag("MegaBroadbandServiceName")

	// Encode the packet ready to hand off to the netgraph data socket
	// (see package ngctl).
	b, _ := padi.ToBytes()

	// Parse a frame received from that same socket back into PPPoE
	// packets.
	parsed, _ := pppoe.ParsePacketBuffer(b)
	fmt.Printf("received: %v\n", parsed[0])
*/
package pppoe
