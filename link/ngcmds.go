package link

// PPPoE node control commands, mirroring the NGM_PPPOE_* enum from
// FreeBSD's sys/netgraph/ng_pppoe.h. These are sent and received
// through an ngctl.Conn using ngctl.CookiePPPoE as the message's type
// cookie; anything tagged with a different cookie is not a PPPoE node
// message and is rejected before it ever reaches this table (see
// router.go's handleControl).
const (
	pppoeCmdConnect uint32 = iota + 1
	pppoeCmdListen
	pppoeCmdOffer
	pppoeCmdService
	pppoeCmdSuccess
	pppoeCmdFail
	pppoeCmdClose
	pppoeCmdSetMaxPayload
	pppoeCmdACName
	pppoeCmdSessionID
	pppoeCmdHURL
	pppoeCmdMOTM
)

func pppoeCmdString(cmd uint32) string {
	switch cmd {
	case pppoeCmdConnect:
		return "CONNECT"
	case pppoeCmdListen:
		return "LISTEN"
	case pppoeCmdOffer:
		return "OFFER"
	case pppoeCmdService:
		return "SERVICE"
	case pppoeCmdSuccess:
		return "SUCCESS"
	case pppoeCmdFail:
		return "FAIL"
	case pppoeCmdClose:
		return "CLOSE"
	case pppoeCmdSetMaxPayload:
		return "SETMAXP"
	case pppoeCmdACName:
		return "ACNAME"
	case pppoeCmdSessionID:
		return "SESSIONID"
	case pppoeCmdHURL:
		return "HURL"
	case pppoeCmdMOTM:
		return "MOTM"
	default:
		return "UNKNOWN"
	}
}
