package ocpp

// Version identifies the OCPP dialect negotiated for a connection. Values match
// the WebSocket subprotocol names registered with IANA.
type Version string

const (
	V16  Version = "ocpp1.6"
	V201 Version = "ocpp2.0.1"
	V21  Version = "ocpp2.1"
)

// IsV2 reports whether the dialect uses the 2.x message shapes
// (TransactionEvent, nested idToken, evseId addressing).
func (v Version) IsV2() bool {
	return v == V201 || v == V21
}

// ParseVersion maps a subprotocol string to a known Version.
func ParseVersion(s string) (Version, bool) {
	switch Version(s) {
	case V16, V201, V21:
		return Version(s), true
	}
	return "", false
}
