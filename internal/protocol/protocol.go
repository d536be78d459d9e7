package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeHello       = "HELLO"
	TypeWelcome     = "WELCOME"
	TypeCreateWorld = "CREATE_WORLD"
	TypeLoadWorld   = "LOAD_WORLD"
	TypeGoToRoom    = "GO_TO_ROOM"
	TypeLeaveRoom   = "LEAVE_ROOM"
	TypeUnload      = "UNLOAD"
	TypeMarker      = "MARKER"
	TypeState       = "STATE"
	TypeAck         = "ACK"
	TypeError       = "ERROR"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

// IsCommand reports whether typ is one of the world command messages.
func IsCommand(typ string) bool {
	switch typ {
	case TypeCreateWorld, TypeLoadWorld, TypeGoToRoom, TypeLeaveRoom, TypeUnload:
		return true
	}
	return false
}
