package packet

// Type is the type of generic broker frame. Values follow the classic
// pub/sub control packet numbering so that MQTT framing maps 1:1
type Type byte

const (
	// RESERVED is a reserved value and should be considered an invalid frame type
	RESERVED Type = iota

	// CONNECT Client request to connect to broker
	//      Dir: Client to Server
	CONNECT

	// CONNACK Accept acknowledgement
	//      Dir: Server to Client
	CONNACK

	// PUBLISH Client to Server, or Server to Client. Publish message.
	PUBLISH

	// PUBACK Publish acknowledgment for QoS 1 messages.
	PUBACK

	// PUBREC Publish received for QoS 2 messages.
	// Assured delivery part 1.
	PUBREC

	// PUBREL Publish release for QoS 2 messages.
	// Assured delivery part 2.
	PUBREL

	// PUBCOMP Publish complete for QoS 2 messages.
	// Assured delivery part 3.
	PUBCOMP

	// SUBSCRIBE Client to Server. Client subscribe request.
	SUBSCRIBE

	// SUBACK Server to Client. Subscribe acknowledgement.
	SUBACK

	// UNSUBSCRIBE Client to Server. Unsubscribe request.
	UNSUBSCRIBE

	// UNSUBACK Server to Client. Unsubscribe acknowledgment.
	UNSUBACK

	// PINGREQ Client to Server. PING request.
	PINGREQ

	// PINGRESP Server to Client. PING response.
	PINGRESP

	// DISCONNECT Client to Server. Client is disconnecting.
	DISCONNECT

	typeMax
)

var typeName = [typeMax]string{
	"RESERVED",
	"CONNECT",
	"CONNACK",
	"PUBLISH",
	"PUBACK",
	"PUBREC",
	"PUBREL",
	"PUBCOMP",
	"SUBSCRIBE",
	"SUBACK",
	"UNSUBSCRIBE",
	"UNSUBACK",
	"PINGREQ",
	"PINGRESP",
	"DISCONNECT",
}

// Name of the frame type
func (t Type) Name() string {
	if t.Valid() || t == RESERVED {
		return typeName[t]
	}

	return "UNKNOWN"
}

func (t Type) String() string {
	return t.Name()
}

// Valid returns true for every type except RESERVED and out-of-range values
func (t Type) Valid() bool {
	return t > RESERVED && t < typeMax
}

// IsAck frame carries only an id
func (t Type) IsAck() bool {
	switch t {
	case PUBACK, PUBREC, PUBREL, PUBCOMP, UNSUBACK:
		return true
	}

	return false
}
