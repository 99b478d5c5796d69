package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Errors
var (
	ErrMalformed      = errors.New("malformed packet")
	ErrUnknownChannel = errors.New("unknown channel")
)

// Envelope channel tags.
const (
	ChannelAuth = "set_auth_token" // gateway -> client, after identity resolution
	ChannelSend = "send"           // client -> gateway, and gateway -> gateway over the broker
	ChannelRoom = "room"           // client -> gateway, handed to the room table
)

// ConnID identifies one live connection. Issued by the registry, starting at 0.
type ConnID uint64

// String returns the decimal form used in directory keys and logs.
func (id ConnID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Packet is the routing envelope exchanged with clients and over the broker.
type Packet struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// AuthData is the payload of a set_auth_token packet.
type AuthData struct {
	Token string `json:"token"`
	ID    ConnID `json:"id"`
}

// Kind tags a Command variant.
type Kind string

const (
	KindSend Kind = ChannelSend
)

// Command is a routing-level instruction. Send is the only variant today;
// new kinds get their own channel tag and data layout.
type Command struct {
	Kind    Kind
	Target  ConnID
	Payload string
}

// Send builds a Send command.
func Send(target ConnID, payload string) Command {
	return Command{Kind: KindSend, Target: target, Payload: payload}
}

// sendWire is the data layout of a send packet.
type sendWire struct {
	Target  *ConnID `json:"target"`
	Payload string  `json:"payload"`
}

// Decode parses an envelope. The data field is kept opaque.
func Decode(raw []byte) (Packet, error) {
	var p Packet
	if err := json.Unmarshal(raw, &p); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.Channel == "" {
		return Packet{}, fmt.Errorf("%w: missing channel", ErrMalformed)
	}
	return p, nil
}

// Encode wraps data in an envelope for the given channel.
func Encode(channel string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s data: %w", channel, err)
	}
	return json.Marshal(Packet{Channel: channel, Data: raw})
}

// EncodeAuth builds the set_auth_token packet sent to a freshly identified client.
func EncodeAuth(token string, id ConnID) ([]byte, error) {
	return Encode(ChannelAuth, AuthData{Token: token, ID: id})
}

// EncodeCommand serializes a command as an envelope.
func EncodeCommand(cmd Command) ([]byte, error) {
	switch cmd.Kind {
	case KindSend:
		target := cmd.Target
		return Encode(ChannelSend, sendWire{Target: &target, Payload: cmd.Payload})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, cmd.Kind)
	}
}

// DecodeCommand parses a serialized command envelope.
func DecodeCommand(raw []byte) (Command, error) {
	p, err := Decode(raw)
	if err != nil {
		return Command{}, err
	}
	return p.Command()
}

// Command interprets the packet as a routing command.
// Returns ErrUnknownChannel for channels that do not carry a command.
func (p Packet) Command() (Command, error) {
	switch p.Channel {
	case ChannelSend:
		var w sendWire
		if err := json.Unmarshal(p.Data, &w); err != nil {
			return Command{}, fmt.Errorf("%w: send data: %v", ErrMalformed, err)
		}
		if w.Target == nil {
			return Command{}, fmt.Errorf("%w: send data: missing target", ErrMalformed)
		}
		return Send(*w.Target, w.Payload), nil
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownChannel, p.Channel)
	}
}
