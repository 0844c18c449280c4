package ipc

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrMalformedMessage is returned when a decoded plaintext frame is too
// short to contain its declared tag byte and argument length.
var ErrMalformedMessage = errors.New("ipc: malformed message")

// CommandMessage is one client request: a Command plus its opaque,
// caller-defined argument encoding (e.g. a destination hash, a packet
// payload, or a path query's target hash).
type CommandMessage struct {
	Cmd  Command
	Args []byte
}

// EventMessage is one instance-pushed notification.
type EventMessage struct {
	Evt  Event
	Args []byte
}

// EncodeCommand serialises a CommandMessage as a single plaintext frame
// body: one tag byte followed by the raw argument bytes. The length is
// implicit in the frame this travels inside, so no further length prefix
// is needed here.
func EncodeCommand(m CommandMessage) []byte {
	out := make([]byte, 1+len(m.Args))
	out[0] = byte(m.Cmd)
	copy(out[1:], m.Args)
	return out
}

// DecodeCommand parses a plaintext frame body produced by EncodeCommand.
func DecodeCommand(data []byte) (CommandMessage, error) {
	if len(data) < 1 {
		return CommandMessage{}, ErrMalformedMessage
	}
	return CommandMessage{Cmd: Command(data[0]), Args: append([]byte(nil), data[1:]...)}, nil
}

// EncodeEvent serialises an EventMessage the same way EncodeCommand does.
func EncodeEvent(m EventMessage) []byte {
	out := make([]byte, 1+len(m.Args))
	out[0] = byte(m.Evt)
	copy(out[1:], m.Args)
	return out
}

// DecodeEvent parses a plaintext frame body produced by EncodeEvent.
func DecodeEvent(data []byte) (EventMessage, error) {
	if len(data) < 1 {
		return EventMessage{}, ErrMalformedMessage
	}
	return EventMessage{Evt: Event(data[0]), Args: append([]byte(nil), data[1:]...)}, nil
}

// encodeHashArg is a small helper used by the command argument encodings
// (path-query, register-destination) that carry just a single destination
// hash.
func encodeHashArg(hash []byte) []byte {
	out := make([]byte, 2+len(hash))
	binary.BigEndian.PutUint16(out, uint16(len(hash)))
	copy(out[2:], hash)
	return out
}

// decodeHashArg reverses encodeHashArg.
func decodeHashArg(data []byte) ([]byte, error) {
	if len(data) < 2 {
		return nil, ErrMalformedMessage
	}
	n := int(binary.BigEndian.Uint16(data))
	if len(data) < 2+n {
		return nil, ErrMalformedMessage
	}
	return append([]byte(nil), data[2:2+n]...), nil
}

// NewPathQueryCommand builds a CmdPathQuery command for destinationHash.
func NewPathQueryCommand(destinationHash []byte) CommandMessage {
	return CommandMessage{Cmd: CmdPathQuery, Args: encodeHashArg(destinationHash)}
}

// ParsePathQueryArgs extracts the destination hash from a CmdPathQuery
// command's arguments.
func ParsePathQueryArgs(args []byte) ([]byte, error) {
	return decodeHashArg(args)
}

// NewRegisterDestinationCommand builds a CmdRegisterDestination command
// for destinationHash.
func NewRegisterDestinationCommand(destinationHash []byte) CommandMessage {
	return CommandMessage{Cmd: CmdRegisterDestination, Args: encodeHashArg(destinationHash)}
}

// ParseRegisterDestinationArgs extracts the destination hash from a
// CmdRegisterDestination command's arguments.
func ParseRegisterDestinationArgs(args []byte) ([]byte, error) {
	return decodeHashArg(args)
}

// NewPacketInEvent builds an EvtPacketIn event carrying the raw packet.
func NewPacketInEvent(packet []byte) EventMessage {
	return EventMessage{Evt: EvtPacketIn, Args: append([]byte(nil), packet...)}
}

// NewLinkUpEvent builds an EvtLinkUp event carrying the link id.
func NewLinkUpEvent(linkID []byte) EventMessage {
	return EventMessage{Evt: EvtLinkUp, Args: encodeHashArg(linkID)}
}

// NewLinkDownEvent builds an EvtLinkDown event carrying the link id.
func NewLinkDownEvent(linkID []byte) EventMessage {
	return EventMessage{Evt: EvtLinkDown, Args: encodeHashArg(linkID)}
}

// NewResourceProgressEvent builds an EvtResourceProgress event carrying
// the link id a resource transfer is running over and its completion
// fraction: 1.0 on success, a negative value if the transfer was
// abandoned.
func NewResourceProgressEvent(linkID []byte, progress float64) EventMessage {
	hashArg := encodeHashArg(linkID)
	out := make([]byte, len(hashArg)+8)
	copy(out, hashArg)
	binary.BigEndian.PutUint64(out[len(hashArg):], math.Float64bits(progress))
	return EventMessage{Evt: EvtResourceProgress, Args: out}
}

// ParseResourceProgressArgs extracts the link id and completion fraction
// from an EvtResourceProgress event's arguments.
func ParseResourceProgressArgs(args []byte) (linkID []byte, progress float64, err error) {
	linkID, err = decodeHashArg(args)
	if err != nil {
		return nil, 0, err
	}
	n := int(binary.BigEndian.Uint16(args))
	rest := args[2+n:]
	if len(rest) < 8 {
		return nil, 0, ErrMalformedMessage
	}
	return linkID, math.Float64frombits(binary.BigEndian.Uint64(rest)), nil
}
