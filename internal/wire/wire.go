// Package wire implements the binary control-operation protocol described
// in the command table: one fixed-width frame per inbound request, decoded
// by Op and dispatched to the coordination core.
package wire

import (
	"encoding/binary"
	"errors"
)

// Group is the high byte of a command number, naming the registry (or the
// lounge/messaging groups) an operation belongs to.
type Group byte

const (
	GroupLounge    Group = 0x01
	GroupMessaging Group = 0x02
	GroupCall      Group = 0x03
	GroupRef       Group = 0x04
	GroupSkirmish  Group = 0x05
	GroupProperty  Group = 0x06
	GroupReactor   Group = 0x07
)

// Op is a full command number: high byte group, low byte operation within
// the group. Numbering is preserved exactly from the original ioctl table
// for wire compatibility.
type Op uint16

func op(g Group, n byte) Op { return Op(uint16(g)<<8 | uint16(n)) }

var (
	OpEnter        = op(GroupLounge, 0x01)
	OpKill         = op(GroupLounge, 0x02)
	OpEntrySetInfo = op(GroupLounge, 0x03)
	OpEntryGetInfo = op(GroupLounge, 0x04)

	OpSendMessage = op(GroupMessaging, 0x01)

	OpCallNew     = op(GroupCall, 0x01)
	OpCallExecute = op(GroupCall, 0x02)
	OpCallReturn  = op(GroupCall, 0x03)
	OpCallDestroy = op(GroupCall, 0x04)

	OpRefNew         = op(GroupRef, 0x01)
	OpRefDestroy     = op(GroupRef, 0x02)
	OpRefUp          = op(GroupRef, 0x03)
	OpRefUpGlobal    = op(GroupRef, 0x04)
	OpRefDown        = op(GroupRef, 0x05)
	OpRefDownGlobal  = op(GroupRef, 0x06)
	OpRefZeroLock    = op(GroupRef, 0x07)
	OpRefZeroTrylock = op(GroupRef, 0x08)
	OpRefUnlock      = op(GroupRef, 0x09)
	OpRefStat        = op(GroupRef, 0x0A)
	OpRefWatch       = op(GroupRef, 0x0B)
	OpRefInherit     = op(GroupRef, 0x0C)

	OpSkirmishNew     = op(GroupSkirmish, 0x01)
	OpSkirmishPrevail = op(GroupSkirmish, 0x02)
	OpSkirmishSwoop   = op(GroupSkirmish, 0x03)
	OpSkirmishDismiss = op(GroupSkirmish, 0x04)
	OpSkirmishDestroy = op(GroupSkirmish, 0x05)

	OpPropertyNew      = op(GroupProperty, 0x01)
	OpPropertyLease    = op(GroupProperty, 0x02)
	OpPropertyPurchase = op(GroupProperty, 0x03)
	OpPropertyCede     = op(GroupProperty, 0x04)
	OpPropertyHoldup   = op(GroupProperty, 0x05)
	OpPropertyDestroy  = op(GroupProperty, 0x06)

	OpReactorNew      = op(GroupReactor, 0x01)
	OpReactorAttach   = op(GroupReactor, 0x02)
	OpReactorDetach   = op(GroupReactor, 0x03)
	OpReactorDispatch = op(GroupReactor, 0x04)
	OpReactorDestroy  = op(GroupReactor, 0x05)
)

// Group returns the high byte of op.
func (o Op) Group() Group { return Group(o >> 8) }

// ErrShortFrame is returned by every decoder when the buffer is too small
// for the fixed-width fields the operation requires.
var ErrShortFrame = errors.New("wire: frame too short")

// Header is the fixed prefix of every inbound frame: the command number and
// the id of the entity it targets (0 when not applicable, e.g. Enter).
type Header struct {
	Op Op
	ID uint32
}

const headerSize = 2 + 4

// DecodeHeader reads the 6-byte frame header.
func DecodeHeader(buf []byte) (Header, []byte, error) {
	if len(buf) < headerSize {
		return Header{}, nil, ErrShortFrame
	}
	h := Header{
		Op: Op(binary.BigEndian.Uint16(buf[0:2])),
		ID: binary.BigEndian.Uint32(buf[2:6]),
	}
	return h, buf[headerSize:], nil
}

// EncodeHeader writes a 6-byte frame header.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, headerSize)
	binary.BigEndian.PutUint16(buf[0:2], uint16(h.Op))
	binary.BigEndian.PutUint32(buf[2:6], h.ID)
	return buf
}

// EnterRequest is the lounge "enter" payload.
type EnterRequest struct {
	APIMajor uint16
	APIMinor uint16
}

func DecodeEnter(buf []byte) (EnterRequest, error) {
	if len(buf) < 4 {
		return EnterRequest{}, ErrShortFrame
	}
	return EnterRequest{
		APIMajor: binary.BigEndian.Uint16(buf[0:2]),
		APIMinor: binary.BigEndian.Uint16(buf[2:4]),
	}, nil
}

func EncodeEnterReply(participantID uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, participantID)
	return buf
}

// KillRequest is the lounge "kill" payload.
type KillRequest struct {
	Target    uint32
	Signal    uint8
	TimeoutMs int32
}

func DecodeKill(buf []byte) (KillRequest, error) {
	if len(buf) < 9 {
		return KillRequest{}, ErrShortFrame
	}
	return KillRequest{
		Target:    binary.BigEndian.Uint32(buf[0:4]),
		Signal:    buf[4],
		TimeoutMs: int32(binary.BigEndian.Uint32(buf[5:9])),
	}, nil
}

// SendMessageRequest is the messaging "send-message" payload.
type SendMessageRequest struct {
	Recipient uint32
	MsgID     uint32
	Payload   []byte
}

func DecodeSendMessage(buf []byte) (SendMessageRequest, error) {
	if len(buf) < 12 {
		return SendMessageRequest{}, ErrShortFrame
	}
	size := binary.BigEndian.Uint32(buf[8:12])
	if uint32(len(buf)-12) < size {
		return SendMessageRequest{}, ErrShortFrame
	}
	return SendMessageRequest{
		Recipient: binary.BigEndian.Uint32(buf[0:4]),
		MsgID:     binary.BigEndian.Uint32(buf[4:8]),
		Payload:   buf[12 : 12+size],
	}, nil
}

// CallNewRequest is the call "new" payload: opaque handler+ctx.
type CallNewRequest struct {
	Fn  uint64
	Ctx uint64
}

func DecodeCallNew(buf []byte) (CallNewRequest, error) {
	if len(buf) < 16 {
		return CallNewRequest{}, ErrShortFrame
	}
	return CallNewRequest{
		Fn:  binary.BigEndian.Uint64(buf[0:8]),
		Ctx: binary.BigEndian.Uint64(buf[8:16]),
	}, nil
}

func EncodeCallNewReply(callID uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, callID)
	return buf
}

// CallExecuteRequest is the call "execute"/"execute2" payload.
type CallExecuteRequest struct {
	CallID  uint32
	Arg     uint32
	Ptr     uint32
	Oneway  bool
	Inline  []byte
}

func DecodeCallExecute(buf []byte) (CallExecuteRequest, error) {
	if len(buf) < 13 {
		return CallExecuteRequest{}, ErrShortFrame
	}
	req := CallExecuteRequest{
		CallID: binary.BigEndian.Uint32(buf[0:4]),
		Arg:    binary.BigEndian.Uint32(buf[4:8]),
		Ptr:    binary.BigEndian.Uint32(buf[8:12]),
		Oneway: buf[12] != 0,
	}
	if len(buf) > 13 {
		size := binary.BigEndian.Uint32(buf[13:17])
		if uint32(len(buf)-17) < size {
			return CallExecuteRequest{}, ErrShortFrame
		}
		req.Inline = buf[17 : 17+size]
	}
	return req, nil
}

func EncodeCallExecuteReply(retVal uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, retVal)
	return buf
}

// CallReturnRequest is the call "return" payload.
type CallReturnRequest struct {
	CallID uint32
	Serial uint32
	Val    uint32
}

func DecodeCallReturn(buf []byte) (CallReturnRequest, error) {
	if len(buf) < 12 {
		return CallReturnRequest{}, ErrShortFrame
	}
	return CallReturnRequest{
		CallID: binary.BigEndian.Uint32(buf[0:4]),
		Serial: binary.BigEndian.Uint32(buf[4:8]),
		Val:    binary.BigEndian.Uint32(buf[8:12]),
	}, nil
}

// RefWatchRequest is the ref "watch" payload.
type RefWatchRequest struct {
	ID       uint32
	CallID   uint32
	CallArg  uint32
}

func DecodeRefWatch(buf []byte) (RefWatchRequest, error) {
	if len(buf) < 12 {
		return RefWatchRequest{}, ErrShortFrame
	}
	return RefWatchRequest{
		ID:      binary.BigEndian.Uint32(buf[0:4]),
		CallID:  binary.BigEndian.Uint32(buf[4:8]),
		CallArg: binary.BigEndian.Uint32(buf[8:12]),
	}, nil
}

// RefInheritRequest is the ref "inherit" payload.
type RefInheritRequest struct {
	ID     uint32
	FromID uint32
}

func DecodeRefInherit(buf []byte) (RefInheritRequest, error) {
	if len(buf) < 8 {
		return RefInheritRequest{}, ErrShortFrame
	}
	return RefInheritRequest{
		ID:     binary.BigEndian.Uint32(buf[0:4]),
		FromID: binary.BigEndian.Uint32(buf[4:8]),
	}, nil
}

func EncodeStatReply(count int) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(count))
	return buf
}

// ReactorDispatchRequest is the reactor "dispatch" payload.
type ReactorDispatchRequest struct {
	ReactorID   uint32
	IncludeSelf bool
	Payload     []byte
}

func DecodeReactorDispatch(buf []byte) (ReactorDispatchRequest, error) {
	if len(buf) < 9 {
		return ReactorDispatchRequest{}, ErrShortFrame
	}
	size := binary.BigEndian.Uint32(buf[5:9])
	if uint32(len(buf)-9) < size {
		return ReactorDispatchRequest{}, ErrShortFrame
	}
	return ReactorDispatchRequest{
		ReactorID:   binary.BigEndian.Uint32(buf[0:4]),
		IncludeSelf: buf[4] != 0,
		Payload:     buf[9 : 9+size],
	}, nil
}

// MessageFrame encodes one delivered FIFO message: fixed header {kind,
// msg_id, size} followed by size payload bytes, per §4.1.
type MessageFrame struct {
	Kind    uint8
	MsgID   uint32
	Payload []byte
}

const messageFrameHeaderSize = 1 + 4 + 4

func EncodeMessageFrame(m MessageFrame) []byte {
	buf := make([]byte, messageFrameHeaderSize+len(m.Payload))
	buf[0] = m.Kind
	binary.BigEndian.PutUint32(buf[1:5], m.MsgID)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(m.Payload)))
	copy(buf[9:], m.Payload)
	return buf
}

// EncodeErrorReply is the wire encoding of a fusion.Error: one byte code plus a
// 4-byte entity id context.
func EncodeErrorReply(code uint8, entityID uint32) []byte {
	buf := make([]byte, 5)
	buf[0] = code
	binary.BigEndian.PutUint32(buf[1:5], entityID)
	return buf
}
