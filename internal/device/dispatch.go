package device

import (
	"context"

	"github.com/fusionkit/fusiond/internal/fusion"
	"github.com/fusionkit/fusiond/internal/wire"
)

// dispatch decodes one control frame and drives the matching fusion.World
// operation, replying with the frame's header echoed back plus either the
// operation's reply payload or an encoded error. A frame whose header or
// request body is too short to decode is dropped without a reply.
func (s *listener) dispatch(c *Conn, raw []byte) {
	hdr, body, err := wire.DecodeHeader(raw)
	if err != nil {
		return
	}

	if !c.ops.Allow() {
		s.reply(c, hdr, nil, fusion.CodeBusy, hdr.ID)
		return
	}

	if hdr.Op == wire.OpEnter {
		s.handleEnter(c, hdr, body)
		return
	}
	if c.world == nil {
		s.reply(c, hdr, nil, fusion.CodeNotEntered, 0)
		return
	}

	ctx := context.Background()
	w := c.world

	switch hdr.Op {
	case wire.OpKill:
		req, derr := wire.DecodeKill(body)
		if derr != nil {
			return
		}
		err = w.Kill(ctx, c.part, fusion.ParticipantID(req.Target), fusion.Signal(req.Signal), int64(req.TimeoutMs), func(target fusion.ParticipantID, sig fusion.Signal) {
			s.killTarget(w, target)
		})
		s.reply(c, hdr, nil, fusion.CodeOf(err), hdr.ID)

	case wire.OpSendMessage:
		req, derr := wire.DecodeSendMessage(body)
		if derr != nil {
			return
		}
		err = w.Send(c.part, fusion.ParticipantID(req.Recipient), req.MsgID, req.Payload)
		s.reply(c, hdr, nil, fusion.CodeOf(err), hdr.ID)

	case wire.OpRefNew:
		id := w.RefNew(c.id)
		s.reply(c, hdr, wire.EncodeCallNewReply(id), fusion.CodeOK, id)
	case wire.OpRefDestroy:
		err = w.RefDestroy(hdr.ID)
		s.reply(c, hdr, nil, fusion.CodeOf(err), hdr.ID)
	case wire.OpRefUp:
		err = w.RefUp(hdr.ID, c.part)
		s.reply(c, hdr, nil, fusion.CodeOf(err), hdr.ID)
	case wire.OpRefDown:
		err = w.RefDown(hdr.ID, c.part)
		s.reply(c, hdr, nil, fusion.CodeOf(err), hdr.ID)
	case wire.OpRefZeroLock:
		err = w.RefZeroLock(ctx, hdr.ID, c.part)
		s.reply(c, hdr, nil, fusion.CodeOf(err), hdr.ID)
	case wire.OpRefZeroTrylock:
		err = w.RefZeroTrylock(hdr.ID, c.part)
		s.reply(c, hdr, nil, fusion.CodeOf(err), hdr.ID)
	case wire.OpRefUnlock:
		err = w.RefUnlock(hdr.ID, c.part)
		s.reply(c, hdr, nil, fusion.CodeOf(err), hdr.ID)
	case wire.OpRefStat:
		count, rerr := w.RefStat(hdr.ID)
		if rerr != nil {
			s.reply(c, hdr, nil, fusion.CodeOf(rerr), hdr.ID)
			return
		}
		s.reply(c, hdr, wire.EncodeStatReply(count), fusion.CodeOK, hdr.ID)
	case wire.OpRefWatch:
		req, derr := wire.DecodeRefWatch(body)
		if derr != nil {
			return
		}
		err = w.RefWatch(hdr.ID, req.CallID, req.CallArg)
		s.reply(c, hdr, nil, fusion.CodeOf(err), hdr.ID)
	case wire.OpRefInherit:
		req, derr := wire.DecodeRefInherit(body)
		if derr != nil {
			return
		}
		err = w.RefInherit(hdr.ID, req.FromID)
		s.reply(c, hdr, nil, fusion.CodeOf(err), hdr.ID)

	case wire.OpSkirmishNew:
		id := w.SkirmishNew(c.id)
		s.reply(c, hdr, wire.EncodeCallNewReply(id), fusion.CodeOK, id)
	case wire.OpSkirmishPrevail:
		err = w.SkirmishPrevail(ctx, hdr.ID, c.part, c.thread)
		s.reply(c, hdr, nil, fusion.CodeOf(err), hdr.ID)
	case wire.OpSkirmishSwoop:
		err = w.SkirmishSwoop(hdr.ID, c.part, c.thread)
		s.reply(c, hdr, nil, fusion.CodeOf(err), hdr.ID)
	case wire.OpSkirmishDismiss:
		err = w.SkirmishDismiss(hdr.ID, c.part, c.thread)
		s.reply(c, hdr, nil, fusion.CodeOf(err), hdr.ID)
	case wire.OpSkirmishDestroy:
		err = w.SkirmishDestroy(hdr.ID)
		s.reply(c, hdr, nil, fusion.CodeOf(err), hdr.ID)

	case wire.OpPropertyNew:
		id := w.PropertyNew(c.id)
		s.reply(c, hdr, wire.EncodeCallNewReply(id), fusion.CodeOK, id)
	case wire.OpPropertyLease:
		err = w.PropertyLease(ctx, hdr.ID, c.part, c.thread)
		s.reply(c, hdr, nil, fusion.CodeOf(err), hdr.ID)
	case wire.OpPropertyPurchase:
		err = w.PropertyPurchase(ctx, hdr.ID, c.part, c.thread)
		s.reply(c, hdr, nil, fusion.CodeOf(err), hdr.ID)
	case wire.OpPropertyCede:
		err = w.PropertyCede(hdr.ID, c.part, c.thread)
		s.reply(c, hdr, nil, fusion.CodeOf(err), hdr.ID)
	case wire.OpPropertyHoldup:
		err = w.PropertyHoldup(hdr.ID, c.part, func(target fusion.ParticipantID, sig fusion.Signal) {
			s.killTarget(w, target)
		})
		s.reply(c, hdr, nil, fusion.CodeOf(err), hdr.ID)
	case wire.OpPropertyDestroy:
		err = w.PropertyDestroy(hdr.ID)
		s.reply(c, hdr, nil, fusion.CodeOf(err), hdr.ID)

	case wire.OpReactorNew:
		id := w.ReactorNew(c.id)
		s.reply(c, hdr, wire.EncodeCallNewReply(id), fusion.CodeOK, id)
	case wire.OpReactorAttach:
		err = w.ReactorAttach(hdr.ID, c.part)
		s.reply(c, hdr, nil, fusion.CodeOf(err), hdr.ID)
	case wire.OpReactorDetach:
		err = w.ReactorDetach(hdr.ID, c.part)
		s.reply(c, hdr, nil, fusion.CodeOf(err), hdr.ID)
	case wire.OpReactorDispatch:
		req, derr := wire.DecodeReactorDispatch(body)
		if derr != nil {
			return
		}
		err = w.ReactorDispatch(hdr.ID, c.part, req.IncludeSelf, req.Payload)
		s.reply(c, hdr, nil, fusion.CodeOf(err), hdr.ID)
	case wire.OpReactorDestroy:
		err = w.ReactorDestroy(hdr.ID)
		s.reply(c, hdr, nil, fusion.CodeOf(err), hdr.ID)

	case wire.OpCallNew:
		req, derr := wire.DecodeCallNew(body)
		if derr != nil {
			return
		}
		id := w.CallNew(c.part, fusion.Handler{Fn: req.Fn, Ctx: req.Ctx})
		s.reply(c, hdr, wire.EncodeCallNewReply(id), fusion.CodeOK, id)
	case wire.OpCallExecute:
		req, derr := wire.DecodeCallExecute(body)
		if derr != nil {
			return
		}
		val, cerr := w.CallExecute(ctx, req.CallID, c.part, c.thread, req.Arg, req.Ptr, req.Inline, req.Oneway)
		if cerr != nil {
			s.reply(c, hdr, nil, fusion.CodeOf(cerr), req.CallID)
			return
		}
		s.reply(c, hdr, wire.EncodeCallExecuteReply(val), fusion.CodeOK, req.CallID)
	case wire.OpCallReturn:
		req, derr := wire.DecodeCallReturn(body)
		if derr != nil {
			return
		}
		err = w.CallReturn(req.CallID, c.part, req.Serial, req.Val)
		s.reply(c, hdr, nil, fusion.CodeOf(err), req.CallID)
	case wire.OpCallDestroy:
		err = w.CallDestroy(ctx, hdr.ID, c.part)
		s.reply(c, hdr, nil, fusion.CodeOf(err), hdr.ID)
	}
}

func (s *listener) handleEnter(c *Conn, hdr wire.Header, body []byte) {
	req, err := wire.DecodeEnter(body)
	if err != nil {
		return
	}
	world, werr := s.manager.Open(c.minor, c.exclusive)
	if werr != nil {
		s.reply(c, hdr, nil, fusion.CodeOf(werr), 0)
		return
	}
	part, eerr := world.Enter(req.APIMajor, req.APIMinor, c.id)
	if eerr != nil {
		s.reply(c, hdr, nil, fusion.CodeOf(eerr), 0)
		return
	}
	c.world = world
	c.part = part
	c.thread = fusion.ThreadID(c.id)
	s.reply(c, hdr, wire.EncodeEnterReply(uint32(part)), fusion.CodeOK, uint32(part))

	go s.fifoDrain(context.Background(), c)
}

// killTarget force-closes the named participant's connection, standing in
// for a real signal delivery since fusiond is a daemon, not a kernel module.
func (s *listener) killTarget(w *fusion.World, target fusion.ParticipantID) {
	s.conns.Range(func(_, v any) bool {
		conn := v.(*Conn)
		if conn.world == w && conn.part == target {
			conn.close()
			return false
		}
		return true
	})
}

func (s *listener) reply(c *Conn, hdr wire.Header, payload []byte, code fusion.Code, entityID uint32) {
	out := wire.EncodeHeader(wire.Header{Op: hdr.Op, ID: hdr.ID})
	if code != fusion.CodeOK {
		out = append(out, wire.EncodeErrorReply(uint8(code), entityID)...)
	} else if payload != nil {
		out = append(out, payload...)
	}
	c.pushMessage(out, s.logger)
}
