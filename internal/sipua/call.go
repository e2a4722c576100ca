package sipua

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icejuk/sipeksdk/internal/confbridge"
	"github.com/icejuk/sipeksdk/internal/engine"
	"github.com/icejuk/sipeksdk/internal/media"
)

var errNoSlot = errors.New("all call slots in use")

// call is one call slot.
type call struct {
	id          engine.CallID
	acc         engine.AccountID
	incoming    bool
	state       engine.CallState
	media       engine.MediaState
	status      int
	statusText  string
	connectedAt time.Time

	dlg      *dialog
	invite   *sip.Request          // initial INVITE, sent or received
	inviteTx sip.ServerTransaction // incoming INVITE awaiting a final response
	answered bool                  // a 2xx was sent or received
	canceled bool                  // CANCEL sent for our INVITE
	offer    remoteMedia           // peer offer of an incoming call
	replaces *call                 // call to end once this one is confirmed
	referrer *call                 // call whose REFER created this one

	sockets    *media.SocketPair
	stream     *media.Stream
	streaming  bool
	port       engine.Port
	localDir   string
	sdpID      uint64
	sdpVersion uint64
	reinviting bool

	transfer *transfer
}

// transfer tracks an outgoing REFER.
type transfer struct {
	stopped bool
}

func (c *call) active() bool {
	return c.state != engine.CallStateNull && c.state != engine.CallStateDisconnected
}

// newCallLocked takes the lowest free slot and sets up its media.
func (e *Engine) newCallLocked(acc engine.AccountID, incoming bool, state engine.CallState) (*call, error) {
	slot := -1
	for i, c := range e.calls {
		if c == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		return nil, errNoSlot
	}

	c := &call{
		id:         engine.CallID(slot),
		acc:        acc,
		incoming:   incoming,
		state:      state,
		port:       engine.InvalidPort,
		localDir:   dirSendRecv,
		sdpID:      rand.Uint64() >> 1,
		sdpVersion: 1,
	}
	if err := e.setupMedia(c); err != nil {
		return nil, err
	}
	e.calls[slot] = c
	return c, nil
}

func (e *Engine) setupMedia(c *call) error {
	pair, err := e.ports.Allocate()
	if err != nil {
		return err
	}

	id := c.id
	// Written before the stream starts; read only by its receive loop.
	port := engine.InvalidPort
	stream := media.NewStream(pair, media.StreamConfig{
		Codec: media.CodecPCMU,
		OnAudio: func(pcm []byte) {
			e.bridge.Forward(port, pcm)
		},
		OnDTMF: func(d rune) {
			e.emit(&engine.DTMFReceived{Call: id, Digit: d})
		},
	}, e.logger.With("call_id", id))

	port, err = e.bridge.Add(confbridge.KindCall, fmt.Sprintf("call %d", id), confbridge.SinkFunc(func(_ engine.Port, frame []byte) {
		stream.WriteFrame(frame)
	}))
	if err != nil {
		e.ports.Release(pair)
		return err
	}

	c.sockets, c.stream, c.port = pair, stream, port
	return nil
}

func (e *Engine) teardownMedia(c *call) {
	if c.stream != nil {
		c.stream.Stop()
		st := c.stream.Stats()
		e.logger.Debug("rtp stream stopped", "call_id", c.id, "rx", st.PacketsRx, "tx", st.PacketsTx, "dropped", st.Dropped)
		c.stream = nil
	}
	if c.port != engine.InvalidPort {
		if err := e.bridge.Remove(c.port); err != nil {
			e.logger.Warn("removing call port failed", "call_id", c.id, "port", c.port, "error", err)
		}
		c.port = engine.InvalidPort
	}
	if c.sockets != nil {
		e.ports.Release(c.sockets)
		c.sockets = nil
	}
}

// lookup returns the live call in slot id.
func (e *Engine) lookup(op string, id engine.CallID) (*call, error) {
	if err := e.requireStarted(op); err != nil {
		return nil, err
	}
	if id < 0 || int(id) >= len(e.calls) {
		return nil, engine.Invalid(op, "call %d out of range", id)
	}
	c := e.calls[id]
	if c == nil || !c.active() {
		return nil, engine.Stale(op, id)
	}
	return c, nil
}

func (e *Engine) setState(c *call, state engine.CallState, msg *engine.MessageInfo) {
	c.state = state
	e.emit(&engine.CallStateChanged{
		Call:           c.id,
		State:          state,
		LastStatus:     c.status,
		LastStatusText: c.statusText,
		Msg:            msg,
	})
}

func (e *Engine) setMedia(c *call, state engine.MediaState) {
	c.media = state
	e.emit(&engine.CallMediaStateChanged{Call: c.id, State: state, Port: c.port})
}

// disconnect ends c. The slot stays reserved until the handler has seen
// the Disconnected event, so a new call never reuses the handle early.
func (e *Engine) disconnect(c *call, code int, text string, dir engine.Direction) {
	if c.state == engine.CallStateDisconnected {
		return
	}
	e.teardownMedia(c)
	if c.dlg != nil {
		delete(e.dialogs, c.dlg.callID)
	}
	e.cancelTimersLocked(c.id)
	e.notifyReferrer(c, code, text)

	c.status, c.statusText = code, text
	c.state = engine.CallStateDisconnected
	c.media = engine.MediaNone
	e.logger.Info("call disconnected", "call_id", c.id, "status", code, "reason", text)

	ev := &engine.CallStateChanged{
		Call:           c.id,
		State:          engine.CallStateDisconnected,
		LastStatus:     code,
		LastStatusText: text,
	}
	if dir != engine.DirectionUnknown {
		ev.Msg = &engine.MessageInfo{Direction: dir, StatusCode: code, Reason: text}
	}
	e.emitThen(ev, func() { e.release(c) })
}

func (e *Engine) release(c *call) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if int(c.id) < len(e.calls) && e.calls[c.id] == c {
		e.calls[c.id] = nil
	}
}

// localSDP renders our session description for c in direction dir.
func (e *Engine) localSDP(c *call, dir string, codecs []media.Codec) ([]byte, error) {
	if c.stream == nil {
		return nil, errors.New("call has no media")
	}
	c.localDir = dir
	body, err := buildSDP(sdpParams{
		host:      e.cfg.ContactHost,
		port:      c.stream.LocalPort(),
		codecs:    codecs,
		direction: dir,
		sessionID: c.sdpID,
		version:   c.sdpVersion,
	})
	c.sdpVersion++
	return body, err
}

// startMedia applies the negotiated stream and reports media state.
func (e *Engine) startMedia(c *call, codec media.Codec, rm remoteMedia) {
	c.stream.SetCodec(codec)
	c.stream.SetRemote(rm.addr)
	if !c.streaming {
		c.stream.Start()
		c.streaming = true
	}
	state := engine.MediaActive
	if rm.hold() {
		state = engine.MediaRemoteHold
	}
	e.setMedia(c, state)
}

// MakeCall sends an INVITE from acc to uri.
func (e *Engine) MakeCall(acc engine.AccountID, uri string, headers []engine.Header) (engine.CallID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireStarted("make_call"); err != nil {
		return engine.InvalidCall, err
	}
	a, ok := e.accounts[acc]
	if !ok {
		return engine.InvalidCall, engine.Invalid("make_call", "unknown account %d", acc)
	}
	c, err := e.makeCallLocked("make_call", a, uri, headers)
	if err != nil {
		return engine.InvalidCall, err
	}
	return c.id, nil
}

func (e *Engine) makeCallLocked(op string, a *account, uri string, headers []engine.Header) (*call, error) {
	target, err := parseURI(uri)
	if err != nil {
		return nil, engine.Invalid(op, "%v", err)
	}
	codecs := e.enabledCodecs()
	if len(codecs) == 0 {
		return nil, engine.Invalid(op, "no codec enabled")
	}

	c, err := e.newCallLocked(a.id, false, engine.CallStateCalling)
	if err != nil {
		e.logger.Warn("cannot place call", "uri", uri, "error", err)
		return nil, engine.Rejected(op, engine.StatusInternalServerError, err)
	}

	c.dlg = &dialog{
		callID:    uuid.NewString(),
		local:     a.aor,
		localName: a.cfg.DisplayName,
		localTag:  newTag(),
		remote:    stripParams(target),
		target:    target,
		contact:   e.contactURI(a),
		proxy:     a.proxy,
		transport: a.transport,
	}
	body, err := e.localSDP(c, dirSendRecv, codecs)
	if err != nil {
		e.teardownMedia(c)
		e.calls[c.id] = nil
		return nil, engine.Rejected(op, engine.StatusInternalServerError, err)
	}

	req := c.dlg.request(sip.INVITE)
	addHeaders(req, headers)
	req.AppendHeader(sip.NewHeader("Allow", allowMethods))
	ct := sip.ContentTypeHeader(contentTypeSDP)
	req.AppendHeader(&ct)
	req.SetBody(body)
	c.invite = req
	e.dialogs[c.dlg.callID] = c

	e.logger.Info("placing call", "call_id", c.id, "account_id", a.id, "uri", uri)
	e.setState(c, engine.CallStateCalling, &engine.MessageInfo{Direction: engine.DirectionSent})

	e.wg.Add(1)
	go e.runInvite(e.ctx, c, req, a)
	return c, nil
}

// runInvite drives an outgoing INVITE transaction to its final response.
func (e *Engine) runInvite(ctx context.Context, c *call, req *sip.Request, a *account) {
	defer e.wg.Done()

	tx, err := e.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		e.logger.Error("sending invite failed", "call_id", c.id, "error", err)
		e.mu.Lock()
		e.disconnect(c, 503, "Service Unavailable", engine.DirectionUnknown)
		e.mu.Unlock()
		return
	}

	authTried := false
	for {
		var res *sip.Response
		select {
		case <-ctx.Done():
			tx.Terminate()
			return
		case <-tx.Done():
			tx.Terminate()
			e.mu.Lock()
			e.disconnect(c, 408, "Request Timeout", engine.DirectionUnknown)
			e.mu.Unlock()
			return
		case res = <-tx.Responses():
		}

		code := int(res.StatusCode)
		switch {
		case code == 100:
			continue

		case code < 200:
			e.mu.Lock()
			if c.state != engine.CallStateDisconnected {
				if tag := toTag(res); tag != "" {
					c.dlg.remoteTag = tag
				}
				c.status, c.statusText = code, res.Reason
				e.setState(c, engine.CallStateEarly, &engine.MessageInfo{Direction: engine.DirectionReceived, StatusCode: code, Reason: res.Reason})
			}
			e.mu.Unlock()

		case (code == 401 || code == 407) && !authTried && a.cfg.Password != "":
			authTried = true
			tx.Terminate()
			authReq, err := authorize(req, res, a.authUser(), a.cfg.Password)
			if err != nil {
				e.logger.Error("invite authentication failed", "call_id", c.id, "error", err)
				e.mu.Lock()
				e.disconnect(c, code, res.Reason, engine.DirectionReceived)
				e.mu.Unlock()
				return
			}
			tx, err = e.client.TransactionRequest(ctx, authReq,
				sipgo.ClientRequestIncreaseCSEQ,
				sipgo.ClientRequestAddVia,
			)
			if err != nil {
				e.logger.Error("sending authenticated invite failed", "call_id", c.id, "error", err)
				e.mu.Lock()
				e.disconnect(c, 503, "Service Unavailable", engine.DirectionUnknown)
				e.mu.Unlock()
				return
			}
			req = authReq
			e.mu.Lock()
			c.invite = authReq
			if cs := authReq.CSeq(); cs != nil {
				c.dlg.cseq = cs.SeqNo
			}
			if c.canceled {
				e.fire(buildCancel(authReq), nil, nil)
			}
			e.mu.Unlock()

		case code < 300:
			e.onAnswered(c, req, res)
			return

		default:
			e.mu.Lock()
			e.disconnect(c, code, res.Reason, engine.DirectionReceived)
			e.mu.Unlock()
			return
		}
	}
}

// onAnswered confirms an outgoing call on a 2xx.
func (e *Engine) onAnswered(c *call, req *sip.Request, res *sip.Response) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if rr := recordRoutes(res); len(rr) > 0 {
		slices.Reverse(rr)
		c.dlg.routes = rr
	}
	ack := buildACK(req, res)
	c.dlg.route(ack)
	if err := e.client.WriteRequest(ack); err != nil {
		e.logger.Error("sending ack failed", "call_id", c.id, "error", err)
	}
	if c.state == engine.CallStateDisconnected {
		return
	}

	c.answered = true
	if tag := toTag(res); tag != "" {
		c.dlg.remoteTag = tag
	}
	if contact := res.Contact(); contact != nil {
		c.dlg.target = *contact.Address.Clone()
	}

	if c.canceled {
		e.fire(c.dlg.request(sip.BYE), nil, nil)
		e.disconnect(c, 487, "Request Terminated", engine.DirectionSent)
		return
	}

	code := int(res.StatusCode)
	rm, err := parseSDP(res.Body())
	var codec media.Codec
	ok := false
	if err == nil {
		codec, ok = negotiate(rm.payloads, e.enabledCodecs())
	}
	if !ok {
		e.logger.Warn("answer has no usable media", "call_id", c.id, "error", err)
		bye := c.dlg.request(sip.BYE)
		bye.AppendHeader(sip.NewHeader("Reason", `SIP;cause=488;text="Not Acceptable Here"`))
		e.fire(bye, nil, nil)
		e.disconnect(c, 488, "Not Acceptable Here", engine.DirectionSent)
		return
	}

	msg := &engine.MessageInfo{Direction: engine.DirectionReceived, StatusCode: code, Reason: res.Reason}
	c.status, c.statusText = code, res.Reason
	e.setState(c, engine.CallStateConnecting, msg)
	c.connectedAt = time.Now()
	e.setState(c, engine.CallStateConfirmed, msg)
	e.startMedia(c, codec, rm)
	e.notifyReferrer(c, code, res.Reason)
	e.logger.Info("call confirmed", "call_id", c.id, "codec", codec.ID(), "remote_rtp", rm.addr.String())
}

// Hangup ends a call: CANCEL or BYE for our calls, a final response for
// unanswered incoming ones. Code zero picks the usual status.
func (e *Engine) Hangup(id engine.CallID, code int, reason string, headers []engine.Header) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.lookup("hangup", id)
	if err != nil {
		return err
	}
	e.hangupLocked(c, code, reason, headers)
	return nil
}

func (e *Engine) hangupLocked(c *call, code int, reason string, headers []engine.Header) {
	switch {
	case c.incoming && !c.answered:
		if code == 0 {
			code = engine.StatusDecline
		}
		if reason == "" {
			reason = reasonPhrase(code)
		}
		e.respondInvite(c, code, reason, headers, nil)
		e.disconnect(c, code, reason, engine.DirectionSent)

	case !c.incoming && !c.answered:
		if c.canceled {
			return
		}
		// The final response to the INVITE ends the call.
		c.canceled = true
		e.logger.Info("canceling call", "call_id", c.id)
		e.fire(buildCancel(c.invite), nil, nil)

	default:
		bye := c.dlg.request(sip.BYE)
		addHeaders(bye, headers)
		e.fire(bye, e.accounts[c.acc], nil)
		if code == 0 {
			code = engine.StatusOK
		}
		if reason == "" {
			reason = "Normal call clearing"
		}
		e.disconnect(c, code, reason, engine.DirectionSent)
	}
}

// Answer responds to an incoming call: 1xx for progress, 2xx to accept
// and 3xx-6xx to reject.
func (e *Engine) Answer(id engine.CallID, code int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.lookup("answer", id)
	if err != nil {
		return err
	}
	if !c.incoming || c.answered || c.inviteTx == nil {
		return engine.Invalid("answer", "call %d has no pending invite", id)
	}
	reason := reasonPhrase(code)

	switch {
	case code < 200:
		e.respondInvite(c, code, reason, nil, nil)
		if c.state != engine.CallStateEarly {
			c.status, c.statusText = code, reason
			e.setState(c, engine.CallStateEarly, &engine.MessageInfo{Direction: engine.DirectionSent, StatusCode: code, Reason: reason})
		}
		return nil

	case code < 300:
		return e.acceptLocked("answer", c, code, reason)

	default:
		e.respondInvite(c, code, reason, nil, nil)
		e.disconnect(c, code, reason, engine.DirectionSent)
		return nil
	}
}

// acceptLocked sends a 2xx with our SDP answer. The call is confirmed
// when the ACK arrives.
func (e *Engine) acceptLocked(op string, c *call, code int, reason string) error {
	codec, ok := negotiate(c.offer.payloads, e.enabledCodecs())
	if !ok {
		e.respondInvite(c, 488, "Not Acceptable Here", nil, nil)
		e.disconnect(c, 488, "Not Acceptable Here", engine.DirectionSent)
		return engine.Rejected(op, 488, errors.New("no common codec"))
	}
	body, err := e.localSDP(c, answerDirection(c.offer.direction), []media.Codec{codec})
	if err != nil {
		return engine.Rejected(op, engine.StatusInternalServerError, err)
	}
	e.respondInvite(c, code, reason, nil, body)
	c.answered = true
	c.status, c.statusText = code, reason
	e.setState(c, engine.CallStateConnecting, &engine.MessageInfo{Direction: engine.DirectionSent, StatusCode: code, Reason: reason})
	c.stream.SetCodec(codec)
	c.stream.SetRemote(c.offer.addr)
	return nil
}

// respondInvite answers the pending incoming INVITE of c.
func (e *Engine) respondInvite(c *call, code int, reason string, headers []engine.Header, body []byte) {
	if c.inviteTx == nil {
		return
	}
	res := sip.NewResponseFromRequest(c.invite, code, reason, body)
	if code >= 200 && code < 300 {
		res.AppendHeader(&sip.ContactHeader{Address: *c.dlg.contact.Clone()})
		res.AppendHeader(sip.NewHeader("Allow", allowMethods))
	}
	if body != nil {
		ct := sip.ContentTypeHeader(contentTypeSDP)
		res.AppendHeader(&ct)
	}
	addHeaders(res, headers)
	if err := c.inviteTx.Respond(res); err != nil {
		e.logger.Error("responding to invite failed", "call_id", c.id, "status", code, "error", err)
	}
	if code >= 200 {
		c.inviteTx = nil
	}
}

// SetHold puts a confirmed call on hold with a sendonly re-INVITE.
func (e *Engine) SetHold(id engine.CallID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.lookup("set_hold", id)
	if err != nil {
		return err
	}
	return e.reinviteLocked("set_hold", c, dirSendOnly)
}

// Reinvite refreshes the session. With unhold it also releases a local
// hold.
func (e *Engine) Reinvite(id engine.CallID, unhold bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.lookup("reinvite", id)
	if err != nil {
		return err
	}
	dir := c.localDir
	if unhold {
		dir = dirSendRecv
	}
	return e.reinviteLocked("reinvite", c, dir)
}

func (e *Engine) reinviteLocked(op string, c *call, dir string) error {
	if c.state != engine.CallStateConfirmed {
		return engine.Invalid(op, "call %d is not confirmed", c.id)
	}
	if c.reinviting {
		return engine.Invalid(op, "call %d has a re-INVITE in progress", c.id)
	}
	codec := c.stream.Codec()
	body, err := e.localSDP(c, dir, []media.Codec{codec})
	if err != nil {
		return engine.Rejected(op, engine.StatusInternalServerError, err)
	}

	req := c.dlg.request(sip.INVITE)
	ct := sip.ContentTypeHeader(contentTypeSDP)
	req.AppendHeader(&ct)
	req.SetBody(body)
	c.reinviting = true

	e.fire(req, e.accounts[c.acc], func(res *sip.Response, err error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		c.reinviting = false
		if err != nil || res.StatusCode >= 300 {
			e.logger.Warn("re-invite failed", "call_id", c.id, "direction", dir, "error", err, "status", statusOf(res))
			return
		}
		ack := buildACK(req, res)
		c.dlg.route(ack)
		if err := e.client.WriteRequest(ack); err != nil {
			e.logger.Error("sending ack failed", "call_id", c.id, "error", err)
		}
		if c.state != engine.CallStateConfirmed || c.stream == nil {
			return
		}
		if rm, err := parseSDP(res.Body()); err == nil {
			c.stream.SetRemote(rm.addr)
		}
		switch dir {
		case dirSendOnly, dirInactive:
			c.stream.SetSending(false)
			e.setMedia(c, engine.MediaLocalHold)
		default:
			c.stream.SetSending(true)
			e.setMedia(c, engine.MediaActive)
		}
	})
	e.logger.Info("re-invite sent", "call_id", c.id, "direction", dir)
	return nil
}

// Transfer sends a REFER asking the peer to call uri.
func (e *Engine) Transfer(id engine.CallID, uri string, headers []engine.Header) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.lookup("transfer", id)
	if err != nil {
		return err
	}
	if _, err := parseURI(uri); err != nil {
		return engine.Invalid("transfer", "%v", err)
	}
	return e.referLocked("transfer", c, "<"+uri+">", headers)
}

// TransferWithReplaces asks the peer of id to replace its call with the
// party of target.
func (e *Engine) TransferWithReplaces(id, target engine.CallID, headers []engine.Header) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.lookup("transfer_replaces", id)
	if err != nil {
		return err
	}
	t, err := e.lookup("transfer_replaces", target)
	if err != nil {
		return err
	}
	if !t.answered || t.dlg.remoteTag == "" {
		return engine.Invalid("transfer_replaces", "call %d is not established", target)
	}
	return e.referLocked("transfer_replaces", c, replacesReferTo(t.dlg), headers)
}

// replacesReferTo is a Refer-To value that makes the transferee replace d.
func replacesReferTo(d *dialog) string {
	replaces := fmt.Sprintf("%s;to-tag=%s;from-tag=%s", d.callID, d.remoteTag, d.localTag)
	dest := stripParams(d.target)
	return fmt.Sprintf("<%s?Replaces=%s>", dest.String(), url.QueryEscape(replaces))
}

func (e *Engine) referLocked(op string, c *call, referTo string, headers []engine.Header) error {
	if !c.answered {
		return engine.Invalid(op, "call %d is not established", c.id)
	}
	if c.transfer != nil && !c.transfer.stopped {
		return engine.Invalid(op, "call %d has a transfer in progress", c.id)
	}

	req := c.dlg.request(sip.REFER)
	req.AppendHeader(sip.NewHeader("Refer-To", referTo))
	req.AppendHeader(sip.NewHeader("Referred-By", "<"+c.dlg.local.String()+">"))
	addHeaders(req, headers)
	noSub := hasHeader(headers, "Refer-Sub", "false")

	t := &transfer{}
	c.transfer = t
	e.fire(req, e.accounts[c.acc], func(res *sip.Response, err error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if c.transfer != t {
			return
		}
		code, text := statusOf(res), reasonOf(res, err)
		switch {
		case err != nil || code >= 300:
			c.transfer = nil
			e.emit(&engine.TransferStatus{Call: c.id, StatusCode: code, StatusText: text, Final: true})
		case noSub:
			c.transfer = nil
			e.emit(&engine.TransferStatus{Call: c.id, StatusCode: code, StatusText: text, Final: true})
		}
	})
	e.logger.Info("refer sent", "call_id", c.id, "refer_to", referTo, "subscribe", !noSub)
	return nil
}

// stopTransfer returns the Stop hook for a transfer progress report.
func (e *Engine) stopTransfer(c *call, t *transfer) func() {
	return func() {
		e.mu.Lock()
		t.stopped = true
		if c.transfer == t {
			c.transfer = nil
		}
		e.mu.Unlock()
	}
}

// SendRequest sends an in-dialog request. The outcome is reported as a
// client transaction event.
func (e *Engine) SendRequest(id engine.CallID, method, contentType string, body []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.lookup("send_request", id)
	if err != nil {
		return err
	}
	if !c.answered {
		return engine.Invalid("send_request", "call %d is not established", id)
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" || method == "INVITE" || method == "ACK" || method == "CANCEL" {
		return engine.Invalid("send_request", "method %q not allowed", method)
	}

	req := c.dlg.request(sip.RequestMethod(method))
	if len(body) > 0 {
		req.AppendHeader(sip.NewHeader("Content-Type", contentType))
		req.SetBody(body)
	}
	e.fire(req, e.accounts[c.acc], func(res *sip.Response, err error) {
		state := engine.TsxCompleted
		if err != nil {
			state = engine.TsxTerminated
		}
		e.emit(&engine.TransactionStateChanged{
			Call: id,
			Tsx: &engine.Transaction{
				Method:     method,
				Role:       engine.RoleUAC,
				State:      state,
				StatusCode: statusOf(res),
				StatusText: reasonOf(res, err),
			},
		})
	})
	return nil
}

// DialDTMF sends digits as RFC 4733 telephone-events.
func (e *Engine) DialDTMF(id engine.CallID, digits string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.lookup("dial_dtmf", id)
	if err != nil {
		return err
	}
	if !c.streaming || c.stream == nil {
		return engine.Invalid("dial_dtmf", "call %d has no media", id)
	}
	if err := c.stream.SendDTMF(digits); err != nil {
		return engine.Invalid("dial_dtmf", "%v", err)
	}
	return nil
}

// CallInfo returns a snapshot of a call.
func (e *Engine) CallInfo(id engine.CallID) (engine.CallInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireStarted("call_info"); err != nil {
		return engine.CallInfo{}, err
	}
	if id < 0 || int(id) >= len(e.calls) || e.calls[id] == nil {
		return engine.CallInfo{}, engine.Stale("call_info", id)
	}
	c := e.calls[id]
	info := engine.CallInfo{
		ID:             c.id,
		Account:        c.acc,
		State:          c.state,
		MediaState:     c.media,
		ConfPort:       engine.InvalidPort,
		LastStatus:     c.status,
		LastStatusText: c.statusText,
		Incoming:       c.incoming,
		ConnectedAt:    c.connectedAt,
	}
	if c.media.HasMedia() {
		info.ConfPort = c.port
	}
	if c.dlg != nil {
		info.LocalURI = c.dlg.local.String()
		info.RemoteURI = c.dlg.remote.String()
		info.RemoteContact = "<" + c.dlg.target.String() + ">"
	}
	return info, nil
}

// CallDump describes a call for diagnostics.
func (e *Engine) CallDump(id engine.CallID) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if id < 0 || int(id) >= len(e.calls) || e.calls[id] == nil {
		return fmt.Sprintf("call %d: no such call", id)
	}
	c := e.calls[id]
	var b strings.Builder
	fmt.Fprintf(&b, "call %d [%s] media=%s status=%d %s\n", c.id, c.state, c.media, c.status, c.statusText)
	if c.dlg != nil {
		fmt.Fprintf(&b, "  call-id: %s\n  local: %s;tag=%s\n  remote: %s;tag=%s\n",
			c.dlg.callID, c.dlg.local.String(), c.dlg.localTag, c.dlg.remote.String(), c.dlg.remoteTag)
	}
	if !c.connectedAt.IsZero() {
		fmt.Fprintf(&b, "  connected: %s (%s)\n", c.connectedAt.Format(time.RFC3339), time.Since(c.connectedAt).Round(time.Second))
	}
	if c.stream != nil {
		st := c.stream.Stats()
		fmt.Fprintf(&b, "  rtp: %s local=%d remote=%s rx=%d tx=%d dropped=%d dtmf=%d\n",
			st.Codec, st.LocalPort, st.Remote, st.PacketsRx, st.PacketsTx, st.Dropped, st.DigitsRx)
	}
	if c.port != engine.InvalidPort {
		fmt.Fprintf(&b, "  conf port %d -> %v\n", c.port, e.bridge.Listeners(c.port))
	}
	return b.String()
}

// SendCallMessage sends a MESSAGE inside the dialog of a call.
func (e *Engine) SendCallMessage(id engine.CallID, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.lookup("send_call_message", id)
	if err != nil {
		return err
	}
	if !c.answered {
		return engine.Invalid("send_call_message", "call %d is not established", id)
	}
	req := c.dlg.request(sip.MESSAGE)
	req.AppendHeader(sip.NewHeader("Content-Type", contentTypeText))
	req.SetBody([]byte(text))
	e.fire(req, e.accounts[c.acc], func(res *sip.Response, err error) {
		if err != nil || res.StatusCode >= 300 {
			e.logger.Warn("in-call message failed", "call_id", id, "status", statusOf(res), "error", err)
		}
	})
	return nil
}

func statusOf(res *sip.Response) int {
	if res == nil {
		return 408
	}
	return int(res.StatusCode)
}

func reasonOf(res *sip.Response, err error) string {
	if res != nil {
		return res.Reason
	}
	if err != nil {
		return err.Error()
	}
	return "Request Timeout"
}
