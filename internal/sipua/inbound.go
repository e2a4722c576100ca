package sipua

import (
	"bytes"
	"errors"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icejuk/sipeksdk/internal/engine"
	"github.com/icejuk/sipeksdk/internal/media"
)

const (
	contentTypeSipfrag     = "message/sipfrag;version=2.0"
	contentTypeIsComposing = "application/im-iscomposing+xml"
)

var errResponded = errors.New("transaction already answered")

// reply sends a response without a body.
func (e *Engine) reply(req *sip.Request, tx sip.ServerTransaction, code int, headers ...sip.Header) {
	res := sip.NewResponseFromRequest(req, code, reasonPhrase(code), nil)
	for _, h := range headers {
		res.AppendHeader(h)
	}
	if err := tx.Respond(res); err != nil {
		e.logger.Error("responding to request failed",
			"method", req.Method.String(),
			"status", code,
			"call_id", callIDOf(req),
			"error", err,
		)
	}
}

func contentType(msg interface{ ContentType() *sip.ContentTypeHeader }) string {
	if ct := msg.ContentType(); ct != nil {
		return ct.Value()
	}
	return ""
}

// mimeType returns the media type of a Content-Type value, lower-cased and
// without parameters.
func mimeType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// onInvite handles initial and in-dialog INVITEs.
func (e *Engine) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	if to := req.To(); to != nil && tagOf(to.Params) != "" {
		e.onReinvite(req, tx)
		return
	}
	e.reply(req, tx, 100)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.requireStarted("invite") != nil {
		e.reply(req, tx, 503)
		return
	}
	callID := callIDOf(req)
	if _, dup := e.dialogs[callID]; dup {
		e.reply(req, tx, 482)
		return
	}
	from, to := req.From(), req.To()
	if from == nil || to == nil {
		e.reply(req, tx, 400)
		return
	}

	var old *call
	if h := req.GetHeader("Replaces"); h != nil {
		old = e.replacedCall(h.Value())
		if old == nil {
			e.logger.Warn("replaces matches no call", "call_id", callID, "replaces", h.Value())
			e.reply(req, tx, 481)
			return
		}
	}

	rm, err := parseSDP(req.Body())
	if err != nil {
		e.logger.Warn("rejecting invite with unusable sdp", "call_id", callID, "error", err)
		e.reply(req, tx, 488)
		return
	}
	if _, ok := negotiate(rm.payloads, e.enabledCodecs()); !ok {
		e.logger.Warn("rejecting invite without common codec", "call_id", callID, "offered", rm.payloads)
		e.reply(req, tx, 488)
		return
	}

	acc := engine.InvalidAccount
	a := e.accountFor(req)
	if a != nil {
		acc = a.id
	}
	c, err := e.newCallLocked(acc, true, engine.CallStateIncoming)
	if err != nil {
		e.logger.Warn("rejecting incoming call", "call_id", callID, "error", err)
		e.reply(req, tx, engine.StatusBusyHere)
		return
	}

	if to.Params == nil {
		to.Params = sip.NewParams()
	}
	localTag := newTag()
	to.Params.Add("tag", localTag)

	target := from.Address
	if ct := req.Contact(); ct != nil {
		target = ct.Address
	}
	c.dlg = &dialog{
		callID:    callID,
		local:     stripParams(to.Address),
		localTag:  localTag,
		remote:    stripParams(from.Address),
		remoteTag: tagOf(from.Params),
		target:    *target.Clone(),
		contact:   e.contactURI(a),
		routes:    recordRoutes(req),
		transport: req.Transport(),
	}
	if a != nil {
		c.dlg.localName = a.cfg.DisplayName
	}
	c.invite, c.inviteTx, c.offer = req, tx, rm
	e.dialogs[callID] = c

	e.logger.Info("incoming call",
		"call_id", c.id,
		"sip_call_id", callID,
		"from", from.Address.String(),
		"source", req.Source(),
	)

	if old != nil {
		c.replaces = old
		e.setState(c, engine.CallStateIncoming, &engine.MessageInfo{Direction: engine.DirectionReceived})
		e.emit(&engine.CallReplaced{Old: old.id, New: c.id})
		if err := e.acceptLocked("replaces", c, engine.StatusOK, "OK"); err != nil {
			e.logger.Warn("answering replacing call failed", "call_id", c.id, "error", err)
		}
		return
	}

	e.emit(&engine.IncomingCall{
		Account:       acc,
		Call:          c.id,
		RemoteURI:     nameAddr(from.DisplayName, from.Address),
		RemoteContact: "<" + target.String() + ">",
	})
	e.respondInvite(c, 180, "Ringing", nil, nil)
	c.status, c.statusText = 180, "Ringing"
	e.setState(c, engine.CallStateEarly, &engine.MessageInfo{Direction: engine.DirectionSent, StatusCode: 180, Reason: "Ringing"})
}

// replacedCall finds the established call named by a Replaces header
// value: call-id;to-tag=..;from-tag=.. from the sender's point of view.
func (e *Engine) replacedCall(value string) *call {
	parts := strings.Split(value, ";")
	c := e.dialogs[strings.TrimSpace(parts[0])]
	if c == nil || !c.active() {
		return nil
	}
	var toTag, fromTag string
	for _, p := range parts[1:] {
		k, v, _ := strings.Cut(strings.TrimSpace(p), "=")
		switch strings.ToLower(k) {
		case "to-tag":
			toTag = v
		case "from-tag":
			fromTag = v
		}
	}
	if toTag != c.dlg.localTag || fromTag != c.dlg.remoteTag {
		return nil
	}
	return c
}

// onReinvite handles a session refresh or hold from the peer.
func (e *Engine) onReinvite(req *sip.Request, tx sip.ServerTransaction) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c := e.dialogs[callIDOf(req)]
	if c == nil || !c.answered || c.stream == nil {
		e.reply(req, tx, 481)
		return
	}
	if c.reinviting {
		e.reply(req, tx, 491)
		return
	}
	rm, err := parseSDP(req.Body())
	if err != nil {
		e.reply(req, tx, 488)
		return
	}
	codec := c.stream.Codec()
	if !slices.Contains(rm.payloads, codec.PayloadType) {
		var ok bool
		if codec, ok = negotiate(rm.payloads, e.enabledCodecs()); !ok {
			e.reply(req, tx, 488)
			return
		}
	}

	dir := answerDirection(rm.direction)
	if c.media == engine.MediaLocalHold && dir == dirSendRecv {
		dir = dirSendOnly
	}
	held := c.localDir
	body, err := e.localSDP(c, dir, []media.Codec{codec})
	c.localDir = held
	if err != nil {
		e.reply(req, tx, 500)
		return
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", body)
	res.AppendHeader(&sip.ContactHeader{Address: *c.dlg.contact.Clone()})
	ct := sip.ContentTypeHeader(contentTypeSDP)
	res.AppendHeader(&ct)
	if err := tx.Respond(res); err != nil {
		e.logger.Error("responding to re-invite failed", "call_id", c.id, "error", err)
		return
	}
	if contact := req.Contact(); contact != nil {
		c.dlg.target = *contact.Address.Clone()
	}

	c.stream.SetCodec(codec)
	c.stream.SetRemote(rm.addr)
	switch {
	case rm.hold() && c.media != engine.MediaRemoteHold:
		e.logger.Info("call put on hold by peer", "call_id", c.id)
		e.setMedia(c, engine.MediaRemoteHold)
	case !rm.hold() && c.media == engine.MediaRemoteHold:
		e.logger.Info("call retrieved by peer", "call_id", c.id)
		e.setMedia(c, engine.MediaActive)
	}
}

// onAck confirms an incoming call we answered.
func (e *Engine) onAck(req *sip.Request, _ sip.ServerTransaction) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c := e.dialogs[callIDOf(req)]
	if c == nil || !c.incoming || !c.answered || c.state != engine.CallStateConnecting {
		return
	}
	c.connectedAt = time.Now()
	e.setState(c, engine.CallStateConfirmed, &engine.MessageInfo{Direction: engine.DirectionReceived, StatusCode: c.status, Reason: c.statusText})
	e.startMedia(c, c.stream.Codec(), c.offer)
	e.logger.Info("call confirmed", "call_id", c.id, "codec", c.stream.Codec().ID(), "remote_rtp", c.offer.addr.String())

	if old := c.replaces; old != nil {
		c.replaces = nil
		if old.active() {
			e.hangupLocked(old, 0, "", nil)
		}
	}
}

func (e *Engine) onBye(req *sip.Request, tx sip.ServerTransaction) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c := e.dialogs[callIDOf(req)]
	if c == nil {
		e.reply(req, tx, 481)
		return
	}
	e.reply(req, tx, 200)
	e.logger.Info("call ended by peer", "call_id", c.id)
	e.disconnect(c, engine.StatusOK, "Normal call clearing", engine.DirectionReceived)
}

func (e *Engine) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c := e.dialogs[callIDOf(req)]
	if c == nil || !c.incoming || c.answered {
		e.reply(req, tx, 481)
		return
	}
	e.reply(req, tx, 200)
	e.respondInvite(c, 487, "Request Terminated", nil, nil)
	e.logger.Info("incoming call canceled", "call_id", c.id)
	e.disconnect(c, 487, "Request Terminated", engine.DirectionReceived)
}

// onInfo turns DTMF relay bodies into digits and hands any other INFO to
// the handler, which answers it through the transaction responder.
func (e *Engine) onInfo(req *sip.Request, tx sip.ServerTransaction) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c := e.dialogs[callIDOf(req)]
	if c == nil {
		e.reply(req, tx, 481)
		return
	}
	ct := contentType(req)
	if d, err := media.ParseInfoDTMF(ct, req.Body()); err == nil {
		e.reply(req, tx, 200)
		e.logger.Debug("info dtmf received", "call_id", c.id, "digit", string(d.Digit), "duration_ms", d.Duration)
		e.emit(&engine.DTMFReceived{Call: c.id, Digit: d.Digit})
		return
	}

	var once sync.Once
	respond := func(code int) error {
		err := errResponded
		once.Do(func() {
			err = tx.Respond(sip.NewResponseFromRequest(req, code, reasonPhrase(code), nil))
		})
		return err
	}
	e.emit(&engine.TransactionStateChanged{
		Call: c.id,
		Tsx: &engine.Transaction{
			Method:    "INFO",
			Role:      engine.RoleUAS,
			State:     engine.TsxTrying,
			Body:      req.Body(),
			Responder: respond,
		},
	})
}

func (e *Engine) onOptions(req *sip.Request, tx sip.ServerTransaction) {
	e.logger.Debug("sip options received", "source", req.Source())
	e.reply(req, tx, 200,
		sip.NewHeader("Accept", contentTypeSDP),
		sip.NewHeader("Allow", allowMethods),
	)
}

// onRefer accepts a transfer request: the referred party is called on the
// same account and progress is reported back with NOTIFY.
func (e *Engine) onRefer(req *sip.Request, tx sip.ServerTransaction) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c := e.dialogs[callIDOf(req)]
	if c == nil || !c.answered {
		e.reply(req, tx, 481)
		return
	}
	h := req.GetHeader("Refer-To")
	if h == nil {
		e.reply(req, tx, 400)
		return
	}
	uri, headers := splitReferTo(h.Value())
	a := e.accounts[c.acc]
	if a == nil {
		a = e.defaultAccount()
	}
	if a == nil {
		e.reply(req, tx, 603)
		return
	}
	noSub := false
	if rs := req.GetHeader("Refer-Sub"); rs != nil && strings.EqualFold(strings.TrimSpace(rs.Value()), "false") {
		noSub = true
	}
	e.reply(req, tx, 202)
	e.logger.Info("transfer requested by peer", "call_id", c.id, "refer_to", uri)

	nc, err := e.makeCallLocked("refer", a, uri, headers)
	if err != nil {
		e.logger.Warn("transfer call failed", "call_id", c.id, "error", err)
		if !noSub {
			e.sendReferNotify(c, 503, "Service Unavailable")
		}
		return
	}
	if !noSub {
		nc.referrer = c
		e.sendReferNotify(c, 100, "Trying")
	}
}

// splitReferTo separates a Refer-To value into the target URI and the
// headers to put in the new INVITE, such as Replaces.
func splitReferTo(v string) (string, []engine.Header) {
	v = strings.TrimSpace(v)
	if i := strings.IndexByte(v, '<'); i >= 0 {
		if j := strings.IndexByte(v[i:], '>'); j > 0 {
			v = v[i+1 : i+j]
		}
	}
	uri, query, ok := strings.Cut(v, "?")
	if !ok {
		return uri, nil
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return uri, nil
	}
	var headers []engine.Header
	for name, vs := range values {
		for _, hv := range vs {
			headers = append(headers, engine.Header{Name: name, Value: hv})
		}
	}
	return uri, headers
}

// notifyReferrer reports the final outcome of a call made for a REFER.
func (e *Engine) notifyReferrer(c *call, code int, reason string) {
	r := c.referrer
	if r == nil {
		return
	}
	c.referrer = nil
	if r.active() && r.answered {
		e.sendReferNotify(r, code, reason)
	}
}

func (e *Engine) sendReferNotify(c *call, code int, reason string) {
	req := c.dlg.request(sip.NOTIFY)
	req.AppendHeader(sip.NewHeader("Event", "refer"))
	state := "active;expires=60"
	if code >= 200 {
		state = "terminated;reason=noresource"
	}
	req.AppendHeader(sip.NewHeader("Subscription-State", state))
	req.AppendHeader(sip.NewHeader("Content-Type", contentTypeSipfrag))
	req.SetBody([]byte("SIP/2.0 " + strconv.Itoa(code) + " " + reason + "\r\n"))
	e.fire(req, e.accounts[c.acc], nil)
}

// parseSipfrag reads the status line of a message/sipfrag body. It returns
// zero when the body holds no status line.
func parseSipfrag(body []byte) (int, string) {
	line, _, _ := bytes.Cut(body, []byte("\n"))
	fields := strings.SplitN(strings.TrimSpace(string(line)), " ", 3)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "SIP/") {
		return 0, ""
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, ""
	}
	reason := ""
	if len(fields) == 3 {
		reason = fields[2]
	}
	return code, reason
}

// eventPackage returns the package name of an Event header.
func eventPackage(req *sip.Request) string {
	h := req.GetHeader("Event")
	if h == nil {
		return ""
	}
	return mimeType(h.Value())
}

func (e *Engine) onNotify(req *sip.Request, tx sip.ServerTransaction) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch pkg := eventPackage(req); pkg {
	case "refer":
		c := e.dialogs[callIDOf(req)]
		if c == nil {
			e.reply(req, tx, 481)
			return
		}
		e.reply(req, tx, 200)
		t := c.transfer
		if t == nil || t.stopped {
			return
		}
		code, text := parseSipfrag(req.Body())
		if code == 0 {
			return
		}
		final := code >= 200
		if ss := req.GetHeader("Subscription-State"); ss != nil && mimeType(ss.Value()) == "terminated" {
			final = true
		}
		if final {
			c.transfer = nil
		}
		e.logger.Info("transfer progress", "call_id", c.id, "status", code, "final", final)
		e.emit(&engine.TransferStatus{
			Call:       c.id,
			StatusCode: code,
			StatusText: text,
			Final:      final,
			Stop:       e.stopTransfer(c, t),
		})

	case "message-summary":
		e.reply(req, tx, 200)
		acc := engine.InvalidAccount
		if a := e.accountFor(req); a != nil {
			acc = a.id
		}
		body := string(req.Body())
		e.emit(&engine.MessageWaiting{
			Account: acc,
			Waiting: strings.Contains(strings.ToLower(body), "messages-waiting: yes"),
			Body:    body,
		})

	case "presence":
		if !e.onPresenceNotify(req) {
			e.reply(req, tx, 481)
			return
		}
		e.reply(req, tx, 200)

	default:
		e.logger.Debug("notify for unsupported event", "event", pkg, "source", req.Source())
		e.reply(req, tx, 489)
	}
}

// onMessage delivers instant messages and typing notifications.
func (e *Engine) onMessage(req *sip.Request, tx sip.ServerTransaction) {
	e.mu.Lock()
	defer e.mu.Unlock()

	from := req.From()
	if from == nil {
		e.reply(req, tx, 400)
		return
	}
	id := engine.InvalidCall
	if c := e.dialogs[callIDOf(req)]; c != nil {
		id = c.id
	}
	sender := nameAddr(from.DisplayName, from.Address)
	ct := contentType(req)

	if mimeType(ct) == contentTypeIsComposing {
		typing, err := parseIsComposing(req.Body())
		if err != nil {
			e.reply(req, tx, 400)
			return
		}
		e.reply(req, tx, 200)
		e.emit(&engine.TypingIndication{Call: id, From: sender, IsTyping: typing})
		return
	}

	e.reply(req, tx, 200)
	ev := &engine.MessageReceived{
		Call:     id,
		From:     sender,
		MimeType: ct,
		Text:     string(req.Body()),
	}
	if to := req.To(); to != nil {
		ev.To = "<" + to.Address.String() + ">"
	}
	if contact := req.Contact(); contact != nil {
		ev.Contact = "<" + contact.Address.String() + ">"
	}
	e.emit(ev)
}
