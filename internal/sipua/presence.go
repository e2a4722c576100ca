package sipua

import (
	"context"
	"encoding/xml"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icejuk/sipeksdk/internal/engine"
)

const (
	contentTypePIDF = "application/pidf+xml"

	presenceExpiry = 3600
)

// pidf is a PIDF document (RFC 3863) with the RPID activities extension.
type pidf struct {
	XMLName xml.Name    `xml:"urn:ietf:params:xml:ns:pidf presence"`
	Entity  string      `xml:"entity,attr"`
	Tuples  []pidfTuple `xml:"tuple"`
	Person  *pidfPerson `xml:"urn:ietf:params:xml:ns:pidf:data-model person,omitempty"`
	Notes   []string    `xml:"note,omitempty"`
}

type pidfTuple struct {
	ID    string   `xml:"id,attr"`
	Basic string   `xml:"status>basic"`
	Notes []string `xml:"note,omitempty"`
}

type pidfPerson struct {
	ID         string          `xml:"id,attr"`
	Activities *rpidActivities `xml:"urn:ietf:params:xml:ns:pidf:rpid activities,omitempty"`
	Notes      []string        `xml:"urn:ietf:params:xml:ns:pidf:data-model note,omitempty"`
}

type rpidActivities struct {
	Away *struct{} `xml:"urn:ietf:params:xml:ns:pidf:rpid away,omitempty"`
	Busy *struct{} `xml:"urn:ietf:params:xml:ns:pidf:rpid busy,omitempty"`
}

// presenceDoc is the status an account publishes.
type presenceDoc struct {
	online bool
	el     engine.PresenceElement
}

func (d presenceDoc) marshal(entity string) ([]byte, error) {
	basic := "closed"
	if d.online {
		basic = "open"
	}
	doc := pidf{
		Entity: entity,
		Tuples: []pidfTuple{{ID: "t" + newTag()[:8], Basic: basic}},
	}
	if d.el.Note != "" {
		doc.Tuples[0].Notes = []string{d.el.Note}
	}
	if d.online && d.el.Activity != engine.ActivityUnknown {
		act := &rpidActivities{}
		switch d.el.Activity {
		case engine.ActivityAway:
			act.Away = &struct{}{}
		case engine.ActivityBusy:
			act.Busy = &struct{}{}
		}
		doc.Person = &pidfPerson{ID: "p" + newTag()[:8], Activities: act}
		if d.el.Note != "" {
			doc.Person.Notes = []string{d.el.Note}
		}
	}
	out, err := xml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding pidf: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

// parsePIDF maps a PIDF body onto a buddy status and text.
func parsePIDF(body []byte) (engine.BuddyStatus, string, error) {
	var doc pidf
	if err := xml.Unmarshal(body, &doc); err != nil {
		return engine.BuddyUnknown, "", fmt.Errorf("decoding pidf: %w", err)
	}
	status := engine.BuddyUnknown
	var note string
	for _, t := range doc.Tuples {
		switch strings.ToLower(strings.TrimSpace(t.Basic)) {
		case "open":
			status = engine.BuddyOnline
		case "closed":
			if status == engine.BuddyUnknown {
				status = engine.BuddyOffline
			}
		}
		if note == "" && len(t.Notes) > 0 {
			note = strings.TrimSpace(t.Notes[0])
		}
	}
	if p := doc.Person; p != nil {
		if note == "" && len(p.Notes) > 0 {
			note = strings.TrimSpace(p.Notes[0])
		}
		if note == "" && p.Activities != nil {
			switch {
			case p.Activities.Busy != nil:
				note = "Busy"
			case p.Activities.Away != nil:
				note = "Away"
			}
		}
	}
	if note == "" && len(doc.Notes) > 0 {
		note = strings.TrimSpace(doc.Notes[0])
	}
	if note == "" {
		switch status {
		case engine.BuddyOnline:
			note = "Online"
		case engine.BuddyOffline:
			note = "Offline"
		}
	}
	return status, note, nil
}

// buddy is a presence subscription to a remote URI.
type buddy struct {
	id        engine.BuddyID
	uri       sip.Uri
	subscribe bool
	dlg       *dialog
	acc       *account
	cancel    context.CancelFunc
	status    engine.BuddyStatus
	text      string
}

func (b *buddy) stop() {
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
}

// watcher is a peer subscribed to one of our accounts.
type watcher struct {
	acc     engine.AccountID
	dlg     *dialog
	expires time.Time
}

// SetOnlineStatus sets the presence an account publishes and notifies its
// watchers.
func (e *Engine) SetOnlineStatus(acc engine.AccountID, online bool, el engine.PresenceElement) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireStarted("set_online_status"); err != nil {
		return err
	}
	a, ok := e.accounts[acc]
	if !ok {
		return engine.Invalid("set_online_status", "unknown account %d", acc)
	}
	doc := presenceDoc{online: online, el: el}
	body, err := doc.marshal(a.aor.String())
	if err != nil {
		return engine.Rejected("set_online_status", engine.StatusInternalServerError, err)
	}
	e.presence[acc] = doc

	if e.cfg.PublishEnabled {
		e.publishLocked(a, body)
	}
	now := time.Now()
	for id, w := range e.watchers {
		if w.acc != acc {
			continue
		}
		if now.After(w.expires) {
			delete(e.watchers, id)
			continue
		}
		e.notifyWatcherLocked(w, body, now)
	}
	e.logger.Info("online status changed", "account_id", acc, "online", online, "activity", el.Activity.String())
	return nil
}

func (e *Engine) publishLocked(a *account, body []byte) {
	req := sip.NewRequest(sip.PUBLISH, *a.aor.Clone())
	req.SetTransport(a.transport)
	fromParams := sip.NewParams()
	fromParams.Add("tag", newTag())
	req.AppendHeader(&sip.FromHeader{DisplayName: a.cfg.DisplayName, Address: *a.aor.Clone(), Params: fromParams})
	req.AppendHeader(&sip.ToHeader{Address: *a.aor.Clone()})
	callID := sip.CallIDHeader(uuid.NewString())
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.PUBLISH})
	req.AppendHeader(sip.NewHeader("Event", "presence"))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(presenceExpiry)))
	req.AppendHeader(sip.NewHeader("Content-Type", contentTypePIDF))
	req.SetBody(body)
	if a.proxy != nil {
		routeVia(req, a.proxy)
	} else {
		req.SetDestination(hostPort(a.registrar))
	}

	id := a.id
	e.fire(req, a, func(res *sip.Response, err error) {
		if err != nil || res.StatusCode >= 300 {
			e.logger.Warn("presence publish failed", "account_id", id, "status", statusOf(res), "error", err)
		}
	})
}

func (e *Engine) notifyWatcherLocked(w *watcher, body []byte, now time.Time) {
	req := w.dlg.request(sip.NOTIFY)
	req.AppendHeader(sip.NewHeader("Event", "presence"))
	remaining := int(w.expires.Sub(now).Seconds())
	state := "active;expires=" + strconv.Itoa(remaining)
	if remaining <= 0 {
		state = "terminated;reason=timeout"
	}
	req.AppendHeader(sip.NewHeader("Subscription-State", state))
	if body != nil {
		req.AppendHeader(sip.NewHeader("Content-Type", contentTypePIDF))
		req.SetBody(body)
	}
	e.fire(req, e.accounts[w.acc], nil)
}

// onSubscribe accepts presence subscriptions to our accounts.
func (e *Engine) onSubscribe(req *sip.Request, tx sip.ServerTransaction) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.requireStarted("subscribe") != nil {
		e.reply(req, tx, 503)
		return
	}
	if pkg := eventPackage(req); pkg != "presence" {
		e.reply(req, tx, 489, sip.NewHeader("Allow-Events", "presence"))
		return
	}
	a := e.accountFor(req)
	from, to := req.From(), req.To()
	if a == nil || from == nil || to == nil {
		e.reply(req, tx, 404)
		return
	}

	expires := presenceExpiry
	if h := req.GetHeader("Expires"); h != nil {
		if v, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil && v >= 0 {
			expires = min(v, presenceExpiry)
		}
	}

	callID := callIDOf(req)
	w := e.watchers[callID]
	if w == nil {
		if tagOf(to.Params) != "" {
			e.reply(req, tx, 481)
			return
		}
		target := from.Address
		if ct := req.Contact(); ct != nil {
			target = ct.Address
		}
		w = &watcher{
			acc: a.id,
			dlg: &dialog{
				callID:    callID,
				local:     stripParams(to.Address),
				localName: a.cfg.DisplayName,
				localTag:  newTag(),
				remote:    stripParams(from.Address),
				remoteTag: tagOf(from.Params),
				target:    *target.Clone(),
				contact:   e.contactURI(a),
				routes:    recordRoutes(req),
				transport: req.Transport(),
			},
		}
	}
	if tagOf(to.Params) == "" {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		to.Params.Add("tag", w.dlg.localTag)
	}

	now := time.Now()
	w.expires = now.Add(time.Duration(expires) * time.Second)
	e.reply(req, tx, 200,
		sip.NewHeader("Expires", strconv.Itoa(expires)),
		&sip.ContactHeader{Address: *w.dlg.contact.Clone()},
	)

	doc, ok := e.presence[a.id]
	if !ok {
		doc = presenceDoc{online: true}
	}
	body, err := doc.marshal(a.aor.String())
	if err != nil {
		e.logger.Error("encoding presence failed", "account_id", a.id, "error", err)
		body = nil
	}
	if expires == 0 {
		delete(e.watchers, callID)
		e.logger.Info("presence watcher unsubscribed", "account_id", a.id, "watcher", w.dlg.remote.String())
	} else {
		e.watchers[callID] = w
		e.logger.Info("presence watcher subscribed", "account_id", a.id, "watcher", w.dlg.remote.String(), "expires", expires)
	}
	e.notifyWatcherLocked(w, body, now)
}

// AddBuddy adds a presence buddy. With subscribe, its status is watched
// through the default account.
func (e *Engine) AddBuddy(uri string, subscribe bool) (engine.BuddyID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireStarted("add_buddy"); err != nil {
		return 0, err
	}
	target, err := parseURI(uri)
	if err != nil {
		return 0, engine.Invalid("add_buddy", "%v", err)
	}
	aor := stripParams(target)
	for _, b := range e.buddies {
		if b.uri.String() == aor.String() {
			return 0, engine.Invalid("add_buddy", "buddy %s already added", uri)
		}
	}

	b := &buddy{id: e.nextBuddy, uri: aor, subscribe: subscribe}
	if subscribe {
		a := e.defaultAccount()
		if a == nil {
			return 0, engine.Invalid("add_buddy", "no account to subscribe from")
		}
		b.acc = a
		b.dlg = &dialog{
			callID:    uuid.NewString(),
			local:     a.aor,
			localName: a.cfg.DisplayName,
			localTag:  newTag(),
			remote:    b.uri,
			target:    target,
			contact:   e.contactURI(a),
			proxy:     a.proxy,
			transport: a.transport,
		}
		ctx, cancel := context.WithCancel(e.ctx)
		b.cancel = cancel
		e.wg.Add(1)
		go e.subscriptionLoop(ctx, b)
	}
	e.nextBuddy++
	e.buddies[b.id] = b
	e.logger.Info("buddy added", "buddy_id", b.id, "uri", b.uri.String(), "subscribe", subscribe)
	return b.id, nil
}

// RemoveBuddy removes a buddy and ends its subscription.
func (e *Engine) RemoveBuddy(id engine.BuddyID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireStarted("remove_buddy"); err != nil {
		return err
	}
	b, ok := e.buddies[id]
	if !ok {
		return engine.Invalid("remove_buddy", "unknown buddy %d", id)
	}
	delete(e.buddies, id)
	b.stop()
	if b.dlg != nil && b.dlg.remoteTag != "" {
		req := b.dlg.request(sip.SUBSCRIBE)
		req.AppendHeader(sip.NewHeader("Event", "presence"))
		req.AppendHeader(sip.NewHeader("Expires", "0"))
		e.fire(req, b.acc, nil)
	}
	e.logger.Info("buddy removed", "buddy_id", id)
	return nil
}

// subscriptionLoop keeps a buddy subscription alive, refreshing at 80% of
// the granted expiry and backing off on failure.
func (e *Engine) subscriptionLoop(ctx context.Context, b *buddy) {
	defer e.wg.Done()

	backoff := newBackoff()
	for {
		e.mu.Lock()
		req := b.dlg.request(sip.SUBSCRIBE)
		e.mu.Unlock()
		req.AppendHeader(sip.NewHeader("Event", "presence"))
		req.AppendHeader(sip.NewHeader("Accept", contentTypePIDF))
		req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(presenceExpiry)))

		res, err := e.do(ctx, req, b.acc)
		if ctx.Err() != nil {
			return
		}
		if err != nil || res.StatusCode >= 300 {
			retryDelay := backoff.next()
			e.logger.Warn("buddy subscription failed",
				"buddy_id", b.id,
				"status", statusOf(res),
				"error", err,
				"retry_in", retryDelay.String(),
			)
			e.mu.Lock()
			// Start a fresh dialog on the next attempt.
			b.dlg.remoteTag = ""
			b.dlg.routes = nil
			b.dlg.target = b.uri
			e.mu.Unlock()
			e.emit(&engine.BuddyStateChanged{Buddy: b.id, URI: b.uri.String(), Status: engine.BuddyUnknown, StatusText: reasonOf(res, err)})

			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
				continue
			}
		}

		backoff.reset()
		granted := presenceExpiry
		if h := res.GetHeader("Expires"); h != nil {
			if v := parseExpiresHeader(h.Value()); v > 0 {
				granted = v
			}
		}
		e.mu.Lock()
		if b.dlg.remoteTag == "" {
			b.dlg.remoteTag = toTag(res)
			if rr := recordRoutes(res); len(rr) > 0 {
				slices.Reverse(rr)
				b.dlg.routes = rr
			}
		}
		if contact := res.Contact(); contact != nil {
			b.dlg.target = *contact.Address.Clone()
		}
		e.mu.Unlock()
		e.logger.Debug("buddy subscribed", "buddy_id", b.id, "expires_in", granted)

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(float64(granted)*0.8) * time.Second):
		}
	}
}

// onPresenceNotify applies a presence NOTIFY to the buddy whose
// subscription it belongs to. Must be called with e.mu held.
func (e *Engine) onPresenceNotify(req *sip.Request) bool {
	callID := callIDOf(req)
	var b *buddy
	for _, cand := range e.buddies {
		if cand.dlg != nil && cand.dlg.callID == callID {
			b = cand
			break
		}
	}
	if b == nil {
		return false
	}
	if b.dlg.remoteTag == "" {
		if from := req.From(); from != nil {
			b.dlg.remoteTag = tagOf(from.Params)
		}
	}

	status, text := b.status, b.text
	if len(req.Body()) > 0 {
		s, t, err := parsePIDF(req.Body())
		if err != nil {
			e.logger.Warn("bad presence document", "buddy_id", b.id, "error", err)
			return true
		}
		status, text = s, t
	}
	if ss := req.GetHeader("Subscription-State"); ss != nil && mimeType(ss.Value()) == "terminated" {
		status, text = engine.BuddyOffline, "Subscription terminated"
	}
	if status == b.status && text == b.text {
		return true
	}
	b.status, b.text = status, text
	e.emit(&engine.BuddyStateChanged{Buddy: b.id, URI: b.uri.String(), Status: status, StatusText: text})
	return true
}
