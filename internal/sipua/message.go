package sipua

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icejuk/sipeksdk/internal/engine"
)

// isComposing is an RFC 3994 typing notification.
type isComposing struct {
	XMLName     xml.Name `xml:"urn:ietf:params:xml:ns:im-iscomposing isComposing"`
	State       string   `xml:"state"`
	ContentType string   `xml:"contenttype,omitempty"`
	Refresh     int      `xml:"refresh,omitempty"`
}

func marshalIsComposing(typing bool) ([]byte, error) {
	doc := isComposing{State: "idle"}
	if typing {
		doc = isComposing{State: "active", ContentType: "text/plain", Refresh: 60}
	}
	out, err := xml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding iscomposing: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

// parseIsComposing reports whether a typing notification says active.
func parseIsComposing(body []byte) (bool, error) {
	var doc isComposing
	if err := xml.Unmarshal(body, &doc); err != nil {
		return false, fmt.Errorf("decoding iscomposing: %w", err)
	}
	return strings.EqualFold(strings.TrimSpace(doc.State), "active"), nil
}

// pagerRequest builds an out-of-dialog MESSAGE from a to uri.
func (e *Engine) pagerRequest(a *account, uri string) (*sip.Request, error) {
	target, err := parseURI(uri)
	if err != nil {
		return nil, err
	}
	d := &dialog{
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
	return d.request(sip.MESSAGE), nil
}

// SendMessage sends an instant message outside any call.
func (e *Engine) SendMessage(acc engine.AccountID, uri, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireStarted("send_message"); err != nil {
		return err
	}
	a, ok := e.accounts[acc]
	if !ok {
		return engine.Invalid("send_message", "unknown account %d", acc)
	}
	req, err := e.pagerRequest(a, uri)
	if err != nil {
		return engine.Invalid("send_message", "%v", err)
	}
	req.AppendHeader(sip.NewHeader("Content-Type", contentTypeText))
	req.SetBody([]byte(text))
	e.fire(req, a, func(res *sip.Response, err error) {
		if err != nil || res.StatusCode >= 300 {
			e.logger.Warn("message delivery failed", "account_id", acc, "uri", uri, "status", statusOf(res), "error", err)
		}
	})
	return nil
}

// SendTyping tells uri whether the user is composing a message.
func (e *Engine) SendTyping(acc engine.AccountID, uri string, typing bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireStarted("send_typing"); err != nil {
		return err
	}
	a, ok := e.accounts[acc]
	if !ok {
		return engine.Invalid("send_typing", "unknown account %d", acc)
	}
	req, err := e.pagerRequest(a, uri)
	if err != nil {
		return engine.Invalid("send_typing", "%v", err)
	}
	body, err := marshalIsComposing(typing)
	if err != nil {
		return engine.Rejected("send_typing", engine.StatusInternalServerError, err)
	}
	req.AppendHeader(sip.NewHeader("Content-Type", contentTypeIsComposing))
	req.SetBody(body)
	e.fire(req, a, nil)
	return nil
}
