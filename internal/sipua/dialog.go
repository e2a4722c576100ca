package sipua

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icejuk/sipeksdk/internal/engine"
)

// dialog holds the state needed to build in-dialog requests.
type dialog struct {
	callID    string
	local     sip.Uri
	localName string
	localTag  string
	remote    sip.Uri
	remoteTag string
	target    sip.Uri // remote Contact
	contact   sip.Uri // our Contact
	proxy     *sip.Uri
	routes    []string // route set learned from Record-Route
	transport string
	cseq      uint32
}

func newTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// request builds an in-dialog request with the next local CSeq.
func (d *dialog) request(method sip.RequestMethod) *sip.Request {
	req := sip.NewRequest(method, *d.target.Clone())

	fromParams := sip.NewParams()
	fromParams.Add("tag", d.localTag)
	req.AppendHeader(&sip.FromHeader{
		DisplayName: d.localName,
		Address:     *d.local.Clone(),
		Params:      fromParams,
	})

	toParams := sip.NewParams()
	if d.remoteTag != "" {
		toParams.Add("tag", d.remoteTag)
	}
	req.AppendHeader(&sip.ToHeader{
		Address: *d.remote.Clone(),
		Params:  toParams,
	})

	callID := sip.CallIDHeader(d.callID)
	req.AppendHeader(&callID)

	d.cseq++
	req.AppendHeader(&sip.CSeqHeader{SeqNo: d.cseq, MethodName: method})

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.ContactHeader{Address: *d.contact.Clone()})

	if d.transport != "" {
		req.SetTransport(d.transport)
	}
	d.route(req)
	return req
}

// route applies the dialog route set to req, or the outbound proxy when
// the peer recorded no route.
func (d *dialog) route(req *sip.Request) {
	if len(d.routes) == 0 {
		if req.GetHeader("Route") == nil {
			routeVia(req, d.proxy)
		}
		return
	}
	req.RemoveHeader("Route")
	for _, r := range d.routes {
		req.AppendHeader(sip.NewHeader("Route", r))
	}
	if next, err := parseURI(d.routes[0]); err == nil {
		req.SetDestination(hostPort(next))
	}
}

// recordRoutes returns the Record-Route entries of msg in header order.
func recordRoutes(msg interface{ GetHeaders(string) []sip.Header }) []string {
	var out []string
	for _, h := range msg.GetHeaders("Record-Route") {
		out = append(out, splitNameAddrs(h.Value())...)
	}
	return out
}

// splitNameAddrs splits a comma separated list of name-addrs, ignoring
// commas inside angle brackets.
func splitNameAddrs(v string) []string {
	var (
		out   []string
		depth int
		start int
	)
	for i, r := range v {
		switch r {
		case '<':
			depth++
		case '>':
			depth--
		case ',':
			if depth == 0 {
				if s := strings.TrimSpace(v[start:i]); s != "" {
					out = append(out, s)
				}
				start = i + 1
			}
		}
	}
	if s := strings.TrimSpace(v[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

func hostPort(u sip.Uri) string {
	port := u.Port
	if port == 0 {
		port = 5060
	}
	return net.JoinHostPort(u.Host, strconv.Itoa(port))
}

// routeVia sends req through an outbound proxy when one is configured.
func routeVia(req *sip.Request, proxy *sip.Uri) {
	if proxy == nil {
		return
	}
	req.AppendHeader(sip.NewHeader("Route", "<"+proxy.String()+";lr>"))
	req.SetDestination(hostPort(*proxy))
}

// buildACK creates the ACK for a 2xx response to an INVITE. The
// Request-URI is the Contact of the response when present.
func buildACK(invite *sip.Request, res *sip.Response) *sip.Request {
	recipient := &invite.Recipient
	if contact := res.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = invite.SipVersion

	if len(invite.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", invite, ack)
	}
	if h := invite.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := res.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CSeq(); h != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: h.SeqNo, MethodName: sip.ACK})
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if h := invite.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(invite.Transport())
	ack.SetSource(invite.Source())
	if dst := invite.Destination(); dst != "" && len(invite.GetHeaders("Route")) > 0 {
		ack.SetDestination(dst)
	}
	return ack
}

// buildCancel creates the CANCEL for a pending INVITE. It reuses the top
// Via so the server can match the INVITE transaction.
func buildCancel(invite *sip.Request) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, *invite.Recipient.Clone())

	if h := invite.Via(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if len(invite.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", invite, cancel)
	}
	if h := invite.From(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.To(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CSeq(); h != nil {
		cancel.AppendHeader(&sip.CSeqHeader{SeqNo: h.SeqNo, MethodName: sip.CANCEL})
	}

	maxFwd := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxFwd)

	cancel.SetTransport(invite.Transport())
	if dst := invite.Destination(); dst != "" {
		cancel.SetDestination(dst)
	}
	return cancel
}

// addHeaders appends caller-supplied headers to a request or response.
func addHeaders(msg interface{ AppendHeader(sip.Header) }, headers []engine.Header) {
	for _, h := range headers {
		msg.AppendHeader(sip.NewHeader(h.Name, h.Value))
	}
}

// hasHeader reports whether headers carries name with value, ignoring case.
func hasHeader(headers []engine.Header, name, value string) bool {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) && strings.EqualFold(strings.TrimSpace(h.Value), value) {
			return true
		}
	}
	return false
}

// tagOf returns the tag parameter of a From or To header.
func tagOf(params sip.HeaderParams) string {
	if params == nil {
		return ""
	}
	tag, _ := params.Get("tag")
	return tag
}

// callIDOf returns the Call-ID of a message.
func callIDOf(msg interface{ CallID() *sip.CallIDHeader }) string {
	if h := msg.CallID(); h != nil {
		return h.Value()
	}
	return ""
}

// parseURI parses a SIP URI, accepting a name-addr with angle brackets.
func parseURI(s string) (sip.Uri, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '<'); i >= 0 {
		if j := strings.IndexByte(s[i:], '>'); j > 0 {
			s = s[i+1 : i+j]
		}
	}
	var u sip.Uri
	if err := sip.ParseUri(s, &u); err != nil {
		return sip.Uri{}, fmt.Errorf("parsing uri %q: %w", s, err)
	}
	return u, nil
}

// nameAddr renders a display name and URI as a name-addr.
func nameAddr(name string, uri sip.Uri) string {
	if name == "" {
		return "<" + uri.String() + ">"
	}
	return strconv.Quote(name) + " <" + uri.String() + ">"
}

// stripParams returns uri without URI parameters and headers, for use in
// From and To.
func stripParams(uri sip.Uri) sip.Uri {
	out := sip.Uri{Scheme: uri.Scheme, User: uri.User, Host: uri.Host, Port: uri.Port}
	if out.Scheme == "" {
		out.Scheme = "sip"
	}
	return out
}
