package sipua

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icejuk/sipeksdk/internal/engine"
)

// account is a configured SIP identity with its registration loop.
type account struct {
	id        engine.AccountID
	cfg       engine.AccountConfig
	aor       sip.Uri
	registrar sip.Uri
	proxy     *sip.Uri
	transport string
	callID    string // REGISTER Call-ID, stable across refreshes

	cancel     context.CancelFunc
	registered bool
}

func (a *account) authUser() string {
	if a.cfg.AuthUsername != "" {
		return a.cfg.AuthUsername
	}
	return a.cfg.Username
}

func (a *account) stop() {
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
}

// contactURI is our Contact for requests sent from a.
func (e *Engine) contactURI(a *account) sip.Uri {
	port := e.cfg.SIPPort
	if a != nil && a.transport == "TLS" {
		port++
	}
	u := sip.Uri{Scheme: "sip", Host: e.cfg.ContactHost, Port: port}
	if a != nil {
		u.User = a.cfg.Username
		if a.transport != "UDP" {
			u.UriParams = sip.NewParams()
			u.UriParams.Add("transport", strings.ToLower(a.transport))
		}
	}
	return u
}

func newAccount(id engine.AccountID, cfg engine.AccountConfig) (*account, error) {
	transport := strings.ToUpper(strings.TrimSpace(cfg.Transport))
	switch transport {
	case "":
		transport = "UDP"
	case "UDP", "TCP", "TLS":
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}

	host := cfg.Domain
	if h, _, err := net.SplitHostPort(cfg.Domain); err == nil {
		host = h
	}
	a := &account{
		id:        id,
		cfg:       cfg,
		aor:       sip.Uri{Scheme: "sip", User: cfg.Username, Host: host},
		transport: transport,
		callID:    uuid.NewString(),
	}
	if err := sip.ParseUri("sip:"+cfg.Domain, &a.registrar); err != nil {
		return nil, fmt.Errorf("parsing domain %q: %w", cfg.Domain, err)
	}
	if cfg.Proxy != "" {
		proxy, err := parseURI(cfg.Proxy)
		if err != nil {
			return nil, err
		}
		proxy.UriParams = nil
		a.proxy = &proxy
	}
	return a, nil
}

// AddAccount adds an account and starts registering it. The outcome is
// reported with RegStateChanged events.
func (e *Engine) AddAccount(cfg engine.AccountConfig) (engine.AccountID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireStarted("add_account"); err != nil {
		return engine.InvalidAccount, err
	}
	id := e.nextAcc
	a, err := newAccount(id, cfg)
	if err != nil {
		return engine.InvalidAccount, engine.Invalid("add_account", "%v", err)
	}
	e.nextAcc++

	if cfg.Default {
		for _, other := range e.accounts {
			other.cfg.Default = false
		}
	}
	e.accounts[id] = a

	ctx, cancel := context.WithCancel(e.ctx)
	a.cancel = cancel
	e.wg.Add(1)
	go e.registrationLoop(ctx, a)

	e.logger.Info("account added", "account_id", id, "aor", a.aor.String(), "transport", a.transport)
	return id, nil
}

// RemoveAccount stops registering acc and unregisters it.
func (e *Engine) RemoveAccount(acc engine.AccountID) error {
	e.mu.Lock()
	if err := e.requireStarted("remove_account"); err != nil {
		e.mu.Unlock()
		return err
	}
	a, ok := e.accounts[acc]
	if !ok {
		e.mu.Unlock()
		return engine.Invalid("remove_account", "unknown account %d", acc)
	}
	delete(e.accounts, acc)
	delete(e.presence, acc)
	a.stop()
	registered := a.registered
	a.registered = false
	ctx := e.ctx
	e.mu.Unlock()

	if registered {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if _, err := e.sendRegister(ctx, a, 0); err != nil {
			e.logger.Warn("unregister failed", "account_id", acc, "error", err)
		}
	}
	e.emit(&engine.RegStateChanged{Account: acc, Status: engine.StatusOK, Reason: "Unregistered", Expires: -1})
	e.logger.Info("account removed", "account_id", acc)
	return nil
}

// defaultAccount returns the account marked default, or the lowest id.
func (e *Engine) defaultAccount() *account {
	var best *account
	for _, a := range e.accounts {
		if a.cfg.Default {
			return a
		}
		if best == nil || a.id < best.id {
			best = a
		}
	}
	return best
}

// accountFor picks the account an incoming request is addressed to.
func (e *Engine) accountFor(req *sip.Request) *account {
	user := req.Recipient.User
	if to := req.To(); to != nil && user == "" {
		user = to.Address.User
	}
	for _, a := range e.accounts {
		if strings.EqualFold(a.cfg.Username, user) {
			return a
		}
	}
	return e.defaultAccount()
}

// registrationLoop keeps a registered, refreshing at 80% of the granted
// expiry and backing off on failure.
func (e *Engine) registrationLoop(ctx context.Context, a *account) {
	defer e.wg.Done()

	expiry := e.cfg.RegisterExpiry
	backoff := newBackoff()

	for {
		granted, err := e.sendRegister(ctx, a, expiry)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			retryDelay := backoff.next()
			e.logger.Error("account registration failed",
				"account_id", a.id,
				"error", err,
				"attempt", backoff.attempt,
				"retry_in", retryDelay.String(),
			)
			e.mu.Lock()
			a.registered = false
			e.mu.Unlock()

			status, reason := 408, err.Error()
			if re, ok := err.(*registerError); ok {
				status, reason = re.status, re.reason
			}
			e.emit(&engine.RegStateChanged{Account: a.id, Status: status, Reason: reason})

			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
				continue
			}
		}

		backoff.reset()
		e.mu.Lock()
		a.registered = true
		e.mu.Unlock()
		e.emit(&engine.RegStateChanged{Account: a.id, Status: engine.StatusOK, Reason: "OK", Expires: granted})

		if granted != expiry {
			e.logger.Info("account registered (server adjusted expiry)",
				"account_id", a.id,
				"requested_expiry", expiry,
				"granted_expiry", granted,
			)
		} else {
			e.logger.Info("account registered", "account_id", a.id, "expires_in", granted)
		}

		refreshInterval := time.Duration(float64(granted)*0.8) * time.Second
		select {
		case <-ctx.Done():
			return
		case <-time.After(refreshInterval):
			e.logger.Debug("re-registering account", "account_id", a.id)
		}
	}
}

// registerError is a final non-2xx REGISTER response.
type registerError struct {
	status int
	reason string
}

func (e *registerError) Error() string {
	return fmt.Sprintf("register failed with status %d %s", e.status, e.reason)
}

// sendRegister sends a REGISTER with digest auth handling. It returns the
// server-granted expiry, or the requested one when the server names none.
func (e *Engine) sendRegister(ctx context.Context, a *account, expiry int) (int, error) {
	req := sip.NewRequest(sip.REGISTER, *a.registrar.Clone())
	req.SetTransport(a.transport)

	aor := "<" + a.aor.String() + ">"
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))
	callID := sip.CallIDHeader(a.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.ContactHeader{Address: e.contactURI(a)})
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))
	routeVia(req, a.proxy)

	res, err := e.do(ctx, req, a, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 0, err
	}
	if res.StatusCode != 200 {
		return 0, &registerError{status: int(res.StatusCode), reason: res.Reason}
	}

	granted := expiry
	if contactHdr := res.GetHeader("Contact"); contactHdr != nil {
		if parsed := parseContactExpires(contactHdr.Value()); parsed > 0 {
			granted = parsed
		}
	} else if expiresHdr := res.GetHeader("Expires"); expiresHdr != nil {
		if parsed := parseExpiresHeader(expiresHdr.Value()); parsed > 0 {
			granted = parsed
		}
	}
	return granted, nil
}

// parseContactExpires extracts the expires parameter from a Contact header
// value such as <sip:user@host>;expires=3600. It returns 0 when absent.
func parseContactExpires(contactValue string) int {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len(";expires="):]

	end := strings.IndexAny(rest, ";,> \t")
	if end > 0 {
		rest = rest[:end]
	}
	val, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return val
}

// parseExpiresHeader parses an Expires header value. It returns 0 when the
// value is not a number.
func parseExpiresHeader(value string) int {
	val, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return val
}

// backoff is exponential backoff with jitter for registration retries.
type backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoff() *backoff {
	return &backoff{
		baseDelay: 5 * time.Second,
		maxDelay:  5 * time.Minute,
	}
}

func (b *backoff) next() time.Duration {
	d := b.current()
	b.attempt++
	return d
}

func (b *backoff) current() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	// ±20% jitter
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.baseDelay
	}
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}
