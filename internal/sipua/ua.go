// Package sipua implements engine.Engine on top of the sipgo SIP stack and
// the media package. One Engine owns a SIP user agent with its listeners,
// the call slots, registrations, presence subscriptions and the conference
// bridge that carries call audio.
package sipua

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/icejuk/sipeksdk/internal/config"
	"github.com/icejuk/sipeksdk/internal/confbridge"
	"github.com/icejuk/sipeksdk/internal/engine"
	"github.com/icejuk/sipeksdk/internal/media"
)

// Config holds the engine settings.
type Config struct {
	SIPPort int
	NoUDP   bool
	NoTCP   bool
	UseTLS  bool // TLS listens on SIPPort+1
	TLSCert string
	TLSKey  string

	BindIP      string // listen address for SIP and RTP; empty binds all
	ContactHost string // address advertised in Contact and SDP

	RTPPortMin int
	RTPPortMax int

	UserAgent      string
	MaxCalls       int
	MaxFilePorts   int
	PollingEvents  bool
	PublishEnabled bool
	RegisterExpiry int // seconds
	StunAddress    string
}

const (
	defaultUserAgent      = "sipekd"
	defaultMaxCalls       = 4
	defaultMaxFilePorts   = 8
	defaultRegisterExpiry = 3600

	// listenGrace is how long Start waits for a listener to fail binding.
	listenGrace = 200 * time.Millisecond

	// requestTimeout bounds in-dialog and out-of-dialog requests.
	requestTimeout = 32 * time.Second
)

// ConfigFrom maps the daemon configuration onto engine settings.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		SIPPort:        cfg.SIPPort,
		NoUDP:          cfg.NoUDP,
		NoTCP:          cfg.NoTCP,
		UseTLS:         cfg.UseTLS,
		TLSCert:        cfg.TLSCert,
		TLSKey:         cfg.TLSKey,
		ContactHost:    cfg.MediaIP(),
		UserAgent:      cfg.UserAgent,
		MaxCalls:       cfg.MaxCalls,
		PollingEvents:  cfg.PollingEvents,
		PublishEnabled: cfg.PublishEnabled,
		RegisterExpiry: cfg.RegisterExpiry,
		StunAddress:    cfg.StunAddress,
	}
}

func (c *Config) setDefaults() {
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.MaxCalls <= 0 {
		c.MaxCalls = defaultMaxCalls
	}
	if c.MaxFilePorts <= 0 {
		c.MaxFilePorts = defaultMaxFilePorts
	}
	if c.RegisterExpiry <= 0 {
		c.RegisterExpiry = defaultRegisterExpiry
	}
	if c.RTPPortMin == 0 && c.RTPPortMax == 0 {
		c.RTPPortMin = media.DefaultPortMin
		c.RTPPortMax = media.DefaultPortMax
	}
	if c.ContactHost == "" {
		c.ContactHost = "127.0.0.1"
	}
}

var errStopping = errors.New("engine is shutting down")

var _ engine.Engine = (*Engine)(nil)

// Engine is a SIP user agent implementing engine.Engine.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client
	ports  *media.PortPool
	bridge *confbridge.Bridge
	queue  *eventQueue
	wg     sync.WaitGroup

	mu       sync.Mutex
	handler  engine.Handler
	started  bool
	stopping bool // Close is tearing down; Start and commands are refused
	released bool // ua, srv and client are closed and must be rebuilt
	ctx      context.Context
	cancel   context.CancelFunc

	calls   []*call
	dialogs map[string]*call // by SIP Call-ID

	accounts  map[engine.AccountID]*account
	nextAcc   engine.AccountID
	buddies   map[engine.BuddyID]*buddy
	nextBuddy engine.BuddyID
	watchers  map[string]*watcher // by SUBSCRIBE Call-ID
	presence  map[engine.AccountID]presenceDoc

	players   map[engine.Port]*filePort
	recorders map[engine.Port]*filePort

	timers map[timerKey]*time.Timer
	codecs []codecPref
}

// New creates an engine. Listeners are not opened until Start.
func New(cfg Config, logger *slog.Logger) (*Engine, error) {
	cfg.setDefaults()
	logger = logger.With("component", "sipua")

	ports, err := media.NewPortPool(cfg.BindIP, cfg.RTPPortMin, cfg.RTPPortMax, logger)
	if err != nil {
		return nil, fmt.Errorf("creating rtp port pool: %w", err)
	}

	e := &Engine{
		cfg:    cfg,
		logger: logger,
		ports:  ports,
		bridge: confbridge.New(cfg.MaxCalls+cfg.MaxFilePorts+1, logger),
		queue:  newEventQueue(),
		codecs: defaultCodecs(),
	}
	e.resetTables()
	if err := e.openStack(); err != nil {
		return nil, err
	}
	return e, nil
}

// openStack builds a fresh sipgo user agent, server and client.
func (e *Engine) openStack() error {
	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(e.cfg.UserAgent),
		sipgo.WithUserAgentHostname(e.cfg.ContactHost),
	)
	if err != nil {
		return fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(e.logger))
	if err != nil {
		ua.Close()
		return fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(e.logger))
	if err != nil {
		srv.Close()
		ua.Close()
		return fmt.Errorf("creating sip client: %w", err)
	}

	e.ua, e.srv, e.client = ua, srv, client
	e.released = false
	e.registerHandlers()
	return nil
}

func (e *Engine) closeStack() {
	if e.released {
		return
	}
	e.client.Close()
	e.srv.Close()
	e.ua.Close()
	e.released = true
}

// resetTables forgets every call, account, buddy and file port so a
// restarted engine begins empty.
func (e *Engine) resetTables() {
	e.calls = make([]*call, e.cfg.MaxCalls)
	e.dialogs = make(map[string]*call)
	e.accounts = make(map[engine.AccountID]*account)
	e.nextAcc = 0
	e.buddies = make(map[engine.BuddyID]*buddy)
	e.nextBuddy = 0
	e.watchers = make(map[string]*watcher)
	e.presence = make(map[engine.AccountID]presenceDoc)
	e.players = make(map[engine.Port]*filePort)
	e.recorders = make(map[engine.Port]*filePort)
	e.timers = make(map[timerKey]*time.Timer)
}

// registerHandlers attaches SIP method handlers to the server.
func (e *Engine) registerHandlers() {
	e.srv.OnInvite(e.onInvite)
	e.srv.OnAck(e.onAck)
	e.srv.OnBye(e.onBye)
	e.srv.OnCancel(e.onCancel)
	e.srv.OnInfo(e.onInfo)
	e.srv.OnOptions(e.onOptions)
	e.srv.OnRefer(e.onRefer)
	e.srv.OnNotify(e.onNotify)
	e.srv.OnMessage(e.onMessage)
	e.srv.OnSubscribe(e.onSubscribe)
}

// SetHandler installs the event handler.
func (e *Engine) SetHandler(h engine.Handler) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
}

// MaxCalls returns the number of call slots.
func (e *Engine) MaxCalls() int { return e.cfg.MaxCalls }

// Bridge returns the conference bridge.
func (e *Engine) Bridge() *confbridge.Bridge { return e.bridge }

type listener struct {
	network string
	addr    string
	tls     *tls.Config
}

func (e *Engine) listeners() ([]listener, error) {
	host := e.cfg.BindIP
	if host == "" {
		host = "0.0.0.0"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(e.cfg.SIPPort))

	var ls []listener
	if !e.cfg.NoUDP {
		ls = append(ls, listener{network: "udp", addr: addr})
	}
	if !e.cfg.NoTCP {
		ls = append(ls, listener{network: "tcp", addr: addr})
	}
	if e.cfg.UseTLS {
		cert, err := tls.LoadX509KeyPair(e.cfg.TLSCert, e.cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("loading tls certificate: %w", err)
		}
		ls = append(ls, listener{
			network: "tls",
			addr:    net.JoinHostPort(host, strconv.Itoa(e.cfg.SIPPort+1)),
			tls: &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			},
		})
	}
	if len(ls) == 0 {
		return nil, errors.New("no sip transport enabled")
	}
	return ls, nil
}

// Start opens the SIP listeners and begins event delivery. A listener that
// fails to bind makes Start fail.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopping {
		return &engine.Error{Kind: engine.KindFatal, Op: "start", Err: errStopping}
	}
	if e.started {
		return &engine.Error{Kind: engine.KindAlreadyInitialized, Op: "start"}
	}
	if e.handler == nil {
		return engine.Invalid("start", "no event handler installed")
	}
	ls, err := e.listeners()
	if err != nil {
		return &engine.Error{Kind: engine.KindFatal, Op: "start", Err: err}
	}
	if e.released {
		if err := e.openStack(); err != nil {
			return &engine.Error{Kind: engine.KindFatal, Op: "start", Err: err}
		}
	}
	e.queue.reopen()

	ctx, cancel := context.WithCancel(ctx)
	errc := make(chan error, len(ls))
	for _, l := range ls {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.logger.Info("sip listener starting", "transport", l.network, "addr", l.addr)
			var err error
			if l.tls != nil {
				err = e.srv.ListenAndServeTLS(ctx, l.network, l.addr, l.tls)
			} else {
				err = e.srv.ListenAndServe(ctx, l.network, l.addr)
			}
			if err != nil && ctx.Err() == nil {
				e.logger.Error("sip listener stopped", "transport", l.network, "error", err)
				errc <- fmt.Errorf("%s listener on %s: %w", l.network, l.addr, err)
			}
		}()
	}

	select {
	case err := <-errc:
		cancel()
		e.wg.Wait()
		e.queue.close()
		e.closeStack()
		return &engine.Error{Kind: engine.KindFatal, Op: "start", Err: err}
	case <-time.After(listenGrace):
	}

	e.ctx, e.cancel = ctx, cancel
	e.started = true
	if !e.cfg.PollingEvents {
		go e.dispatch(ctx)
	}
	if e.cfg.StunAddress != "" {
		e.emit(&engine.NATDetected{
			Err: &engine.Error{Kind: engine.KindUnsupported, Op: "nat_detect", Err: fmt.Errorf("stun server %s not supported", e.cfg.StunAddress)},
		})
	}
	e.logger.Info("sip engine started", "max_calls", e.cfg.MaxCalls, "polling", e.cfg.PollingEvents)
	return nil
}

func (e *Engine) requireStarted(op string) error {
	if !e.started || e.stopping {
		return &engine.Error{Kind: engine.KindNotInitialized, Op: op}
	}
	return nil
}

// Close hangs up every call, unregisters accounts and releases the SIP
// stack and media resources. The engine can be started again afterwards
// and begins with no calls, accounts or buddies. An event delivery
// already in progress is not waited for.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.stopping || (!e.started && e.released) {
		e.mu.Unlock()
		return nil
	}
	e.stopping = true
	started := e.started

	for _, c := range e.calls {
		if c != nil && c.state != engine.CallStateDisconnected {
			e.hangupLocked(c, 0, "", nil)
		}
	}
	var unregister []*account
	for _, a := range e.accounts {
		a.stop()
		if a.registered {
			unregister = append(unregister, a)
		}
	}
	for _, b := range e.buddies {
		b.stop()
	}
	for _, t := range e.timers {
		t.Stop()
	}
	for _, f := range e.players {
		f.close()
	}
	for _, f := range e.recorders {
		f.close()
	}
	e.mu.Unlock()

	if started {
		for _, a := range unregister {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if _, err := e.sendRegister(ctx, a, 0); err != nil {
				e.logger.Warn("unregister on close failed", "account_id", a.id, "error", err)
			}
			cancel()
		}
	}

	e.queue.close()
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
	e.closeStack()

	e.mu.Lock()
	for _, c := range e.calls {
		if c != nil {
			e.teardownMedia(c)
		}
	}
	for _, p := range e.bridge.Ports() {
		if p.Kind != confbridge.KindSoundDevice {
			e.bridge.Remove(p.Port)
		}
	}
	e.resetTables()
	e.ctx, e.cancel = nil, nil
	e.started, e.stopping = false, false
	e.mu.Unlock()

	e.logger.Info("sip engine closed")
	return nil
}
