package session

import (
	"errors"
	"strings"

	"github.com/icejuk/sipeksdk/internal/engine"
	"github.com/icejuk/sipeksdk/internal/feature"
	"github.com/icejuk/sipeksdk/internal/presence"
	"github.com/icejuk/sipeksdk/internal/registry"
)

// RegisterAccount adds a SIP account and starts its registration. The
// outcome arrives later as a registration notification.
func (s *Session) RegisterAccount(cfg engine.AccountConfig) (engine.AccountID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireInit("register_account"); err != nil {
		return engine.InvalidAccount, err
	}
	cfg.Username = strings.TrimSpace(cfg.Username)
	cfg.Domain = strings.TrimSpace(cfg.Domain)
	if cfg.Username == "" || cfg.Domain == "" {
		return engine.InvalidAccount, engine.Invalid("register_account", "username and domain are required")
	}
	if strings.ContainsAny(cfg.Username+cfg.Domain, " \t@<>") {
		return engine.InvalidAccount, engine.Invalid("register_account", "invalid characters in account %s@%s", cfg.Username, cfg.Domain)
	}
	if cfg.Proxy != "" {
		proxy, err := feature.ValidateURI(cfg.Proxy)
		if err != nil {
			return engine.InvalidAccount, err
		}
		cfg.Proxy = proxy
	}

	id, err := s.eng.AddAccount(cfg)
	if err != nil {
		s.logger.Error("adding account failed", "username", cfg.Username, "domain", cfg.Domain, "error", err)
		return engine.InvalidAccount, engineErr("register_account", err)
	}
	if cfg.Default {
		for _, a := range s.reg.Accounts() {
			s.reg.UpdateAccount(a.ID, func(a *registry.AccountRecord) { a.Default = false })
		}
	}
	rec := registry.AccountRecord{
		ID:      id,
		URI:     "sip:" + cfg.Username + "@" + cfg.Domain,
		Domain:  cfg.Domain,
		Default: cfg.Default,
	}
	if err := s.reg.PutAccount(rec); err != nil {
		s.eng.RemoveAccount(id)
		return engine.InvalidAccount, err
	}
	s.logger.Info("account added", "account_id", id, "uri", rec.URI, "default", cfg.Default)
	return id, nil
}

// RemoveAccounts removes every account.
func (s *Session) RemoveAccounts() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireInit("remove_accounts"); err != nil {
		return err
	}
	var errs []error
	for _, a := range s.reg.Accounts() {
		if err := s.eng.RemoveAccount(a.ID); err != nil {
			s.logger.Error("removing account failed", "account_id", a.ID, "error", err)
			errs = append(errs, engineErr("remove_accounts", err))
			continue
		}
		s.reg.RemoveAccount(a.ID)
	}
	return errors.Join(errs...)
}

// Accounts returns the account records.
func (s *Session) Accounts() ([]registry.AccountRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireInit("accounts"); err != nil {
		return nil, err
	}
	return s.reg.Accounts(), nil
}

// SetStatus publishes a presence state for acc.
func (s *Session) SetStatus(acc engine.AccountID, state presence.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireInit("set_status"); err != nil {
		return err
	}
	if _, ok := s.reg.Account(acc); !ok {
		return engine.Invalid("set_status", "unknown account %d", acc)
	}
	if err := presence.Publish(s.eng, acc, state); err != nil {
		return engineErr("set_status", err)
	}
	online := state != presence.Offline
	s.reg.UpdateAccount(acc, func(a *registry.AccountRecord) { a.Online = online })
	s.logger.Info("presence published", "account_id", acc, "state", state.String())
	return nil
}

// AddBuddy adds uri to the buddy list, optionally subscribing to its
// presence.
func (s *Session) AddBuddy(uri string, subscribe bool) (engine.BuddyID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireInit("add_buddy"); err != nil {
		return 0, err
	}
	target, err := feature.ValidateURI(s.resolve(uri))
	if err != nil {
		return 0, err
	}
	for _, b := range s.reg.Buddies() {
		if b.URI == target {
			return 0, engine.Invalid("add_buddy", "buddy %s already exists", target)
		}
	}
	id, err := s.eng.AddBuddy(target, subscribe)
	if err != nil {
		return 0, engineErr("add_buddy", err)
	}
	if err := s.reg.PutBuddy(registry.BuddyRecord{ID: id, URI: target, Subscribed: subscribe}); err != nil {
		s.eng.RemoveBuddy(id)
		return 0, err
	}
	s.logger.Info("buddy added", "buddy_id", id, "uri", target, "subscribe", subscribe)
	return id, nil
}

// RemoveBuddy removes a buddy.
func (s *Session) RemoveBuddy(id engine.BuddyID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireInit("remove_buddy"); err != nil {
		return err
	}
	if _, ok := s.reg.Buddy(id); !ok {
		return engine.Invalid("remove_buddy", "unknown buddy %d", id)
	}
	if err := s.eng.RemoveBuddy(id); err != nil {
		return engineErr("remove_buddy", err)
	}
	s.reg.RemoveBuddy(id)
	return nil
}

// Buddies returns the buddy records.
func (s *Session) Buddies() ([]registry.BuddyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireInit("buddies"); err != nil {
		return nil, err
	}
	return s.reg.Buddies(), nil
}

// SendMessage sends an instant message from acc to uri.
func (s *Session) SendMessage(acc engine.AccountID, uri, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireInit("send_message"); err != nil {
		return err
	}
	if _, ok := s.reg.Account(acc); !ok {
		return engine.Invalid("send_message", "unknown account %d", acc)
	}
	if text == "" {
		return engine.Invalid("send_message", "empty message")
	}
	target, err := feature.ValidateURI(s.resolve(uri))
	if err != nil {
		return err
	}
	return engineErr("send_message", s.eng.SendMessage(acc, target, text))
}

// SendTyping sends an is-composing indication from acc to uri.
func (s *Session) SendTyping(acc engine.AccountID, uri string, typing bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireInit("send_typing"); err != nil {
		return err
	}
	target, err := feature.ValidateURI(s.resolve(uri))
	if err != nil {
		return err
	}
	return engineErr("send_typing", s.eng.SendTyping(acc, target, typing))
}

// Codecs lists the engine's codecs with their priorities.
func (s *Session) Codecs() ([]engine.CodecInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireInit("codecs"); err != nil {
		return nil, err
	}
	return s.eng.Codecs(), nil
}

// SetCodecPriority sets the offer priority of codec name. Zero disables
// the codec.
func (s *Session) SetCodecPriority(name string, priority int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireInit("set_codec_priority"); err != nil {
		return err
	}
	if priority < 0 || priority > 255 {
		return engine.Invalid("set_codec_priority", "priority %d out of range [0,255]", priority)
	}
	return engineErr("set_codec_priority", s.eng.SetCodecPriority(name, priority))
}

// AccountStatus is the registration summary of one account.
type AccountStatus struct {
	ID     engine.AccountID
	URI    string
	Status int
}

// AccountStatuses returns the registration status of every account.
func (s *Session) AccountStatuses() []AccountStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil
	}
	var out []AccountStatus
	for _, a := range s.reg.Accounts() {
		out = append(out, AccountStatus{ID: a.ID, URI: a.URI, Status: a.Status})
	}
	return out
}

// BuddyCount returns the number of buddies.
func (s *Session) BuddyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return 0
	}
	return len(s.reg.Buddies())
}
