package api

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/icejuk/sipeksdk/internal/engine"
	"github.com/icejuk/sipeksdk/internal/presence"
	"github.com/icejuk/sipeksdk/internal/registry"
)

// accountResponse is the JSON form of an account. Credentials are never
// returned.
type accountResponse struct {
	ID         engine.AccountID `json:"id"`
	URI        string           `json:"uri"`
	Domain     string           `json:"domain"`
	Status     int              `json:"status"`
	StatusText string           `json:"status_text,omitempty"`
	Expires    int              `json:"expires"`
	Online     bool             `json:"online"`
	Default    bool             `json:"default"`
}

func toAccountResponse(a registry.AccountRecord) accountResponse {
	return accountResponse{
		ID:         a.ID,
		URI:        a.URI,
		Domain:     a.Domain,
		Status:     a.Status,
		StatusText: a.StatusText,
		Expires:    a.Expires,
		Online:     a.Online,
		Default:    a.Default,
	}
}

// handleListAccounts returns every account with its registration state.
func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.session.Accounts()
	if err != nil {
		s.writeSessionError(w, "list accounts", err)
		return
	}
	out := make([]accountResponse, len(accounts))
	for i, a := range accounts {
		out[i] = toAccountResponse(a)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleRegisterAccount adds an account and starts its registration.
func (s *Server) handleRegisterAccount(w http.ResponseWriter, r *http.Request) {
	var req engine.AccountConfig
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := firstError(
		validateRequiredStringLen("username", req.Username, maxNameLen),
		validateRequiredStringLen("domain", req.Domain, maxNameLen),
		validateStringLen("auth_username", req.AuthUsername, maxNameLen),
		validateStringLen("password", req.Password, maxPasswordLen),
		validateStringLen("proxy", req.Proxy, maxURILen),
		validateStringLen("display_name", req.DisplayName, maxNameLen),
		validateNoControlChars("display_name", req.DisplayName),
	); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	switch strings.ToLower(req.Transport) {
	case "", "udp", "tcp", "tls":
	default:
		writeError(w, http.StatusBadRequest, "transport must be one of udp, tcp, tls")
		return
	}

	id, err := s.session.RegisterAccount(req)
	if err != nil {
		s.writeSessionError(w, "register account", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]engine.AccountID{"id": id})
}

// handleRemoveAccounts removes every account.
func (s *Server) handleRemoveAccounts(w http.ResponseWriter, r *http.Request) {
	if err := s.session.RemoveAccounts(); err != nil {
		s.writeSessionError(w, "remove accounts", err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

type presenceRequest struct {
	State string `json:"state"`
}

// handleSetPresence publishes the account's presence state.
func (s *Server) handleSetPresence(w http.ResponseWriter, r *http.Request) {
	n, ok := parseIntParam(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	var req presenceRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	state, err := presence.Parse(req.State)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.session.SetStatus(engine.AccountID(n), state); err != nil {
		s.writeSessionError(w, "set presence", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": state.String()})
}

// buddyResponse is the JSON form of a buddy.
type buddyResponse struct {
	ID         engine.BuddyID `json:"id"`
	URI        string         `json:"uri"`
	Subscribed bool           `json:"subscribed"`
	Status     string         `json:"status"`
	StatusText string         `json:"status_text,omitempty"`
}

// handleListBuddies returns the buddy list.
func (s *Server) handleListBuddies(w http.ResponseWriter, r *http.Request) {
	buddies, err := s.session.Buddies()
	if err != nil {
		s.writeSessionError(w, "list buddies", err)
		return
	}
	out := make([]buddyResponse, len(buddies))
	for i, b := range buddies {
		out[i] = buddyResponse{
			ID:         b.ID,
			URI:        b.URI,
			Subscribed: b.Subscribed,
			Status:     b.Status.String(),
			StatusText: b.StatusText,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type addBuddyRequest struct {
	URI       string `json:"uri"`
	Subscribe *bool  `json:"subscribe"`
}

// handleAddBuddy adds a buddy, subscribing to its presence unless
// subscribe is false.
func (s *Server) handleAddBuddy(w http.ResponseWriter, r *http.Request) {
	var req addBuddyRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateTarget("uri", req.URI); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	subscribe := true
	if req.Subscribe != nil {
		subscribe = *req.Subscribe
	}
	id, err := s.session.AddBuddy(req.URI, subscribe)
	if err != nil {
		s.writeSessionError(w, "add buddy", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]engine.BuddyID{"id": id})
}

// handleRemoveBuddy removes a buddy.
func (s *Server) handleRemoveBuddy(w http.ResponseWriter, r *http.Request) {
	n, ok := parseIntParam(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid buddy id")
		return
	}
	if err := s.session.RemoveBuddy(engine.BuddyID(n)); err != nil {
		s.writeSessionError(w, "remove buddy", err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

type messageRequest struct {
	Account engine.AccountID `json:"account"`
	URI     string           `json:"uri"`
	Text    string           `json:"text"`
}

// handleSendMessage sends an out-of-call instant message.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := firstError(
		validateTarget("uri", req.URI),
		validateRequiredStringLen("text", req.Text, maxMessageLen),
	); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if err := s.session.SendMessage(req.Account, req.URI, req.Text); err != nil {
		s.writeSessionError(w, "send message", err)
		return
	}
	writeJSON(w, http.StatusAccepted, nil)
}

type typingRequest struct {
	Account engine.AccountID `json:"account"`
	URI     string           `json:"uri"`
	Typing  bool             `json:"typing"`
}

// handleSendTyping sends an is-composing indication.
func (s *Server) handleSendTyping(w http.ResponseWriter, r *http.Request) {
	var req typingRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateTarget("uri", req.URI); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if err := s.session.SendTyping(req.Account, req.URI, req.Typing); err != nil {
		s.writeSessionError(w, "send typing", err)
		return
	}
	writeJSON(w, http.StatusAccepted, nil)
}

// handleListCodecs returns the codecs with their priorities.
func (s *Server) handleListCodecs(w http.ResponseWriter, r *http.Request) {
	codecs, err := s.session.Codecs()
	if err != nil {
		s.writeSessionError(w, "list codecs", err)
		return
	}
	writeJSON(w, http.StatusOK, codecs)
}

type codecPriorityRequest struct {
	Priority int `json:"priority"`
}

// handleSetCodecPriority changes a codec's priority; 0 disables it.
func (s *Server) handleSetCodecPriority(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid codec name")
		return
	}
	var req codecPriorityRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := firstError(
		validateRequiredStringLen("name", name, maxNameLen),
		validateIntRange("priority", req.Priority, 0, 255),
	); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if err = s.session.SetCodecPriority(name, req.Priority); err != nil {
		s.writeSessionError(w, "set codec priority", err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}
