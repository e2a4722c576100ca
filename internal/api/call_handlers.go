package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/icejuk/sipeksdk/internal/engine"
	"github.com/icejuk/sipeksdk/internal/feature"
	"github.com/icejuk/sipeksdk/internal/registry"
	"github.com/icejuk/sipeksdk/internal/session"
)

// callResponse is the JSON form of a call record.
type callResponse struct {
	ID             engine.CallID    `json:"id"`
	State          string           `json:"state"`
	MediaState     string           `json:"media_state"`
	Direction      string           `json:"direction"`
	AccountID      engine.AccountID `json:"account_id"`
	RemoteURI      string           `json:"remote_uri"`
	RemoteContact  string           `json:"remote_contact,omitempty"`
	ConfSlot       engine.Port      `json:"conf_slot"`
	StartedAt      string           `json:"started_at"`
	ConfirmedAt    string           `json:"confirmed_at,omitempty"`
	LastStatus     int              `json:"last_status,omitempty"`
	LastStatusText string           `json:"last_status_text,omitempty"`
}

func toCallResponse(rec registry.CallRecord) callResponse {
	resp := callResponse{
		ID:             rec.ID,
		State:          rec.State.String(),
		MediaState:     rec.MediaState.String(),
		Direction:      rec.Direction.String(),
		AccountID:      rec.Account,
		RemoteURI:      rec.RemoteURI,
		RemoteContact:  rec.RemoteContact,
		ConfSlot:       rec.ConfSlot,
		StartedAt:      rec.StartedAt.Format(time.RFC3339),
		LastStatus:     rec.LastStatus,
		LastStatusText: rec.LastStatusText,
	}
	if rec.WasConfirmed() {
		resp.ConfirmedAt = rec.ConfirmedAt.Format(time.RFC3339)
	}
	return resp
}

// callID parses the {id} path parameter, writing a 400 when it is malformed.
func callID(w http.ResponseWriter, r *http.Request) (engine.CallID, bool) {
	n, ok := parseIntParam(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid call id")
		return engine.InvalidCall, false
	}
	return engine.CallID(n), true
}

// handleListCalls returns the live calls.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	calls, err := s.session.Calls()
	if err != nil {
		s.writeSessionError(w, "list calls", err)
		return
	}
	out := make([]callResponse, len(calls))
	for i, c := range calls {
		out[i] = toCallResponse(c)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleCurrentCall returns the call the cursor points at.
func (s *Server) handleCurrentCall(w http.ResponseWriter, r *http.Request) {
	id := s.session.CurrentCall()
	if id == engine.InvalidCall {
		writeError(w, http.StatusNotFound, "no current call")
		return
	}
	rec, err := s.session.Call(id)
	if err != nil {
		s.writeSessionError(w, "current call", err)
		return
	}
	writeJSON(w, http.StatusOK, toCallResponse(rec))
}

// handleGetCall returns one call.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	id, ok := callID(w, r)
	if !ok {
		return
	}
	rec, err := s.session.Call(id)
	if err != nil {
		s.writeSessionError(w, "get call", err)
		return
	}
	writeJSON(w, http.StatusOK, toCallResponse(rec))
}

type makeCallRequest struct {
	Account engine.AccountID `json:"account"`
	URI     string           `json:"uri"`
}

// handleMakeCall places an outgoing call.
func (s *Server) handleMakeCall(w http.ResponseWriter, r *http.Request) {
	var req makeCallRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateTarget("uri", req.URI); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	id, err := s.session.MakeCall(req.Account, req.URI)
	if err != nil {
		s.writeSessionError(w, "make call", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]engine.CallID{"id": id})
}

// handleReleaseCall hangs up a call.
func (s *Server) handleReleaseCall(w http.ResponseWriter, r *http.Request) {
	s.callAction(w, r, "release call", s.session.ReleaseCall)
}

type answerRequest struct {
	Code int `json:"code"`
}

// handleAnswerCall answers (or rejects) an incoming call. The code
// defaults to 200.
func (s *Server) handleAnswerCall(w http.ResponseWriter, r *http.Request) {
	id, ok := callID(w, r)
	if !ok {
		return
	}
	req := answerRequest{Code: http.StatusOK}
	if r.ContentLength != 0 {
		if errMsg := readJSON(r, &req); errMsg != "" {
			writeError(w, http.StatusBadRequest, errMsg)
			return
		}
	}
	if err := s.session.AnswerCall(id, req.Code); err != nil {
		s.writeSessionError(w, "answer call", err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// handleHoldCall puts a call on hold.
func (s *Server) handleHoldCall(w http.ResponseWriter, r *http.Request) {
	s.callAction(w, r, "hold call", s.session.HoldCall)
}

// handleRetrieveCall takes a call off hold.
func (s *Server) handleRetrieveCall(w http.ResponseWriter, r *http.Request) {
	s.callAction(w, r, "retrieve call", s.session.RetrieveCall)
}

// handleConference bridges a call with every other call that has media.
func (s *Server) handleConference(w http.ResponseWriter, r *http.Request) {
	s.callAction(w, r, "conference", s.session.MakeConference)
}

// callAction runs a body-less command on the {id} call.
func (s *Server) callAction(w http.ResponseWriter, r *http.Request, op string, fn func(engine.CallID) error) {
	id, ok := callID(w, r)
	if !ok {
		return
	}
	if err := fn(id); err != nil {
		s.writeSessionError(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

type transferRequest struct {
	URI string `json:"uri"`
}

// handleTransferCall blind-transfers a call.
func (s *Server) handleTransferCall(w http.ResponseWriter, r *http.Request) {
	id, ok := callID(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateTarget("uri", req.URI); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if err := s.session.XferCall(id, req.URI); err != nil {
		s.writeSessionError(w, "transfer call", err)
		return
	}
	writeJSON(w, http.StatusAccepted, nil)
}

type transferReplacesRequest struct {
	Target *engine.CallID `json:"target"`
}

// handleTransferReplaces does an attended transfer onto another call.
func (s *Server) handleTransferReplaces(w http.ResponseWriter, r *http.Request) {
	id, ok := callID(w, r)
	if !ok {
		return
	}
	var req transferReplacesRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.Target == nil {
		writeError(w, http.StatusBadRequest, "target is required")
		return
	}
	if err := s.session.XferCallWithReplaces(id, *req.Target); err != nil {
		s.writeSessionError(w, "transfer replaces", err)
		return
	}
	writeJSON(w, http.StatusAccepted, nil)
}

type dtmfRequest struct {
	Digits string `json:"digits"`
	Mode   string `json:"mode"`
}

// handleDialDTMF sends DTMF digits. Mode is info (default), rfc2833 or inband.
func (s *Server) handleDialDTMF(w http.ResponseWriter, r *http.Request) {
	id, ok := callID(w, r)
	if !ok {
		return
	}
	var req dtmfRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	mode, err := session.ParseDTMFMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.session.DialDTMF(id, req.Digits, mode); err != nil {
		s.writeSessionError(w, "dial dtmf", err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

type infoRequest struct {
	Body string `json:"body"`
}

// handleSendInfo sends a dtmf-relay INFO on a call.
func (s *Server) handleSendInfo(w http.ResponseWriter, r *http.Request) {
	id, ok := callID(w, r)
	if !ok {
		return
	}
	var req infoRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateRequiredStringLen("body", req.Body, maxMessageLen); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if err := s.session.SendInfo(id, req.Body); err != nil {
		s.writeSessionError(w, "send info", err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

type serviceRequest struct {
	Code        string `json:"code"`
	Destination string `json:"destination"`
}

// handleServiceRequest runs a feature service (forwarding, DND, deflect)
// on a call.
func (s *Server) handleServiceRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := callID(w, r)
	if !ok {
		return
	}
	var req serviceRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	code, err := feature.ParseServiceCode(req.Code)
	if err != nil {
		s.writeSessionError(w, "service request", err)
		return
	}
	if errMsg := validateStringLen("destination", req.Destination, maxURILen); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if err := s.session.ServiceRequest(id, code, req.Destination); err != nil {
		s.writeSessionError(w, "service request", err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

type textRequest struct {
	Text string `json:"text"`
}

// handleCallMessage sends an instant message inside a call.
func (s *Server) handleCallMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := callID(w, r)
	if !ok {
		return
	}
	var req textRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateRequiredStringLen("text", req.Text, maxMessageLen); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if err := s.session.SendCallMessage(id, req.Text); err != nil {
		s.writeSessionError(w, "call message", err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}
