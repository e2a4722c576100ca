package sipua

import (
	"context"
	"fmt"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

const (
	allowMethods    = "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO, REFER, NOTIFY, MESSAGE, SUBSCRIBE"
	contentTypeText = "text/plain;charset=utf-8"
)

// fire sends req and waits for its final response in the background,
// retrying once with digest credentials when challenged. done runs
// without the engine lock held. Must be called with e.mu held.
func (e *Engine) fire(req *sip.Request, a *account, done func(*sip.Response, error)) {
	if e.ctx == nil {
		return
	}
	ctx, cancel := context.WithTimeout(e.ctx, requestTimeout)
	tx, err := e.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		cancel()
		e.logger.Error("sending request failed", "method", req.Method.String(), "call_id", callIDOf(req), "error", err)
		if done != nil {
			go done(nil, err)
		}
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		res, err := e.complete(ctx, req, tx, a)
		if err != nil {
			e.logger.Debug("request failed", "method", req.Method.String(), "call_id", callIDOf(req), "error", err)
		}
		if done != nil {
			done(res, err)
		}
	}()
}

// do sends req and waits for its final response.
func (e *Engine) do(ctx context.Context, req *sip.Request, a *account, opts ...sipgo.ClientRequestOption) (*sip.Response, error) {
	if len(opts) == 0 {
		opts = []sipgo.ClientRequestOption{sipgo.ClientRequestBuild}
	}
	tx, err := e.client.TransactionRequest(ctx, req, opts...)
	if err != nil {
		return nil, fmt.Errorf("sending %s: %w", req.Method.String(), err)
	}
	return e.complete(ctx, req, tx, a)
}

func (e *Engine) complete(ctx context.Context, req *sip.Request, tx sip.ClientTransaction, a *account) (*sip.Response, error) {
	res, err := finalResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return nil, err
	}
	if (res.StatusCode != 401 && res.StatusCode != 407) || a == nil || a.cfg.Password == "" {
		return res, nil
	}

	authReq, err := authorize(req, res, a.authUser(), a.cfg.Password)
	if err != nil {
		return res, err
	}
	tx2, err := e.client.TransactionRequest(ctx, authReq,
		sipgo.ClientRequestIncreaseCSEQ,
		sipgo.ClientRequestAddVia,
	)
	if err != nil {
		return nil, fmt.Errorf("sending authenticated %s: %w", req.Method.String(), err)
	}
	res, err = finalResponse(ctx, tx2)
	tx2.Terminate()
	return res, err
}

// finalResponse waits for the first final response of a client
// transaction.
func finalResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
		case res := <-tx.Responses():
			if res.StatusCode >= 200 {
				return res, nil
			}
		}
	}
}

// authorize answers a 401/407 challenge with a copy of req carrying digest
// credentials.
func authorize(req *sip.Request, challenge *sip.Response, username, password string) (*sip.Request, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if challenge.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	hdr := challenge.GetHeader(authHeader)
	if hdr == nil {
		return nil, fmt.Errorf("received %d but no %s header", challenge.StatusCode, authHeader)
	}
	chal, err := digest.ParseChallenge(hdr.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: username,
		Password: password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.RemoveHeader(authzHeader)
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))
	return authReq, nil
}

// toTag returns the To tag of a response.
func toTag(res *sip.Response) string {
	if to := res.To(); to != nil {
		return tagOf(to.Params)
	}
	return ""
}

// reasonPhrase returns the standard reason for a status code.
func reasonPhrase(code int) string {
	switch code {
	case 100:
		return "Trying"
	case 180:
		return "Ringing"
	case 181:
		return "Call Is Being Forwarded"
	case 182:
		return "Queued"
	case 183:
		return "Session Progress"
	case 200:
		return "OK"
	case 202:
		return "Accepted"
	case 302:
		return "Moved Temporarily"
	case 400:
		return "Bad Request"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 408:
		return "Request Timeout"
	case 410:
		return "Gone"
	case 480:
		return "Temporarily Unavailable"
	case 481:
		return "Call/Transaction Does Not Exist"
	case 486:
		return "Busy Here"
	case 487:
		return "Request Terminated"
	case 488:
		return "Not Acceptable Here"
	case 500:
		return "Server Internal Error"
	case 503:
		return "Service Unavailable"
	case 603:
		return "Decline"
	}
	switch {
	case code < 200:
		return "Session Progress"
	case code < 300:
		return "OK"
	case code < 400:
		return "Redirection"
	case code < 500:
		return "Client Error"
	case code < 600:
		return "Server Error"
	default:
		return "Global Failure"
	}
}
