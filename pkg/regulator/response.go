// Package regulator implements the wire protocol toward the fiscal
// authority: the mutually-authenticated HTTP client, device enrollment, and
// request/response shapes.
package regulator

import (
	"encoding/json"
)

// TransportCode tags a failure that happened below HTTP.
type TransportCode string

const (
	TransportNone    TransportCode = ""
	TransportTimeout TransportCode = "TIMEOUT"
	TransportNetwork TransportCode = "NETWORK_ERROR"
)

// Response is the structured outcome of one POST. Transport-level failures
// carry Status 0 and a TransportCode; HTTP outcomes carry the status and the
// parsed (or raw) body.
type Response struct {
	Status        int
	TransportCode TransportCode
	Body          []byte
	Parsed        *Envelope // nil when the body is not JSON
	RawText       string    // retained when JSON parsing fails
	DurationMs    int64
}

// Envelope is the top-level response document. Transactions answer under
// retourTrans, closings under retourFer.
type Envelope struct {
	RetourTrans *Retour `json:"retourTrans,omitempty"`
	RetourFer   *Retour `json:"retourFer,omitempty"`
}

// Retour is the per-call result block.
type Retour struct {
	Actu *Actu `json:"retourTransActu,omitempty"`
	Fer  *Actu `json:"retourFerActu,omitempty"`
}

// Actu carries either the regulator-side transaction id or an error list.
type Actu struct {
	PsiNoTrans string      `json:"psiNoTrans,omitempty"`
	PsiNoFer   string      `json:"psiNoFer,omitempty"`
	ListErr    []WireError `json:"listErr,omitempty"`
}

// WireError is one regulator-reported error.
type WireError struct {
	ID        string `json:"id"`
	CodRetour string `json:"codRetour"`
	Mess      string `json:"mess"`
}

// parseBody attempts JSON decoding; on failure the raw text is retained.
func (r *Response) parseBody() {
	if len(r.Body) == 0 {
		return
	}
	var env Envelope
	if err := json.Unmarshal(r.Body, &env); err != nil {
		r.RawText = string(r.Body)
		return
	}
	r.Parsed = &env
}

// result returns the populated Actu block regardless of operation kind.
func (r *Response) result() *Actu {
	if r.Parsed == nil {
		return nil
	}
	if r.Parsed.RetourTrans != nil {
		if r.Parsed.RetourTrans.Actu != nil {
			return r.Parsed.RetourTrans.Actu
		}
		return r.Parsed.RetourTrans.Fer
	}
	if r.Parsed.RetourFer != nil {
		if r.Parsed.RetourFer.Fer != nil {
			return r.Parsed.RetourFer.Fer
		}
		return r.Parsed.RetourFer.Actu
	}
	return nil
}

// TransactionID extracts the regulator-assigned id, if any.
func (r *Response) TransactionID() string {
	actu := r.result()
	if actu == nil {
		return ""
	}
	if actu.PsiNoTrans != "" {
		return actu.PsiNoTrans
	}
	return actu.PsiNoFer
}

// Errors returns the regulator-reported error list, if any.
func (r *Response) Errors() []WireError {
	actu := r.result()
	if actu == nil {
		return nil
	}
	return actu.ListErr
}

// Succeeded reports a 2xx response bearing a regulator transaction id and no
// error list.
func (r *Response) Succeeded() bool {
	return r.Status >= 200 && r.Status < 300 && r.TransactionID() != "" && len(r.Errors()) == 0
}
