// Package classify maps regulator wire responses onto a closed set of error
// codes that drive retry, circuit-breaker, and user-visible behavior.
package classify

import (
	"strconv"
	"strings"

	"github.com/maisonpos/fiscalcore/pkg/regulator"
)

// Code is one of the seven classified outcomes.
type Code string

const (
	CodeOK               Code = "OK"
	CodeTempUnavailable  Code = "TEMP_UNAVAILABLE"
	CodeDuplicate        Code = "DUPLICATE"
	CodeRateLimit        Code = "RATE_LIMIT"
	CodeInvalidSignature Code = "INVALID_SIGNATURE"
	CodeInvalidHeader    Code = "INVALID_HEADER"
	CodeUnknown          Code = "UNKNOWN"
)

// Result is a classified wire outcome. RawMessage is sanitized before it is
// ever stored or logged.
type Result struct {
	Code       Code
	Retryable  bool
	HTTPStatus int
	RawCode    string
	RawMessage string
}

// Signature-related keywords in 4xx bodies, matched case-insensitively
// against both the regulator error code and message.
var signatureKeywords = []string{"signa", "empreinte", "signature"}

// Header/identifier-related keywords in 4xx bodies.
var headerKeywords = []string{"entet", "header", "idappr", "idsev", "idpartn", "codcertif", "identifi"}

// Classify maps a response (including transport failures) to a Result.
func Classify(resp *regulator.Response) Result {
	if resp.TransportCode != regulator.TransportNone {
		return Result{
			Code:       CodeTempUnavailable,
			Retryable:  true,
			HTTPStatus: 0,
			RawCode:    string(resp.TransportCode),
		}
	}

	rawCode, rawMsg := firstError(resp)

	switch {
	case resp.Succeeded():
		return Result{Code: CodeOK, HTTPStatus: resp.Status}

	case resp.Status == 409:
		return Result{Code: CodeDuplicate, HTTPStatus: resp.Status, RawCode: rawCode, RawMessage: Sanitize(rawMsg)}

	case resp.Status == 429:
		return Result{Code: CodeRateLimit, Retryable: true, HTTPStatus: resp.Status, RawCode: rawCode, RawMessage: Sanitize(rawMsg)}

	case resp.Status >= 400 && resp.Status < 500:
		code := CodeUnknown
		if matchesAny(rawCode, rawMsg, signatureKeywords) {
			code = CodeInvalidSignature
		} else if matchesAny(rawCode, rawMsg, headerKeywords) {
			code = CodeInvalidHeader
		}
		return Result{Code: code, HTTPStatus: resp.Status, RawCode: rawCode, RawMessage: Sanitize(rawMsg)}

	case resp.Status >= 500:
		return Result{Code: CodeTempUnavailable, Retryable: true, HTTPStatus: resp.Status, RawCode: rawCode, RawMessage: Sanitize(rawMsg)}

	default:
		return Result{Code: CodeUnknown, HTTPStatus: resp.Status, RawCode: rawCode, RawMessage: Sanitize(rawMsg)}
	}
}

func firstError(resp *regulator.Response) (code, msg string) {
	if errs := resp.Errors(); len(errs) > 0 {
		return errs[0].CodRetour, errs[0].Mess
	}
	if resp.RawText != "" {
		return "", resp.RawText
	}
	return "", ""
}

func matchesAny(code, msg string, keywords []string) bool {
	haystack := strings.ToLower(code + " " + msg)
	for _, kw := range keywords {
		if strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}

// UserMessage renders the operator-facing description of a terminal outcome.
func (r Result) UserMessage(attempts int) string {
	switch r.Code {
	case CodeOK:
		return "submitted"
	case CodeDuplicate:
		return "already submitted"
	case CodeTempUnavailable, CodeRateLimit:
		if attempts > 0 {
			return "delivery failed after " + strconv.Itoa(attempts) + " attempts"
		}
		return "regulator temporarily unavailable; will retry"
	default:
		if r.RawMessage != "" {
			return "submission rejected: " + r.RawMessage
		}
		return "submission rejected"
	}
}
