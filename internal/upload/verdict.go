package upload

import (
	"bytes"
	"net/http"

	"github.com/valyala/fastjson"
)

var verdictParsers fastjson.ParserPool

// verdict is what the collector may say about a rejected payload:
//
//	{"retryable": false, "error": "schema mismatch"}
//
// Both fields are optional and non-JSON bodies are ignored.
type verdict struct {
	retryable *bool
	message   string
}

func parseVerdict(b []byte) verdict {
	var v verdict
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		return v
	}
	p := verdictParsers.Get()
	defer verdictParsers.Put(p)

	val, err := p.ParseBytes(b)
	if err != nil {
		return v
	}
	if r := val.Get("retryable"); r != nil {
		if ok, err := r.Bool(); err == nil {
			v.retryable = &ok
		}
	}
	if m := val.GetStringBytes("error"); len(m) > 0 {
		v.message = string(m)
	} else if m := val.GetStringBytes("message"); len(m) > 0 {
		v.message = string(m)
	}
	return v
}

// retryableStatus: server errors, timeouts and throttling are worth another
// try; other client errors are not.
func retryableStatus(code int) bool {
	switch {
	case code >= 500:
		return true
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

func statusError(code int, respBody []byte) *StatusError {
	v := parseVerdict(respBody)
	e := &StatusError{Code: code, Message: v.message, Retryable: retryableStatus(code)}
	if v.retryable != nil {
		e.Retryable = *v.retryable
	}
	return e
}
