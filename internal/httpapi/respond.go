package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"authgate.dev/internal/auth"
	"authgate.dev/internal/login"
	"authgate.dev/internal/obs"
)

const maxBodyBytes = 1 << 20

// errEmptyBody reports a request that carried no body at all. It wraps
// ErrInvalidInput so handlers that require a body map it to a 400; handlers
// that accept a blank body check for it explicitly.
var errEmptyBody = fmt.Errorf("%w: empty request body", auth.ErrInvalidInput)

// envelope tags every response body so clients can switch on "t" without
// sniffing field sets.
type stepsEnvelope struct {
	T     string `json:"t"`
	Step  string `json:"step"`
	State string `json:"state"`
}

type dataEnvelope struct {
	T    string `json:"t"`
	Data any    `json:"data"`
}

type errorEnvelope struct {
	T       string `json:"t"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, status int, t string, data any) {
	writeJSON(w, status, dataEnvelope{T: t, Data: data})
}

// writeError maps internal error kinds onto transport status codes. The
// mapping lives here and nowhere else; inner packages return sentinel errors
// and never see HTTP.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorEnvelope{T: "error", Code: "invalid_input", Message: err.Error()})
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrCodeConsumed),
		errors.Is(err, login.ErrInvalidState):
		// One generic body for every authentication failure so responses do
		// not reveal which check rejected the attempt.
		writeJSON(w, http.StatusUnauthorized, errorEnvelope{T: "error", Code: "unauthorized", Message: "authentication failed"})
	case errors.Is(err, auth.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorEnvelope{T: "error", Code: "forbidden", Message: "insufficient permissions"})
	case errors.Is(err, auth.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorEnvelope{T: "error", Code: "not_found", Message: "resource not found"})
	case errors.Is(err, auth.ErrAlreadyExists):
		writeJSON(w, http.StatusConflict, errorEnvelope{T: "error", Code: "already_exists", Message: "resource already exists"})
	default:
		obs.Logger().WithError(err).Error("internal error")
		writeJSON(w, http.StatusInternalServerError, errorEnvelope{T: "error", Code: "internal_error", Message: "internal error"})
	}
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{T: "error", Code: code, Message: message})
}

// decodeJSON reads a bounded request body into dst, rejecting unknown fields
// and non-JSON media types. A request with no body at all yields errEmptyBody.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil || mt != "application/json" {
			return fmt.Errorf("%w: unsupported media type %q", auth.ErrInvalidInput, ct)
		}
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return fmt.Errorf("%w: malformed request body", auth.ErrInvalidInput)
	}
	// A second document after the first means the payload is junk.
	if dec.More() {
		return fmt.Errorf("%w: request body must contain a single object", auth.ErrInvalidInput)
	}
	return nil
}
