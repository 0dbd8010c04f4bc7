package server

import (
	"encoding/json"
	"io"
	"net/http"

	"SettleLedger/internal/errs"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeErrorBody(w, errs.HTTPStatus(err), errorBody{Code: errs.Code(err), Message: err.Error()})
}

func writeErrorBody(w http.ResponseWriter, status int, body errorBody) {
	if rec, ok := w.(*statusRecorder); ok {
		rec.errCode = body.Code
	}
	writeJSON(w, status, body)
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, errs.E(errs.KindValidation, "read body: %v", err)
	}
	if len(body) > maxBodyBytes {
		return nil, errs.E(errs.KindValidation, "body exceeds %d bytes", maxBodyBytes)
	}
	return body, nil
}

func decodeJSON(r *http.Request, v interface{}) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errs.E(errs.KindValidation, "malformed json: %v", err)
	}
	return nil
}

// statusRecorder captures the status code for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	errCode string
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
