// Package response writes the JSON envelopes of the control API.
package response

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	govErrors "plugin-governor/internal/errors"
)

// SuccessResponse represents a standardized success response
type SuccessResponse struct {
	Data      interface{} `json:"data"`
	Message   string      `json:"message,omitempty"`
	Timestamp string      `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// WriteJSON writes data wrapped in the success envelope with the given status
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, data interface{}, message ...string) {
	resp := SuccessResponse{
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: chimiddleware.GetReqID(r.Context()),
	}
	if len(message) > 0 {
		resp.Message = message[0]
	}

	body, err := json.Marshal(resp)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// WriteSuccess writes a 200 success response
func WriteSuccess(w http.ResponseWriter, r *http.Request, data interface{}, message ...string) {
	WriteJSON(w, r, http.StatusOK, data, message...)
}

// WriteCreated writes a 201 success response
func WriteCreated(w http.ResponseWriter, r *http.Request, data interface{}, message ...string) {
	WriteJSON(w, r, http.StatusCreated, data, message...)
}

// WriteError writes err with the status its governance code maps to
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	govErrors.WriteHTTPError(w, err, chimiddleware.GetReqID(r.Context()))
}

// DecodeJSON reads a JSON body of at most limit bytes into a generic map.
// An empty body yields an empty map.
func DecodeJSON(r *http.Request, limit int64) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	if r.Body == nil {
		return raw, nil
	}
	if limit > 0 {
		r.Body = http.MaxBytesReader(nil, r.Body, limit)
	}
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		if err == io.EOF {
			return raw, nil
		}
		return nil, govErrors.InvalidArgument("invalid JSON body: %v", err)
	}
	return raw, nil
}
