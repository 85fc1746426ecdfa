package coordinator

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/buildswarm/coordinator/internal/swarm/types"
)

// statusFor maps a classified domain error to the HTTP status §7 assigns
// it. Unclassified errors are treated as internal and never leak their
// message to the client.
func statusFor(err error) (int, string) {
	var domainErr *types.Error
	if errors.As(err, &domainErr) {
		switch domainErr.Kind {
		case types.ErrNotFound:
			return http.StatusNotFound, domainErr.Message
		case types.ErrConflict:
			return http.StatusConflict, domainErr.Message
		case types.ErrInvalidInput:
			return http.StatusBadRequest, domainErr.Message
		case types.ErrGrounded, types.ErrBlocked:
			return http.StatusConflict, domainErr.Message
		case types.ErrUnavailable:
			return http.StatusServiceUnavailable, domainErr.Message
		}
	}
	return http.StatusInternalServerError, "internal error"
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	status, message := statusFor(err)
	writeJSON(w, status, map[string]string{"error": message})
}

// rawJSON embeds an already-serialized JSON string verbatim rather than
// re-encoding it as a quoted string literal. Invalid input degrades to
// JSON null instead of producing a malformed response body.
func rawJSON(body string) json.RawMessage {
	if body == "" || !json.Valid([]byte(body)) {
		return json.RawMessage("null")
	}
	return json.RawMessage(body)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	defer r.Body.Close()
	if err := dec.Decode(dst); err != nil {
		return types.NewError(types.ErrInvalidInput, "malformed request body: %v", err)
	}
	return nil
}
