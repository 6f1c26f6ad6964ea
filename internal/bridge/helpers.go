package bridge

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/gluk-w/claworc/tether/internal/multiplexer"
	"github.com/gluk-w/claworc/tether/internal/sshconn"
	"github.com/gluk-w/claworc/tether/internal/tabs"
	"github.com/gluk-w/claworc/tether/internal/workspace"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeOpError maps err to a status code. Connection failures carry the
// user-facing category so the client can render its own message.
func writeOpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workspace.ErrNotStarted), errors.Is(err, sshconn.ErrNotConnected):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, workspace.ErrWrongMode), errors.Is(err, workspace.ErrAlreadyAvailable),
		errors.Is(err, multiplexer.ErrLastWindow), errors.Is(err, tabs.ErrLastTab),
		errors.Is(err, multiplexer.ErrNotReady), errors.Is(err, multiplexer.ErrNoSession),
		errors.Is(err, multiplexer.ErrSessionActive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, multiplexer.ErrUnknownWindow), errors.Is(err, tabs.ErrUnknownTab),
		errors.Is(err, sshconn.ErrRemoteNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, multiplexer.ErrConsentRequired), errors.Is(err, multiplexer.ErrNoInstallCommand):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, sshconn.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"detail":   sshconn.UserMessage(err),
			"category": string(sshconn.Classify(err)),
		})
	case errors.Is(err, sshconn.ErrAuth), errors.Is(err, sshconn.ErrKeyParse), errors.Is(err, sshconn.ErrHostKey):
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"detail":   sshconn.UserMessage(err),
			"category": string(sshconn.Classify(err)),
		})
	default:
		// Raw remote diagnostics stay in the server log.
		log.Printf("[bridge] operation failed: %v", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"detail":   sshconn.UserMessage(err),
			"category": string(sshconn.Classify(err)),
		})
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v)
}
