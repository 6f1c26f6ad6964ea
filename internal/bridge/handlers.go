package bridge

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/claworc/tether/internal/logging"
	"github.com/gluk-w/claworc/tether/internal/sshconn"
	"github.com/gluk-w/claworc/tether/internal/sshfiles"
)

const (
	defaultTreeDepth = 1
	maxTreeDepth     = 5
)

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	st := s.ws.Status()
	conn := "disconnected"
	if st.Connection.Connected {
		conn = "connected"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "healthy",
		"connection": conn,
		"mode":       string(st.Mode),
	})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ws.Status())
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ws.History())
}

type connectRequest struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	PrivateKey string `json:"private_key"`
	Passphrase string `json:"passphrase"`
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	creds := sshconn.Credentials{
		Host:       req.Host,
		Port:       req.Port,
		Username:   req.Username,
		Password:   req.Password,
		Passphrase: req.Passphrase,
	}
	if req.PrivateKey != "" {
		creds.PrivateKey = []byte(req.PrivateKey)
	}
	if err := creds.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.ws.Start(r.Context(), creds); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ws.Status())
}

// disconnect closes the connection. With ?forget=true the saved
// credentials are deleted too.
func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("forget") == "true" {
		if err := s.ws.Forget(); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	} else {
		s.ws.Disconnect()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listWindows(w http.ResponseWriter, r *http.Request) {
	st := s.ws.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mode":          st.Mode,
		"windows":       st.Windows,
		"active_window": st.ActiveWindow,
	})
}

func (s *Server) createWindow(w http.ResponseWriter, r *http.Request) {
	win, err := s.ws.CreateWindow(r.Context())
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, win)
}

func windowID(r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "windowId"))
	return id, err == nil && id >= 0
}

func (s *Server) selectWindow(w http.ResponseWriter, r *http.Request) {
	id, ok := windowID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid window ID")
		return
	}
	if err := s.ws.SwitchWindow(r.Context(), id); err != nil {
		writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) closeWindow(w http.ResponseWriter, r *http.Request) {
	id, ok := windowID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid window ID")
		return
	}
	if err := s.ws.CloseWindow(r.Context(), id); err != nil {
		writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) scrollback(w http.ResponseWriter, r *http.Request) {
	id, ok := windowID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid window ID")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(s.ws.Scrollback(id))
}

func (s *Server) multiplexerStatus(w http.ResponseWriter, r *http.Request) {
	st := s.ws.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mode":         st.Mode,
		"state":        st.Multiplexer,
		"availability": st.Availability,
		"session":      st.Session,
	})
}

type installRequest struct {
	Consent bool `json:"consent"`
}

func (s *Server) installMultiplexer(w http.ResponseWriter, r *http.Request) {
	var req installRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	av, err := s.ws.Install(r.Context(), req.Consent)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, av)
}

func (s *Server) detach(w http.ResponseWriter, r *http.Request) {
	if err := s.ws.Detach(r.Context()); err != nil {
		writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) reattach(w http.ResponseWriter, r *http.Request) {
	if err := s.ws.Reattach(r.Context()); err != nil {
		writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) killSession(w http.ResponseWriter, r *http.Request) {
	if err := s.ws.KillSession(r.Context()); err != nil {
		writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) browseFiles(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	depth := defaultTreeDepth
	if q := r.URL.Query().Get("depth"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "Invalid depth")
			return
		}
		depth = min(n, maxTreeDepth)
	}

	var (
		entries []sshfiles.Entry
		err     error
	)
	if depth == 1 {
		entries, err = sshfiles.ListDirectory(r.Context(), s.files, path)
	} else {
		entries, err = sshfiles.ListTree(r.Context(), s.files, path, depth)
	}
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"path": path, "entries": entries})
}

func (s *Server) readFile(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	data, err := sshfiles.ReadFile(r.Context(), s.files, path)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path, "content": string(data)})
}

type writeFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (s *Server) writeFile(w http.ResponseWriter, r *http.Request) {
	var req writeFileRequest
	if err := decodeJSON(w, r, &req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := sshfiles.WriteFile(r.Context(), s.files, req.Path, []byte(req.Content)); err != nil {
		writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type mkdirRequest struct {
	Path string `json:"path"`
}

func (s *Server) createDirectory(w http.ResponseWriter, r *http.Request) {
	var req mkdirRequest
	if err := decodeJSON(w, r, &req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := sshfiles.CreateDirectory(r.Context(), s.files, req.Path); err != nil {
		writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) serverLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if q := r.URL.Query().Get("lines"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			lines = n
		}
	}

	content, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": content})
}

func (s *Server) clearLogs(w http.ResponseWriter, r *http.Request) {
	if err := logging.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
