package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/freshell/freshell/internal/protocol"
	"github.com/freshell/freshell/internal/registry"
)

// TerminalDirectory is the registry surface the REST endpoints need.
type TerminalDirectory interface {
	List() []registry.Info
	Get(id string) (registry.Info, bool)
	Kill(id string) error
}

// TermRegistry is set from main.
var TermRegistry TerminalDirectory

type terminalJSON struct {
	TerminalID      string `json:"terminalId"`
	Mode            string `json:"mode"`
	Status          string `json:"status"`
	ResumeSessionID string `json:"resumeSessionId,omitempty"`
	ExitCode        *int   `json:"exitCode,omitempty"`
	CreatedAt       int64  `json:"createdAt"`
	LastActivityAt  int64  `json:"lastActivityAt"`
}

func toTerminalJSON(info registry.Info) terminalJSON {
	t := terminalJSON{
		TerminalID:      info.ID,
		Mode:            info.Mode,
		Status:          info.Status,
		ResumeSessionID: info.ResumeSessionID,
		CreatedAt:       info.CreatedAt.UnixMilli(),
		LastActivityAt:  info.LastActivityAt.UnixMilli(),
	}
	if info.Status == registry.StatusExited {
		code := info.ExitCode
		t.ExitCode = &code
	}
	return t
}

// ListTerminals returns every known terminal, running and exited.
func ListTerminals(w http.ResponseWriter, r *http.Request) {
	infos := TermRegistry.List()
	out := make([]terminalJSON, 0, len(infos))
	for _, info := range infos {
		out = append(out, toTerminalJSON(info))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"terminals": out})
}

// GetTerminal returns one terminal by id.
func GetTerminal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := protocol.ValidTerminalID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Message)
		return
	}
	info, ok := TermRegistry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "terminal not found")
		return
	}
	writeJSON(w, http.StatusOK, toTerminalJSON(info))
}

// KillTerminal signals a running terminal's process group.
func KillTerminal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := protocol.ValidTerminalID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Message)
		return
	}
	if err := TermRegistry.Kill(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
