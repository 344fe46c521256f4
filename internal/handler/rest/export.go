package rest

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"chatbridge/internal/model/chat"
	"chatbridge/internal/service/session"
	"chatbridge/pkg/utils"
)

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := h.store.Get(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			utils.RespondError(w, http.StatusNotFound, "session not found")
			return
		}
		utils.RespondError(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	format := r.URL.Query().Get("format")
	switch format {
	case "", "json":
		utils.RespondJSON(w, http.StatusOK, sess)
	case "markdown":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", sess.ID+".md"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(renderMarkdown(sess)))
	default:
		utils.RespondError(w, http.StatusBadRequest, "unsupported format: "+format)
	}
}

func renderMarkdown(sess chat.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", sess.Title)
	fmt.Fprintf(&b, "Created %s\n\n", sess.CreatedAt.Format(time.RFC3339))

	for _, msg := range sess.Messages {
		label := "Assistant"
		if msg.Role == chat.RoleUser {
			label = "User"
		}
		if msg.IsError {
			label += " (error)"
		}
		fmt.Fprintf(&b, "## %s — %s\n\n%s\n\n", label, msg.Timestamp.Format(time.RFC3339), msg.Content)
	}
	return b.String()
}
