package rest

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"unicode/utf8"

	"chatbridge/pkg/utils"
)

// maxUploadBytes bounds decoded upload size.
const maxUploadBytes = 1 << 20

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Filename string `json:"filename"`
		Content  string `json:"content"`
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.Content == "" {
		utils.RespondError(w, http.StatusBadRequest, "content is required")
		return
	}

	decoded, err := base64.StdEncoding.DecodeString(payload.Content)
	if err != nil {
		// Plain text uploads are accepted as-is.
		decoded = []byte(payload.Content)
	}

	if len(decoded) > maxUploadBytes {
		utils.RespondError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}
	if !utf8.Valid(decoded) {
		utils.RespondError(w, http.StatusUnsupportedMediaType, "file is not valid text")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"filename": payload.Filename,
		"content":  string(decoded),
		"size":     len(decoded),
	})
}
