package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/openclaw/devicelink/internal/errors"
	"github.com/openclaw/devicelink/internal/model"
	"github.com/openclaw/devicelink/internal/service"
)

type ContentHandler struct {
	contentService *service.ContentService
}

func NewContentHandler(contentService *service.ContentService) *ContentHandler {
	return &ContentHandler{contentService: contentService}
}

// POST /v1/connections/{id}/content
func (h *ContentHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SenderDeviceID    string            `json:"senderDeviceId"`
		RecipientDeviceID string            `json:"recipientDeviceId"`
		ContentType       model.ContentType `json:"contentType"`
		Content           string            `json:"content"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	entry, err := h.contentService.Send(r.Context(), service.SendParams{
		ConnectionID:      chi.URLParam(r, "id"),
		SenderDeviceID:    req.SenderDeviceID,
		RecipientDeviceID: req.RecipientDeviceID,
		ContentType:       req.ContentType,
		Content:           req.Content,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, entry)
}

// GET /v1/connections/{id}/content?deviceId=&after=
func (h *ContentHandler) History(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("deviceId")
	if deviceID == "" {
		writeError(w, apperrors.MissingRequired("deviceId"))
		return
	}
	after, _, err := parseCursor(r.URL.Query().Get("after"))
	if err != nil {
		writeError(w, err)
		return
	}

	entries, err := h.contentService.History(r.Context(), chi.URLParam(r, "id"), deviceID, after)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}
