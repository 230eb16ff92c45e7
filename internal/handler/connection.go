package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/openclaw/devicelink/internal/errors"
	"github.com/openclaw/devicelink/internal/identity"
	"github.com/openclaw/devicelink/internal/model"
	"github.com/openclaw/devicelink/internal/payload"
	"github.com/openclaw/devicelink/internal/service"
)

type ConnectionHandler struct {
	pairingService *service.PairingService
	publicBaseURL  string
}

func NewConnectionHandler(pairingService *service.PairingService, publicBaseURL string) *ConnectionHandler {
	return &ConnectionHandler{
		pairingService: pairingService,
		publicBaseURL:  publicBaseURL,
	}
}

type connectionResponse struct {
	*model.ConnectionRecord
	PeerDeviceID string `json:"peerDeviceId,omitempty"`
}

// POST /v1/connections
func (h *ConnectionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConnectionID string `json:"connectionId"`
		HostDeviceID string `json:"hostDeviceId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ConnectionID == "" {
		req.ConnectionID = identity.NewConnectionID()
	}
	if !identity.IsValidConnectionID(req.ConnectionID) {
		writeError(w, apperrors.InvalidInput("connectionId", "must be a URL-safe token of 16 to 128 characters"))
		return
	}
	if !identity.IsValidDeviceID(req.HostDeviceID) {
		writeError(w, apperrors.InvalidInput("hostDeviceId", "must be a URL-safe token of 16 to 128 characters"))
		return
	}

	rec, err := h.pairingService.InitiateConnection(r.Context(), req.ConnectionID, req.HostDeviceID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, rec)
}

// GET /v1/connections/{id}?deviceId=
func (h *ConnectionHandler) Get(w http.ResponseWriter, r *http.Request) {
	connectionID := chi.URLParam(r, "id")
	deviceID := r.URL.Query().Get("deviceId")
	if deviceID == "" {
		writeError(w, apperrors.MissingRequired("deviceId"))
		return
	}

	rec, err := h.pairingService.GetConnection(r.Context(), connectionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !rec.IsParty(deviceID) {
		writeError(w, apperrors.Forbidden("Device is not a party to this connection"))
		return
	}

	peer, _ := rec.PeerOf(deviceID)
	writeJSON(w, http.StatusOK, connectionResponse{ConnectionRecord: rec, PeerDeviceID: peer})
}

// DELETE /v1/connections/{id}?hostDeviceId=
func (h *ConnectionHandler) Abandon(w http.ResponseWriter, r *http.Request) {
	connectionID := chi.URLParam(r, "id")
	hostDeviceID := r.URL.Query().Get("hostDeviceId")
	if hostDeviceID == "" {
		writeError(w, apperrors.MissingRequired("hostDeviceId"))
		return
	}

	if err := h.pairingService.AbandonConnection(r.Context(), connectionID, hostDeviceID); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// POST /v1/connections/{id}/pin
func (h *ConnectionHandler) IssuePin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HostDeviceID string `json:"hostDeviceId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.HostDeviceID == "" {
		writeError(w, apperrors.MissingRequired("hostDeviceId"))
		return
	}

	issue, err := h.pairingService.IssuePin(r.Context(), chi.URLParam(r, "id"), req.HostDeviceID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, issue)
}

// GET /v1/connections/{id}/payload?hostDeviceId=
// Renders the QR payload for a pending connection in both wire forms.
func (h *ConnectionHandler) Payload(w http.ResponseWriter, r *http.Request) {
	connectionID := chi.URLParam(r, "id")
	hostDeviceID := r.URL.Query().Get("hostDeviceId")

	rec, err := h.pairingService.GetConnection(r.Context(), connectionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if rec.HostDeviceID != hostDeviceID {
		writeError(w, apperrors.Forbidden("Only the host may render the pairing payload"))
		return
	}
	if rec.IsConnected() {
		writeError(w, apperrors.AlreadyConnected())
		return
	}

	p := payload.New(rec.ConnectionID, rec.HostDeviceID)
	asURL, err := p.EncodeURL(h.baseURL(r))
	if err != nil {
		writeError(w, apperrors.Internal("Failed to encode payload"))
		return
	}
	asJSON, err := p.EncodeJSON()
	if err != nil {
		writeError(w, apperrors.Internal("Failed to encode payload"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"url":  asURL,
		"json": asJSON,
	})
}

func (h *ConnectionHandler) baseURL(r *http.Request) string {
	if h.publicBaseURL != "" {
		return h.publicBaseURL
	}
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + r.Host + "/connect"
}

// POST /v1/connect/qr
// Accepts either the decoded ids or the raw scanned payload.
func (h *ConnectionHandler) ConnectByQR(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConnectionID  string `json:"connectionId"`
		HostDeviceID  string `json:"hostDeviceId"`
		Payload       string `json:"payload"`
		GuestDeviceID string `json:"guestDeviceId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if req.Payload != "" {
		p, err := payload.Decode(req.Payload)
		if err != nil {
			writeError(w, apperrors.InvalidInput("payload", err.Error()))
			return
		}
		req.ConnectionID = p.ConnectionID
		req.HostDeviceID = p.HostDeviceID
	}

	if !identity.IsValidDeviceID(req.GuestDeviceID) {
		writeError(w, apperrors.InvalidInput("guestDeviceId", "must be a URL-safe token of 16 to 128 characters"))
		return
	}
	if !identity.IsValidConnectionID(req.ConnectionID) || !identity.IsValidDeviceID(req.HostDeviceID) {
		writeError(w, apperrors.CouldNotConnect())
		return
	}

	rec, err := h.pairingService.ConnectByQR(r.Context(), req.ConnectionID, req.HostDeviceID, req.GuestDeviceID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, connectionResponse{ConnectionRecord: rec, PeerDeviceID: rec.HostDeviceID})
}

// POST /v1/connect/pin
func (h *ConnectionHandler) ConnectByPin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PinCode       string `json:"pinCode"`
		GuestDeviceID string `json:"guestDeviceId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !identity.IsValidDeviceID(req.GuestDeviceID) {
		writeError(w, apperrors.InvalidInput("guestDeviceId", "must be a URL-safe token of 16 to 128 characters"))
		return
	}

	rec, err := h.pairingService.ConnectByPin(r.Context(), req.PinCode, req.GuestDeviceID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, connectionResponse{ConnectionRecord: rec, PeerDeviceID: rec.HostDeviceID})
}
