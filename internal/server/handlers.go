package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/yourflock/roost-entitlements/internal/auth"
	"github.com/yourflock/roost-entitlements/internal/entitlement"
	"github.com/yourflock/roost-entitlements/internal/metrics"
)

const maxRequestBody = 1 << 20

// ─── request bodies ─────────────────────────────────────────────────────────

type registerDeviceRequest struct {
	Platform         string `json:"platform"`
	DeviceIdentifier string `json:"device_identifier"`
}

type authorizeDownloadRequest struct {
	ContentID string `json:"content_id"`
	DeviceID  string `json:"device_id"`
}

type redeemRequest struct {
	Token    string `json:"token"`
	DeviceID string `json:"device_id"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		auth.WriteError(w, http.StatusBadRequest, "invalid_request", "request body must be valid JSON")
		return false
	}
	return true
}

func parseID(w http.ResponseWriter, raw, field string) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil || id == uuid.Nil {
		auth.WriteError(w, http.StatusBadRequest, "invalid_request", field+" must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) logFor(r *http.Request, userID uuid.UUID) logrus.FieldLogger {
	return s.log.WithField("user_id", userID).WithField("path", r.URL.Path)
}

// ─── devices ────────────────────────────────────────────────────────────────

// POST /v1/devices
func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	userID := userOf(r)
	var req registerDeviceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	dev, created, err := s.engine.RegisterDevice(r.Context(), userID, req.Platform, req.DeviceIdentifier)
	if err != nil {
		s.writeEngineError(w, s.logFor(r, userID), "register_device", err)
		return
	}
	metrics.Authorizations.WithLabelValues("register_device", "ok").Inc()
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	auth.WriteJSON(w, status, dev)
}

// GET /v1/devices
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	userID := userOf(r)
	devices, err := s.engine.ListDevices(r.Context(), userID)
	if err != nil {
		s.writeEngineError(w, s.logFor(r, userID), "list_devices", err)
		return
	}
	if devices == nil {
		devices = []entitlement.Device{}
	}
	auth.WriteJSON(w, http.StatusOK, map[string]interface{}{"devices": devices})
}

// DELETE /v1/devices/{deviceID}
func (s *Server) handleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	userID := userOf(r)
	deviceID, ok := parseID(w, chi.URLParam(r, "deviceID"), "device id")
	if !ok {
		return
	}
	if err := s.engine.RemoveDevice(r.Context(), userID, deviceID); err != nil {
		s.writeEngineError(w, s.logFor(r, userID).WithField("device_id", deviceID), "remove_device", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── downloads ──────────────────────────────────────────────────────────────

// POST /v1/downloads
func (s *Server) handleAuthorizeDownload(w http.ResponseWriter, r *http.Request) {
	userID := userOf(r)
	var req authorizeDownloadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	contentID, ok := parseID(w, req.ContentID, "content_id")
	if !ok {
		return
	}
	deviceID, ok := parseID(w, req.DeviceID, "device_id")
	if !ok {
		return
	}

	grant, err := s.engine.AuthorizeDownload(r.Context(), userID, contentID, deviceID)
	if err != nil {
		log := s.logFor(r, userID).WithField("device_id", deviceID).WithField("content_id", contentID)
		s.writeEngineError(w, log, "authorize_download", err)
		return
	}
	metrics.Authorizations.WithLabelValues("authorize_download", "ok").Inc()
	auth.WriteJSON(w, http.StatusCreated, grant)
}

// GET /v1/downloads
func (s *Server) handleListDownloads(w http.ResponseWriter, r *http.Request) {
	userID := userOf(r)
	downloads, err := s.engine.ListDownloads(r.Context(), userID)
	if err != nil {
		s.writeEngineError(w, s.logFor(r, userID), "list_downloads", err)
		return
	}
	if downloads == nil {
		downloads = []entitlement.Download{}
	}
	auth.WriteJSON(w, http.StatusOK, map[string]interface{}{"downloads": downloads})
}

// POST /v1/downloads/{downloadID}/complete
func (s *Server) handleCompleteDownload(w http.ResponseWriter, r *http.Request) {
	userID := userOf(r)
	downloadID, ok := parseID(w, chi.URLParam(r, "downloadID"), "download id")
	if !ok {
		return
	}
	d, err := s.engine.MarkDownloadComplete(r.Context(), userID, downloadID)
	if err != nil {
		s.writeEngineError(w, s.logFor(r, userID).WithField("download_id", downloadID), "complete_download", err)
		return
	}
	auth.WriteJSON(w, http.StatusOK, d)
}

// POST /v1/downloads/redeem
func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	userID := userOf(r)
	var req redeemRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		auth.WriteError(w, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}
	deviceID, ok := parseID(w, req.DeviceID, "device_id")
	if !ok {
		return
	}

	url, err := s.engine.RedeemDownloadToken(r.Context(), userID, req.Token, deviceID)
	if err != nil {
		s.writeEngineError(w, s.logFor(r, userID).WithField("device_id", deviceID), "redeem", err)
		return
	}
	metrics.Authorizations.WithLabelValues("redeem", "ok").Inc()
	auth.WriteJSON(w, http.StatusOK, map[string]string{"url": url})
}

// ─── playback ───────────────────────────────────────────────────────────────

// GET /v1/playback/{contentID}
func (s *Server) handleAuthorizePlayback(w http.ResponseWriter, r *http.Request) {
	userID := userOf(r)
	contentID, ok := parseID(w, chi.URLParam(r, "contentID"), "content id")
	if !ok {
		return
	}
	stream, err := s.engine.AuthorizePlayback(r.Context(), userID, contentID)
	if err != nil {
		s.writeEngineError(w, s.logFor(r, userID).WithField("content_id", contentID), "playback", err)
		return
	}
	metrics.Authorizations.WithLabelValues("playback", "ok").Inc()
	auth.WriteJSON(w, http.StatusOK, stream)
}
