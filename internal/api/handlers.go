package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/chaz8081/syncble/internal/ble"
)

type deviceResponse struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

type healthResponse struct {
	Available bool            `json:"available"`
	State     string          `json:"state"`
	Scanning  bool            `json:"scanning"`
	Queued    int             `json:"queued"`
	Connected *deviceResponse `json:"connected,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Available: s.mgr.Available(),
		State:     s.mgr.State().String(),
		Scanning:  s.mgr.IsScanning(),
		Queued:    s.mgr.QueueLen(),
	}
	if d, ok := s.mgr.Connected(); ok {
		resp.Connected = &deviceResponse{Name: d.Name, Address: d.Address}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// handleListDevices serves the current scan cycle, or the last completed
// one with ?cycle=previous.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	var records []ble.DeviceRecord
	switch r.URL.Query().Get("cycle") {
	case "", "current":
		records = s.mgr.Devices()
	case "previous":
		records = s.mgr.PreviousDevices()
	default:
		s.respondError(w, http.StatusBadRequest, "cycle must be current or previous")
		return
	}
	devices := make([]deviceResponse, 0, len(records))
	for _, d := range records {
		devices = append(devices, deviceResponse{Name: d.Name, Address: d.Address})
	}
	s.respondJSON(w, http.StatusOK, devices)
}

func (s *Server) handleResetDevices(w http.ResponseWriter, r *http.Request) {
	s.mgr.ResetDevices()
	w.WriteHeader(http.StatusNoContent)
}

type scanRequest struct {
	Continuous bool `json:"continuous"`
}

func (s *Server) handleStartScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if err := s.mgr.SetScanning(true, req.Continuous); err != nil {
		s.respondManagerError(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]bool{"scanning": true, "continuous": req.Continuous})
}

func (s *Server) handleStopScan(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.SetScanning(false, false); err != nil {
		s.respondManagerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type connectRequest struct {
	Address       string `json:"address"`
	AutoReconnect bool   `json:"auto_reconnect"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Address == "" {
		s.respondError(w, http.StatusBadRequest, "address is required")
		return
	}
	if err := s.mgr.Connect(req.Address, req.AutoReconnect); err != nil {
		s.respondManagerError(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{"state": s.mgr.State().String()})
}

type disconnectRequest struct {
	Address string `json:"address"`
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req disconnectRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.Address == "" {
		s.mgr.Disconnect()
	} else if err := s.mgr.DisconnectDevice(req.Address); err != nil {
		s.respondManagerError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Reconnect(); err != nil {
		s.respondManagerError(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{"state": s.mgr.State().String()})
}

func (s *Server) handleRefreshCache(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]bool{"invalidated": s.mgr.RefreshCache()})
}

// respondManagerError maps manager errors to status codes.
func (s *Server) respondManagerError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ble.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, ble.ErrUnknownDevice):
		status = http.StatusNotFound
	case errors.Is(err, ble.ErrAlreadyConnected),
		errors.Is(err, ble.ErrNotConnected),
		errors.Is(err, ble.ErrTaskQueued):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("manager request failed")
	}
	s.respondError(w, status, err.Error())
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}
