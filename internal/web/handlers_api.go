package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"smart-switch-home/internal/devset"
)

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.deviceList()
	if err != nil {
		s.logger.Error("list devices", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	snap, err := s.inv.Snapshot()
	if err != nil {
		s.logger.Error("load inventory", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	dev := snap.Device(r.PathValue("id"))
	if dev == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleAPIListPanels(w http.ResponseWriter, r *http.Request) {
	all := s.panels.All()
	defs := make([]devset.Definition, 0, len(all))
	for _, m := range all {
		defs = append(defs, m.Definition())
	}
	s.writeJSON(w, http.StatusOK, defs)
}

func (s *Server) handleAPIGetPanel(w http.ResponseWriter, r *http.Request) {
	m := s.panelFor(w, r, true)
	if m == nil {
		return
	}
	panel, err := m.View(m.Open(r.PathValue("owner")))
	if err != nil {
		s.apiPanelError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, panel)
}

type memberRequest struct {
	DeviceID string `json:"device_id"`
}

type memberResponse struct {
	Changed bool     `json:"changed"`
	Members []string `json:"members"`
}

// POST /api/panels/{panel}/{owner}/members
// Body: {"device_id": "7"}
func (s *Server) handleAPIAddMember(w http.ResponseWriter, r *http.Request) {
	m := s.panelFor(w, r, true)
	if m == nil {
		return
	}
	owner := r.PathValue("owner")
	if !s.ownerExists(w, owner, true) {
		return
	}

	var req memberRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	s.applyMember(w, m, owner, req.DeviceID, (*devset.Manager).Add)
}

// DELETE /api/panels/{panel}/{owner}/members/{id}
func (s *Server) handleAPIRemoveMember(w http.ResponseWriter, r *http.Request) {
	m := s.panelFor(w, r, true)
	if m == nil {
		return
	}
	owner := r.PathValue("owner")
	if !s.ownerExists(w, owner, true) {
		return
	}
	s.applyMember(w, m, owner, r.PathValue("id"), (*devset.Manager).Remove)
}

func (s *Server) applyMember(w http.ResponseWriter, m *devset.Manager, owner, id string, op mutation) {
	sess := m.Open(owner)
	changed, err := op(m, sess, id)
	if err != nil {
		s.apiPanelError(w, err)
		return
	}
	members, err := m.Members(sess)
	if err != nil {
		s.apiPanelError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, memberResponse{Changed: changed, Members: members})
}

func (s *Server) apiPanelError(w http.ResponseWriter, err error) {
	var pe *devset.ParseError
	if errors.As(err, &pe) {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": pe.Error()})
		return
	}
	s.logger.Error("panel api", "err", err)
	s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
