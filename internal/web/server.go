package web

import (
	"bytes"
	"crypto/subtle"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"smart-switch-home/internal/automation"
	"smart-switch-home/internal/devset"
	"smart-switch-home/internal/events"
	"smart-switch-home/internal/inventory"
	"smart-switch-home/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed origin patterns for mutating requests and WebSocket.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithMetrics serves h on GET /metrics.
func WithMetrics(h http.Handler) ServerOption {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithAutomation enables the script API endpoints.
func WithAutomation(mgr *automation.Manager, engine *automation.Engine) ServerOption {
	return func(s *Server) {
		s.scriptMgr = mgr
		s.autoEngine = engine
	}
}

// WithVersion sets the application version string shown in the UI.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP server for the settings panels.
type Server struct {
	panels         *devset.Registry
	inv            inventory.Provider
	bus            *events.Bus
	templates      map[string]*template.Template
	feed           *LiveFeed
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	metrics        http.Handler
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// DeviceView is a device row on the index page.
type DeviceView struct {
	ID       string
	Name     string
	RoomName string
	Services []string
	Panels   []devset.Definition // panels that can be opened on this device
}

// NewServer creates a new web server.
func NewServer(panels *devset.Registry, inv inventory.Provider, bus *events.Bus, logger *slog.Logger, opts ...ServerOption) (*Server, error) {
	// Parse each page template separately with layout to avoid {{define "content"}} conflicts.
	base, err := template.ParseFS(templateFS, "templates/layout.html")
	if err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}
	pages := []string{"index.html", "panel.html"}
	tmpl := make(map[string]*template.Template, len(pages))
	for _, page := range pages {
		cloned, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("clone layout for %s: %w", page, err)
		}
		t, err := cloned.ParseFS(templateFS, "templates/"+page)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", page, err)
		}
		tmpl[page] = t
	}

	s := &Server{
		panels:    panels,
		inv:       inv,
		bus:       bus,
		templates: tmpl,
		logger:    logger.With("component", "web"),
		mux:       http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.feed = NewLiveFeed(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.feed.Run()
	}()

	if bus != nil {
		s.unsubEvents = bus.OnAll(s.feed.Publish)
	}

	s.routes()
	return s, nil
}

// Stop shuts down the live feed and waits for its goroutine.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.feed.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	// Static files
	s.mux.Handle("GET /static/", http.FileServer(http.FS(staticFS)))

	// HTML pages
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /panels/{panel}/{owner}", s.handlePanelPage)
	s.mux.HandleFunc("POST /panels/{panel}/{owner}/add", s.handlePanelAdd)
	s.mux.HandleFunc("POST /panels/{panel}/{owner}/remove", s.handlePanelRemove)

	// REST API
	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("GET /api/devices/{id}", s.handleAPIGetDevice)
	s.mux.HandleFunc("GET /api/panels", s.handleAPIListPanels)
	s.mux.HandleFunc("GET /api/panels/{panel}/{owner}", s.handleAPIGetPanel)
	s.mux.HandleFunc("POST /api/panels/{panel}/{owner}/members", s.handleAPIAddMember)
	s.mux.HandleFunc("DELETE /api/panels/{panel}/{owner}/members/{id}", s.handleAPIRemoveMember)
	s.mux.HandleFunc("GET /api/scripts", s.handleAPIListScripts)
	s.mux.HandleFunc("GET /api/scripts/{id}", s.handleAPIGetScript)
	s.mux.HandleFunc("PUT /api/scripts/{id}", s.handleAPIPutScript)
	s.mux.HandleFunc("DELETE /api/scripts/{id}", s.handleAPIDeleteScript)
	s.mux.HandleFunc("POST /api/scripts/{id}/run", s.handleAPIRunScript)
	s.mux.HandleFunc("POST /api/scripts/{id}/reload", s.handleAPIReloadScript)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}

	// WebSocket
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				// Preflight request.
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	if s.apiKey != "" {
		// Only /api/ requires the key; browsers cannot send custom headers
		// on page navigation, form posts or WS upgrade.
		if strings.HasPrefix(r.URL.Path, "/api/") {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Page handlers
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap, err := s.inv.Snapshot()
	if err != nil {
		s.logger.Error("load inventory for index", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	views := make([]DeviceView, 0, len(snap.Devices()))
	for _, dev := range snap.Devices() {
		v := DeviceView{
			ID:       dev.ID,
			Name:     dev.Name,
			RoomName: snap.RoomName(dev.Room),
			Services: dev.Services,
		}
		// A panel opens on devices that carry the service its list is stored under.
		for _, m := range s.panels.All() {
			def := m.Definition()
			if dev.HasService(def.Key.Service) {
				v.Panels = append(v.Panels, def)
			}
		}
		views = append(views, v)
	}

	s.renderTemplate(w, "index.html", map[string]interface{}{
		"PageTitle": "Devices",
		"Devices":   views,
	})
}

// panelFor resolves the {panel} path value, writing a 404 when unknown.
func (s *Server) panelFor(w http.ResponseWriter, r *http.Request, asJSON bool) *devset.Manager {
	m := s.panels.Get(r.PathValue("panel"))
	if m == nil {
		if asJSON {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "panel not found"})
		} else {
			http.Error(w, "Panel not found", http.StatusNotFound)
		}
	}
	return m
}

func (s *Server) handlePanelPage(w http.ResponseWriter, r *http.Request) {
	m := s.panelFor(w, r, false)
	if m == nil {
		return
	}
	owner := r.PathValue("owner")

	panel, err := m.View(m.Open(owner))
	if err != nil {
		s.panelError(w, owner, err)
		return
	}

	title := m.Definition().Title
	if panel.Owner != nil {
		title += " - " + panel.Owner.Name
	}
	s.renderTemplate(w, "panel.html", map[string]interface{}{
		"PageTitle":   title,
		"Panel":       panel,
		"OwnerID":     owner,
		"NoSelection": devset.NoSelection,
	})
}

func (s *Server) handlePanelAdd(w http.ResponseWriter, r *http.Request) {
	s.handlePanelMutation(w, r, (*devset.Manager).Add)
}

func (s *Server) handlePanelRemove(w http.ResponseWriter, r *http.Request) {
	s.handlePanelMutation(w, r, (*devset.Manager).Remove)
}

type mutation func(m *devset.Manager, sess devset.Session, id string) (bool, error)

// handlePanelMutation applies a form add/remove and redirects back to the
// panel so it re-renders with the new list.
func (s *Server) handlePanelMutation(w http.ResponseWriter, r *http.Request, op mutation) {
	m := s.panelFor(w, r, false)
	if m == nil {
		return
	}
	owner := r.PathValue("owner")
	if !s.ownerExists(w, owner, false) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	if _, err := op(m, m.Open(owner), r.PostFormValue("device_id")); err != nil {
		s.panelError(w, owner, err)
		return
	}
	http.Redirect(w, r, "/panels/"+url.PathEscape(m.Definition().Name)+"/"+url.PathEscape(owner), http.StatusSeeOther)
}

// ownerExists reports whether owner is in the inventory, writing a 404 if not.
func (s *Server) ownerExists(w http.ResponseWriter, owner string, asJSON bool) bool {
	snap, err := s.inv.Snapshot()
	if err != nil {
		s.logger.Error("load inventory", "err", err)
		if asJSON {
			s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		} else {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
		return false
	}
	if snap.Device(owner) == nil {
		if asJSON {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		} else {
			http.Error(w, "Device not found", http.StatusNotFound)
		}
		return false
	}
	return true
}

func (s *Server) panelError(w http.ResponseWriter, owner string, err error) {
	var pe *devset.ParseError
	if errors.As(err, &pe) {
		s.logger.Error("panel setting is malformed", "owner", owner, "err", err)
		http.Error(w, "The stored device list for this device is malformed: "+pe.Value, http.StatusInternalServerError)
		return
	}
	s.logger.Error("panel", "owner", owner, "err", err)
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// renderTemplate renders to a buffer first, so partial write failures don't corrupt the response.
func (s *Server) renderTemplate(w http.ResponseWriter, name string, data interface{}) {
	t, ok := s.templates[name]
	if !ok {
		s.logger.Error("template not found", "name", name)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if m, ok := data.(map[string]interface{}); ok {
		m["Version"] = s.version
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, name, data); err != nil {
		s.logger.Error("render template", "name", name, "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.logger.Debug("write template response", "name", name, "err", err)
	}
}

// deviceList returns all inventory devices for the API.
func (s *Server) deviceList() ([]*store.Device, error) {
	snap, err := s.inv.Snapshot()
	if err != nil {
		return nil, err
	}
	return snap.Devices(), nil
}
