package fidget

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// AdminAPI is a JSON status surface for a running ProxyServer. It reports
// endpoints and certificate cache contents, serves the root certificate
// and can stop the engine.
//
// The API is mounted at a configurable path prefix (default "/api") and
// uses [chi] for routing.
type AdminAPI struct {
	// Server is the engine to report on.
	Server *ProxyServer

	// Logger for admin API events.
	Logger *slog.Logger

	// PathPrefix is the URL path prefix for admin routes (default "/api").
	PathPrefix string

	// StopFunc is called by POST /stop. Defaults to Server.Stop run in the
	// background so the response can be written first.
	StopFunc func() error

	started time.Time
	router  chi.Router
}

// NewAdminAPI creates an AdminAPI for s.
func NewAdminAPI(s *ProxyServer) *AdminAPI {
	a := &AdminAPI{
		Server:     s,
		Logger:     slog.Default(),
		PathPrefix: "/api",
		started:    time.Now(),
	}
	a.buildRouter()
	return a
}

func (a *AdminAPI) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))
		r.Get("/status", a.handleStatus)
		r.Get("/endpoints", a.handleEndpoints)
		r.Get("/certificates", a.handleListCertificates)
		r.Delete("/certificates/{host}", a.handleEvictCertificate)
		r.Post("/root/reload", a.handleReloadRoot)
		r.Get("/transport", a.handleTransport)
		r.Get("/system-proxy", a.handleSystemProxy)
		r.Delete("/system-proxy", a.handleDisableSystemProxy)
		r.Post("/stop", a.handleStop)
	})

	r.Get("/root.crt", a.handleRootCertificate)
	r.Get("/healthz", a.handleHealthz)
	r.Get("/readyz", a.handleReadyz)
	r.Get("/metrics", a.handleMetrics)

	a.router = r
}

// Handler returns an http.Handler for the admin API routes.
func (a *AdminAPI) Handler() http.Handler {
	return http.StripPrefix(a.PathPrefix, a.router)
}

// ServeHTTP implements http.Handler.
func (a *AdminAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.Handler().ServeHTTP(w, r)
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Status            string `json:"status"`
	Uptime            string `json:"uptime"`
	Endpoints         int    `json:"endpoints"`
	ActiveConnections int    `json:"active_connections"`
	CertificateCache  int    `json:"certificate_cache"`
	SystemProxy       bool   `json:"system_proxy"`
}

// EndpointInfo is one entry of GET /endpoints.
type EndpointInfo struct {
	Mode       string `json:"mode"`
	Addr       string `json:"addr"`
	Port       int    `json:"port"`
	BoundPort  int    `json:"bound_port,omitempty"`
	DecryptSSL bool   `json:"decrypt_ssl"`
	Listening  bool   `json:"listening"`
	Target     string `json:"target,omitempty"`
}

// CertificatesResponse is returned by GET /certificates.
type CertificatesResponse struct {
	Count        int                     `json:"count"`
	Certificates []CachedCertificateInfo `json:"certificates"`
}

// SystemProxyResponse is returned by GET /system-proxy.
type SystemProxyResponse struct {
	Endpoint string   `json:"endpoint"`
	Scope    string   `json:"scope"`
	HTTP     string   `json:"http,omitempty"`
	HTTPS    string   `json:"https,omitempty"`
	Bypass   []string `json:"bypass,omitempty"`
}

// ErrorResponse is returned for error conditions.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageResponse is returned for successful mutations.
type MessageResponse struct {
	Message string `json:"message"`
}

func (a *AdminAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s := a.Server
	resp := StatusResponse{
		Status:            "stopped",
		Uptime:            time.Since(a.started).Truncate(time.Second).String(),
		Endpoints:         len(s.Endpoints()),
		ActiveConnections: s.ActiveConnectionCount(),
		SystemProxy:       s.AppliedSystemProxy() != nil,
	}
	if s.IsRunning() {
		resp.Status = "running"
	}
	if s.CertManager != nil {
		resp.CertificateCache = s.CertManager.CacheSize()
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *AdminAPI) handleEndpoints(w http.ResponseWriter, _ *http.Request) {
	eps := a.Server.Endpoints()
	out := make([]EndpointInfo, 0, len(eps))
	for _, ep := range eps {
		info := EndpointInfo{
			Mode:       ep.Mode.String(),
			Addr:       ep.Addr,
			Port:       ep.Port,
			DecryptSSL: ep.DecryptSSL,
			Listening:  ep.Listening(),
		}
		if info.Listening {
			info.BoundPort = ep.BoundPort()
		}
		if ep.Target != nil {
			info.Target = ep.Target.String()
		}
		out = append(out, info)
	}
	a.writeJSON(w, http.StatusOK, out)
}

func (a *AdminAPI) handleListCertificates(w http.ResponseWriter, _ *http.Request) {
	cm := a.Server.CertManager
	if cm == nil {
		a.writeJSON(w, http.StatusOK, CertificatesResponse{Certificates: []CachedCertificateInfo{}})
		return
	}
	hosts := cm.CachedHosts()
	if hosts == nil {
		hosts = []CachedCertificateInfo{}
	}
	a.writeJSON(w, http.StatusOK, CertificatesResponse{Count: len(hosts), Certificates: hosts})
}

func (a *AdminAPI) handleEvictCertificate(w http.ResponseWriter, r *http.Request) {
	host := chi.URLParam(r, "host")
	cm := a.Server.CertManager
	if cm == nil || !cm.EvictCertificate(host) {
		a.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "certificate not cached"})
		return
	}
	a.Logger.Info("certificate evicted via admin API", "host", host)
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "certificate evicted"})
}

func (a *AdminAPI) handleReloadRoot(w http.ResponseWriter, _ *http.Request) {
	cm := a.Server.CertManager
	if cm == nil {
		a.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: ErrNoRootCertificate.Error()})
		return
	}
	if err := cm.ReloadRootCertificate(); err != nil {
		a.Logger.Error("admin API root reload failed", "error", err)
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	a.Logger.Info("root certificate reloaded via admin API", "subject", cm.RootCertificate().Subject.CommonName)
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "root certificate reloaded"})
}

func (a *AdminAPI) handleTransport(w http.ResponseWriter, _ *http.Request) {
	tp := a.Server.TransportPool
	if tp == nil {
		a.writeJSON(w, http.StatusOK, TransportPoolStats{})
		return
	}
	a.writeJSON(w, http.StatusOK, tp.Stats())
}

func (a *AdminAPI) handleSystemProxy(w http.ResponseWriter, _ *http.Request) {
	applied := a.Server.AppliedSystemProxy()
	if applied == nil {
		a.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "system proxy not set"})
		return
	}
	a.writeJSON(w, http.StatusOK, SystemProxyResponse{
		Endpoint: applied.Endpoint.String(),
		Scope:    applied.Scope.String(),
		HTTP:     applied.Applied.HTTP,
		HTTPS:    applied.Applied.HTTPS,
		Bypass:   applied.Applied.Bypass,
	})
}

func (a *AdminAPI) handleDisableSystemProxy(w http.ResponseWriter, _ *http.Request) {
	if err := a.Server.DisableAllSystemProxies(); err != nil {
		a.Logger.Error("admin API system proxy restore failed", "error", err)
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "system proxy restored"})
}

func (a *AdminAPI) handleStop(w http.ResponseWriter, _ *http.Request) {
	if !a.Server.IsRunning() {
		a.writeJSON(w, http.StatusConflict, ErrorResponse{Error: ErrServerNotRunning.Error()})
		return
	}
	stop := a.StopFunc
	if stop == nil {
		stop = a.Server.Stop
	}
	a.Logger.Info("stop requested via admin API")
	go func() {
		if err := stop(); err != nil {
			a.Logger.Error("admin API stop failed", "error", err)
		}
	}()
	a.writeJSON(w, http.StatusAccepted, MessageResponse{Message: "stopping"})
}

func (a *AdminAPI) handleRootCertificate(w http.ResponseWriter, _ *http.Request) {
	var pemBytes []byte
	if cm := a.Server.CertManager; cm != nil {
		pemBytes = cm.RootCertificatePEM()
	}
	if len(pemBytes) == 0 {
		w.Header().Set("Content-Type", "application/json")
		a.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: ErrNoRootCertificate.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/x-x509-ca-cert")
	w.Header().Set("Content-Disposition", `attachment; filename="fidget-root.crt"`)
	_, _ = w.Write(pemBytes)
}

func (a *AdminAPI) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if h := a.Server.Health; h != nil {
		h.HandleHealthz(w, r)
		return
	}
	http.NotFound(w, r)
}

func (a *AdminAPI) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if h := a.Server.Health; h != nil {
		h.HandleReadyz(w, r)
		return
	}
	http.NotFound(w, r)
}

func (a *AdminAPI) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if m := a.Server.Metrics; m != nil {
		m.Handler().ServeHTTP(w, r)
		return
	}
	http.NotFound(w, r)
}

func (a *AdminAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Logger.Error("admin API write error", "error", err)
	}
}
