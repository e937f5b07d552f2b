// Package admin serves the operator HTTP API of a running kernel: plugin
// inspection, reload and removal, and runtime configuration changes.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"microkernel/pkg/auth"
	"microkernel/pkg/auth/middleware"
	"microkernel/pkg/config"
	"microkernel/pkg/plugin"
)

const redacted = "******"

type Kernel interface {
	State() plugin.KernelState
	ListPlugins() []plugin.Info
	PluginInfo(name string) (plugin.Info, bool)
	GetDependencyGraph() map[string][]string
	Capabilities() []string
	Reload(ctx context.Context, name string) error
	UnregisterAsync(ctx context.Context, name string) bool
}

// Config is the runtime configuration the API reads and changes.
type Config interface {
	Lookup(key string) (config.ConfigValue, bool)
	Update(ctx context.Context, key string, value interface{}) (config.UpdateResponse, error)
}

type Server struct {
	kernel Kernel
	config Config
	auth   *middleware.AuthMiddleware
	logger *slog.Logger
}

type PluginList struct {
	State   string        `json:"state"`
	Plugins []plugin.Info `json:"plugins"`
}

type ConfigEntry struct {
	Key    string      `json:"key"`
	Value  interface{} `json:"value"`
	Source string      `json:"source"`
}

type ConfigChange struct {
	Key      string      `json:"key"`
	OldValue interface{} `json:"old_value"`
	NewValue interface{} `json:"new_value"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewServer(k Kernel, cfg Config, authMiddleware *middleware.AuthMiddleware, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{kernel: k, config: cfg, auth: authMiddleware, logger: logger}
}

// Register mounts the API on router behind the auth middleware.
func (s *Server) Register(router *httprouter.Router) {
	routes := []struct {
		method   string
		path     string
		resource string
		action   string
		handler  http.HandlerFunc
	}{
		{http.MethodGet, "/plugins", "plugins", "read", s.listPlugins},
		{http.MethodGet, "/plugins/:name", "plugins", "read", s.getPlugin},
		{http.MethodPost, "/plugins/:name/reload", "plugins", "reload", s.reloadPlugin},
		{http.MethodDelete, "/plugins/:name", "plugins", "delete", s.deletePlugin},
		{http.MethodGet, "/graph", "plugins", "read", s.graph},
		{http.MethodGet, "/capabilities", "plugins", "read", s.capabilities},
		{http.MethodGet, "/config/:key", "config", "read", s.getConfig},
		{http.MethodPut, "/config/:key", "config", "write", s.putConfig},
	}
	for _, route := range routes {
		handler := s.auth.RequirePermission(route.resource, route.action)(route.handler)
		router.Handler(route.method, route.path, s.auth.Middleware(handler))
	}
}

func param(r *http.Request, name string) string {
	return httprouter.ParamsFromContext(r.Context()).ByName(name)
}

func (s *Server) listPlugins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, PluginList{
		State:   s.kernel.State().String(),
		Plugins: s.kernel.ListPlugins(),
	})
}

func (s *Server) getPlugin(w http.ResponseWriter, r *http.Request) {
	info, ok := s.kernel.PluginInfo(param(r, "name"))
	if !ok {
		writeError(w, http.StatusNotFound, plugin.ErrPluginNotFound)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) reloadPlugin(w http.ResponseWriter, r *http.Request) {
	name := param(r, "name")
	if err := s.kernel.Reload(r.Context(), name); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, plugin.ErrPluginNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	s.audit(r, "plugin reloaded", "plugin", name)

	info, _ := s.kernel.PluginInfo(name)
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) deletePlugin(w http.ResponseWriter, r *http.Request) {
	name := param(r, "name")
	if !s.kernel.UnregisterAsync(r.Context(), name) {
		writeError(w, http.StatusNotFound, plugin.ErrPluginNotFound)
		return
	}
	s.audit(r, "plugin unregistered", "plugin", name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) graph(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.kernel.GetDependencyGraph())
}

func (s *Server) capabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.kernel.Capabilities())
}

// getConfig reports a single key. Values resolved from a secret store are
// never echoed.
func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	key := param(r, "key")
	record, ok := s.config.Lookup(key)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("key not found"))
		return
	}

	entry := ConfigEntry{Key: key, Value: record.Value, Source: record.Source.String()}
	if record.Source == config.SourceSecret {
		entry.Value = redacted
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) putConfig(w http.ResponseWriter, r *http.Request) {
	key := param(r, "key")
	var body struct {
		Value interface{} `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	response, err := s.config.Update(r.Context(), key, body.Value)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err)
		return
	}
	s.audit(r, "config changed", "key", key)

	writeJSON(w, http.StatusOK, ConfigChange{
		Key:      key,
		OldValue: response.OldValue,
		NewValue: response.NewValue,
	})
}

func (s *Server) audit(r *http.Request, msg string, args ...any) {
	if caller := auth.FromContext(r.Context()); caller != nil {
		args = append(args, "subject", caller.Subject)
	}
	s.logger.Info(msg, args...)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
