package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/fwportal/settingdb/db"
	"github.com/fwportal/settingdb/helpers"
	"github.com/fwportal/settingdb/logger"
	"github.com/fwportal/settingdb/pkg/failover"
	"github.com/fwportal/settingdb/pkg/poolregistry"
	"github.com/fwportal/settingdb/pkg/settings"
	"github.com/gorilla/mux"
)

const maxBodyBytes = 1 << 20

// Request/Response types

// ActivateRequest is the body of POST /activate.
type ActivateRequest struct {
	Name        string             `json:"name"`
	Config      *db.DatabaseConfig `json:"config,omitempty"`
	ActivatedBy string             `json:"activated_by,omitempty"`
}

// RestartRequest is the optional body of POST /restart.
type RestartRequest struct {
	Reason string `json:"reason,omitempty"`
}

// decodeBody decodes an optional JSON body. It reports false when the body
// is empty.
func decodeBody(r *http.Request, dst any) (bool, error) {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	if errors.Is(err, io.EOF) {
		return false, nil
	}
	return err == nil, err
}

// Handler functions

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.failover.Status())
}

func (s *Server) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.store.List(r.Context())
	if err != nil {
		s.writeKindError(w, err, err.Error(), nil)
		return
	}
	if summaries == nil {
		summaries = []db.ConfigSummary{}
	}
	s.writeJSON(w, http.StatusOK, summaries)
}

// handleGetConfig returns the full record, password included, for the edit form.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	cfg, err := s.store.Get(r.Context(), name)
	if err != nil {
		s.writeKindError(w, err, err.Error(), nil)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	name := mux.Vars(r)["name"]

	var cfg db.DatabaseConfig
	if ok, err := decodeBody(r, &cfg); err != nil || !ok {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if cfg.Name != "" && cfg.Name != name {
		err := &db.ValidationError{Field: "name", Reason: "must match the path"}
		s.writeKindError(w, err, err.Error(), nil)
		return
	}
	cfg.Name = name

	if err := s.store.Put(r.Context(), cfg); err != nil {
		s.writeKindError(w, err, helpers.MaskSensitive(err.Error(), cfg.Password), nil)
		return
	}
	logger.Info("HTTP API: Configuration saved", "component", "HTTP API", "config", name, "client", getClientIP(r))
	s.writeJSON(w, http.StatusOK, cfg.WithDefaults().Summary())
}

// handleTestConfig probes the posted configuration, or the stored one when
// the body is empty. Nothing is persisted or activated.
func (s *Server) handleTestConfig(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	name := mux.Vars(r)["name"]

	var cfg db.DatabaseConfig
	supplied, err := decodeBody(r, &cfg)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if supplied {
		cfg = cfg.WithDefaults()
		cfg.Name = name
		if err := cfg.Validate(); err != nil {
			s.writeKindError(w, err, err.Error(), nil)
			return
		}
	} else {
		if cfg, err = s.store.Get(r.Context(), name); err != nil {
			s.writeKindError(w, err, err.Error(), nil)
			return
		}
	}

	res := s.prober.Test(r.Context(), cfg, s.probeTimeout)
	logger.Info("HTTP API: Configuration tested", "component", "HTTP API", "config", name,
		"reachable", res.Reachable, "kind", res.ErrorKind, "latency_ms", res.LatencyMs)
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req ActivateRequest
	if ok, err := decodeBody(r, &req); err != nil || !ok {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.ActivatedBy == "" {
		req.ActivatedBy = "api:" + getClientIP(r)
	}

	report, err := s.failover.Activate(r.Context(), failover.ActivateRequest{
		Name:        req.Name,
		Config:      req.Config,
		ActivatedBy: req.ActivatedBy,
	})
	if err != nil {
		var secrets []string
		if req.Config != nil {
			secrets = append(secrets, req.Config.Password)
		}
		s.writeKindError(w, err, helpers.MaskSensitive(err.Error(), secrets...), &report)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req RestartRequest
	if _, err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Reason == "" {
		req.Reason = "requested via API by " + getClientIP(r)
	}
	s.failover.RequestRestart(req.Reason)
	s.writeJSON(w, http.StatusOK, s.failover.Status())
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	handles := []poolregistry.HandleInfo{}
	if s.pools != nil {
		handles = append(handles, s.pools.Handles()...)
	}
	s.writeJSON(w, http.StatusOK, handles)
}

func (s *Server) handleListSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Settings repository not configured")
		return
	}

	q := r.URL.Query()
	filter := settings.Filter{Category: q.Get("category")}
	for param, dst := range map[string]**int32{"user_id": &filter.UserID, "mandant_id": &filter.MandantID} {
		raw := q.Get(param)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid "+param)
			return
		}
		id := int32(v)
		*dst = &id
	}

	rows, err := s.settings.List(r.Context(), filter)
	if err != nil {
		s.writeKindError(w, err, err.Error(), nil)
		return
	}
	if rows == nil {
		rows = []settings.Setting{}
	}
	s.writeJSON(w, http.StatusOK, rows)
}
