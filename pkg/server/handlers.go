package server

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"os"

	"github.com/gwillem/spotweb/pkg/bridge"
	"github.com/gwillem/spotweb/pkg/robot"
)

const maxBodySize = 64 << 10

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, kind, msg string) {
	s.writeJSON(w, status, bridge.Result{
		Error: &bridge.ErrorInfo{
			Kind:         bridge.Kind(kind),
			Message:      msg,
			SuggestedFix: "Check logs for details",
		},
	})
}

// op adapts a supervisor operation to a handler.
func (s *Server) op(fn func(context.Context) bridge.Result) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, fn(r.Context()))
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	return dec.Decode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, bridge.Result{
		OK: true,
		Data: map[string]any{
			"server":    "running",
			"config":    s.cfg.Settings,
			"connected": s.bridge.Connected(),
		},
	})
}

func (s *Server) handleVelocity(w http.ResponseWriter, r *http.Request) {
	var cmd bridge.VelocityCommand
	if err := decode(w, r, &cmd); err != nil {
		s.writeError(w, http.StatusBadRequest, "BadRequest", "invalid velocity command: "+err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.bridge.SendVelocity(r.Context(), cmd))
}

func (s *Server) handleBodyPose(w http.ResponseWriter, r *http.Request) {
	var pose robot.Pose
	if err := decode(w, r, &pose); err != nil {
		s.writeError(w, http.StatusBadRequest, "BadRequest", "invalid body pose: "+err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.bridge.SetBodyPose(r.Context(), pose))
}

func (s *Server) handleLogDownload(w http.ResponseWriter, r *http.Request) {
	if s.cfg.LogFile == "" {
		s.writeError(w, http.StatusOK, "NotFound", "Log file not configured")
		return
	}
	data, err := os.ReadFile(s.cfg.LogFile)
	if errors.Is(err, fs.ErrNotExist) {
		s.writeError(w, http.StatusOK, "NotFound", "Log file not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusOK, string(bridge.Unexpected), err.Error())
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="spot_web.log"`)
	s.writeJSON(w, http.StatusOK, bridge.Result{OK: true, Data: map[string]any{"logs": string(data)}})
}
