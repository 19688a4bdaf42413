package server

import (
	"context"
	"net/http"
	"time"

	"github.com/me/pipekit/internal/version"
	"github.com/me/pipekit/pkg/model"
)

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
	Store     string `json:"store"`
	WorkDir   string `json:"work_dir"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	v := version.Get()

	resp := healthResponse{
		Status:    "healthy",
		Version:   v.Version,
		GoVersion: v.GoVersion,
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Store:     "ok",
		WorkDir:   s.config.Local.WorkDir,
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, _, err := s.store.ListRuns(ctx, model.ListOptions{Limit: 1}); err != nil {
		resp.Status = "degraded"
		resp.Store = err.Error()
	}
	respondOK(w, reqID, resp)
}
