package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/me/pipekit/pkg/model"
)

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	experiment := chi.URLParam(r, "experiment")

	var req model.SubmitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Graph == nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required field",
				model.FieldError{Field: "graph", Message: "graph is required"}))
		return
	}
	if req.ExperimentName == "" {
		req.ExperimentName = experiment
	}
	if req.ExperimentName != experiment {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("experiment mismatch",
				model.FieldError{Field: "experimentName", Message: "body names experiment " + req.ExperimentName + " but the path names " + experiment}))
		return
	}

	resp, err := s.startRun(r.Context(), &req, "")
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondCreated(w, reqID, resp)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	opts, err := model.ParseListOptions(r.URL.Query())
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	runs, total, err := s.store.ListRuns(r.Context(), opts)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	// Requests are omitted from listings.
	for _, run := range runs {
		run.Request = nil
	}
	respondList(w, reqID, runs, opts.Page(total, len(runs)))
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return
	}
	respondOK(w, reqID, run)
}

func (s *Server) handleGetRunStatus(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	st, err := s.runStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, st)
}

func (s *Server) handleGetRunGraph(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if exec, ok := s.orch.Get(id); ok {
		respondOK(w, reqID, exec.Request().Graph)
		return
	}
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	if run == nil || run.Request == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return
	}
	respondOK(w, reqID, run.Request.Graph)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if exec, ok := s.orch.Get(id); ok {
		exec.Cancel()
		s.logger.Info("run cancel requested", "run_id", id)
		respondOK(w, reqID, exec.Status())
		return
	}
	st, err := s.runStatus(r.Context(), id)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	if !st.Status.IsTerminal() {
		respondError(w, reqID, http.StatusConflict, &model.APIError{
			Code:    model.ErrConflict,
			Message: "run " + id + " is not executing on this server",
		})
		return
	}
	respondOK(w, reqID, st)
}

func (s *Server) handleGetStepOutputs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id, node := chi.URLParam(r, "id"), chi.URLParam(r, "node")

	exec, ok := s.orch.Get(id)
	if !ok {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run execution", id))
		return
	}
	outs, err := exec.Outputs(node)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, outs)
}

func (s *Server) handleListLogFiles(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id, node := chi.URLParam(r, "id"), chi.URLParam(r, "node")

	var (
		files []model.LogFile
		err   error
	)
	if exec, ok := s.orch.Get(id); ok {
		files, err = exec.LogFiles(node)
	} else {
		files, err = s.store.ListLogFiles(r.Context(), id, node)
	}
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	if files == nil {
		files = []model.LogFile{}
	}
	respondOK(w, reqID, files)
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id, node, file := chi.URLParam(r, "id"), chi.URLParam(r, "node"), chi.URLParam(r, "file")

	var offset int64
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("invalid offset",
					model.FieldError{Field: "offset", Message: "offset must be a non-negative integer"}))
			return
		}
		offset = n
	}

	var (
		chunk *model.LogChunk
		err   error
	)
	if exec, ok := s.orch.Get(id); ok {
		chunk, err = exec.ReadLog(node, file, offset)
	} else {
		chunk, err = s.store.ReadLog(r.Context(), id, node, file, offset)
	}
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, chunk)
}

