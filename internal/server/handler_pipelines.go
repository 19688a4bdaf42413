package server

import (
	"maps"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/me/pipekit/pkg/model"
)

func (s *Server) handleCreateDraft(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var d model.Draft
	if !decodeBody(w, r, &d) {
		return
	}
	if d.Request == nil || d.Request.Graph == nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required field",
				model.FieldError{Field: "request.graph", Message: "graph is required"}))
		return
	}
	d.ID = "draft_" + uuid.New().String()
	d.CreatedAt = time.Now().UTC()
	if d.Name == "" {
		d.Name = d.Request.ExperimentName
	}
	if err := s.store.CreateDraft(r.Context(), &d); err != nil {
		respondErr(w, reqID, err)
		return
	}
	s.logger.Info("draft saved", "id", d.ID, "name", d.Name)
	respondCreated(w, reqID, d)
}

func (s *Server) handleListDrafts(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	opts, err := model.ParseListOptions(r.URL.Query())
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	drafts, total, err := s.store.ListDrafts(r.Context(), opts)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondList(w, reqID, drafts, opts.Page(total, len(drafts)))
}

func (s *Server) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	d, err := s.store.GetDraft(r.Context(), id)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	if d == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("draft", id))
		return
	}
	respondOK(w, reqID, d)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var pr model.PublishRequest
	if !decodeBody(w, r, &pr) {
		return
	}
	s.publish(w, r, &pr)
}

func (s *Server) handlePublishToEndpoint(w http.ResponseWriter, r *http.Request) {
	var pr model.PublishRequest
	if !decodeBody(w, r, &pr) {
		return
	}
	pr.EndpointName = chi.URLParam(r, "name")
	s.publish(w, r, &pr)
}

func (s *Server) publish(w http.ResponseWriter, r *http.Request, pr *model.PublishRequest) {
	reqID := RequestIDFromContext(r.Context())

	var missing []model.FieldError
	if pr.Name == "" {
		missing = append(missing, model.FieldError{Field: "name", Message: "name is required"})
	}
	if pr.Request == nil || pr.Request.Graph == nil {
		missing = append(missing, model.FieldError{Field: "request.graph", Message: "graph is required"})
	}
	if len(missing) > 0 {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("missing required field", missing...))
		return
	}

	p := &model.PublishedPipeline{
		ID:           "pl_" + uuid.New().String(),
		Name:         pr.Name,
		Description:  pr.Description,
		Version:      pr.Version,
		EndpointName: pr.EndpointName,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.PublishPipeline(r.Context(), p, pr.Request, pr.UseExistingEndpoint); err != nil {
		respondErr(w, reqID, err)
		return
	}
	s.logger.Info("pipeline published", "id", p.ID, "name", p.Name, "endpoint", p.EndpointName, "version", p.Version)
	respondCreated(w, reqID, p)
}

func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	p, _, err := s.store.GetPipeline(r.Context(), id)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	if p == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("pipeline", id))
		return
	}
	respondOK(w, reqID, p)
}

func (s *Server) handleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	name := chi.URLParam(r, "name")

	ep, err := s.store.GetEndpoint(r.Context(), name)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	if ep == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("endpoint", name))
		return
	}
	respondOK(w, reqID, ep)
}

// handleSubmitEndpoint runs a published version as it was materialized.
// Parameter overrides must name parameters of the published pipeline and
// are recorded with the run.
func (s *Server) handleSubmitEndpoint(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	name := chi.URLParam(r, "name")

	var body model.EndpointSubmitRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.ExperimentName == "" {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required field",
				model.FieldError{Field: "experimentName", Message: "experimentName is required"}))
		return
	}

	p, published, err := s.store.EndpointPipeline(r.Context(), name, body.Version)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	if p == nil {
		what := name
		if body.Version != "" {
			what += " version " + body.Version
		}
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("endpoint", what))
		return
	}

	var unknown []string
	for k := range body.PipelineParameters {
		if _, ok := published.PipelineParameters[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("unknown pipeline parameters",
				model.FieldError{Field: "pipelineParameters", Message: strings.Join(unknown, ", ")}))
		return
	}

	req := *published
	req.ExperimentName = body.ExperimentName
	req.RunID = ""
	req.PipelineParameters = maps.Clone(published.PipelineParameters)
	maps.Copy(req.PipelineParameters, body.PipelineParameters)

	resp, err := s.startRun(r.Context(), &req, p.ID)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondCreated(w, reqID, resp)
}
