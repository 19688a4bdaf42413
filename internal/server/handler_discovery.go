package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "pipekit API",
		Version:     "v1",
		Description: "pipekit local backend: pipeline run submission, run history and published endpoints",
		Endpoints: []endpointInfo{
			{"/api/v1/experiments/{experiment}/runs", []string{"POST"}, "Submit a pipeline run"},
			{"/api/v1/runs", []string{"GET"}, "List runs. Accepts ?state=, ?limit= and ?offset="},
			{"/api/v1/runs/{id}", []string{"GET"}, "Run record with its submission"},
			{"/api/v1/runs/{id}/status", []string{"GET"}, "Run and step status"},
			{"/api/v1/runs/{id}/graph", []string{"GET"}, "Graph the run was submitted with"},
			{"/api/v1/runs/{id}/cancel", []string{"POST"}, "Cancel a running run"},
			{"/api/v1/runs/{id}/steps/{node}/outputs", []string{"GET"}, "Step outputs and their locations"},
			{"/api/v1/runs/{id}/steps/{node}/logs", []string{"GET"}, "Step log files, primary log first"},
			{"/api/v1/runs/{id}/steps/{node}/logs/{file}", []string{"GET"}, "Step log contents from ?offset="},
			{"/api/v1/drafts", []string{"GET", "POST"}, "Saved, unsubmitted graphs"},
			{"/api/v1/drafts/{id}", []string{"GET"}, "Single draft"},
			{"/api/v1/pipelines", []string{"POST"}, "Publish a graph"},
			{"/api/v1/pipelines/{id}", []string{"GET"}, "Single published pipeline"},
			{"/api/v1/endpoints/{name}", []string{"GET"}, "Endpoint with its default version"},
			{"/api/v1/endpoints/{name}/pipelines", []string{"POST"}, "Publish a version under an endpoint"},
			{"/api/v1/endpoints/{name}/runs", []string{"POST"}, "Run an endpoint's default or given version"},
			{"/api/v1/sse/runs/{id}", []string{"GET"}, "Server-sent run status updates"},
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
		},
	})
}
