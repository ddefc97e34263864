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
		Name:        "forgeci API",
		Version:     "v1",
		Description: "forgeci workflow orchestration: run ingestion, job scheduling, and runner dispatch",
		Endpoints: []endpointInfo{
			{"/api/v1/runs", []string{"GET", "POST"}, "Run ingestion and listing"},
			{"/api/v1/runs/{id}", []string{"GET"}, "Single Run detail with jobs and summary"},
			{"/api/v1/runs/{id}/cancel", []string{"PUT"}, "Cancel a Run and everything under it"},
			{"/api/v1/runs/{id}/approve", []string{"PUT"}, "Release a Run held for approval"},
			{"/api/v1/runs/{id}/jobs", []string{"GET"}, "List Jobs in a Run"},
			{"/api/v1/runs/{id}/jobs/{jid}", []string{"GET"}, "Single Job detail with latest attempt"},
			{"/api/v1/runs/{id}/jobs/{jid}/rerun", []string{"PUT"}, "Re-run a finished Job"},
			{"/api/v1/tasks/{id}", []string{"GET"}, "Single Task detail with steps"},
			{"/api/v1/tasks/{id}/logs", []string{"GET"}, "Per-step log excerpts"},
			{"/api/v1/tasks/{id}/steps/{index}", []string{"PUT"}, "Runner step report (lease token required)"},
			{"/api/v1/tasks/{id}/complete", []string{"PUT"}, "Runner final verdict (lease token required)"},
			{"/api/v1/runners", []string{"GET", "POST"}, "Runner registration and listing"},
			{"/api/v1/runners/{id}", []string{"GET", "DELETE"}, "Single Runner operations"},
			{"/api/v1/runners/{id}/heartbeat", []string{"PUT"}, "Runner liveness (runner token required)"},
			{"/api/v1/runners/{id}/lease", []string{"POST"}, "Claim a task, long-polling (runner token required)"},
			{"/api/v1/sse/runs/{id}", []string{"GET"}, "Run status stream (Server-Sent Events)"},
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
		},
	})
}
