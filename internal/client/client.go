// Package client is the remote submission client: stateless RPCs for runs,
// drafts, published pipelines and endpoints over an injected Transport.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/me/pipekit/pkg/model"
)

// MinPollInterval is the lower bound on status polling.
const MinPollInterval = 5 * time.Second

// Client issues backend RPCs. Only idempotent reads are retried; a submit
// is sent exactly once.
type Client struct {
	transport    Transport
	logger       *slog.Logger
	pollInterval time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithPollInterval sets the status polling interval. Values below
// MinPollInterval are raised to it.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		c.pollInterval = max(d, MinPollInterval)
	}
}

// New creates a Client over t.
func New(t Transport, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		transport:    t,
		logger:       logger.With("component", "client"),
		pollInterval: MinPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PollInterval returns the status polling interval.
func (c *Client) PollInterval() time.Duration {
	return c.pollInterval
}

func (c *Client) call(ctx context.Context, req Request, out any) error {
	data, err := c.transport.Do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", req.Method, req.Path, err)
	}
	return nil
}

// SubmitRun submits a pipeline run. The submission is idempotent only when
// req carries a deterministic RunID.
func (c *Client) SubmitRun(ctx context.Context, req *model.SubmitRequest) (*model.SubmitResponse, error) {
	if req == nil || req.Graph == nil {
		return nil, model.NewUserError("submit requires a graph")
	}
	if req.ExperimentName == "" {
		return nil, model.NewUserError("submit requires an experiment name")
	}
	var resp model.SubmitResponse
	err := c.call(ctx, Request{
		Method: "POST",
		Path:   "/api/v1/experiments/" + url.PathEscape(req.ExperimentName) + "/runs",
		Body:   req,
	}, &resp)
	if err != nil {
		return nil, err
	}
	c.logger.Info("run submitted", "run_id", resp.RunID, "experiment", req.ExperimentName)
	return &resp, nil
}

// SaveDraft persists an unsubmitted graph.
func (c *Client) SaveDraft(ctx context.Context, name string, req *model.SubmitRequest) (*model.Draft, error) {
	if req == nil || req.Graph == nil {
		return nil, model.NewUserError("draft requires a graph")
	}
	var d model.Draft
	err := c.call(ctx, Request{
		Method: "POST",
		Path:   "/api/v1/drafts",
		Body:   model.Draft{Name: name, Request: req},
	}, &d)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Publish publishes a graph as a named pipeline.
func (c *Client) Publish(ctx context.Context, pr *model.PublishRequest) (*model.PublishedPipeline, error) {
	if err := checkPublish(pr); err != nil {
		return nil, err
	}
	var p model.PublishedPipeline
	if err := c.call(ctx, Request{Method: "POST", Path: "/api/v1/pipelines", Body: pr}, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// PublishToEndpoint publishes a graph under endpoint. With
// UseExistingEndpoint a new version is added to an existing endpoint;
// otherwise publishing fails if the endpoint already exists.
func (c *Client) PublishToEndpoint(ctx context.Context, endpoint string, pr *model.PublishRequest) (*model.PublishedPipeline, error) {
	if endpoint == "" {
		return nil, model.NewUserError("endpoint name is required")
	}
	if err := checkPublish(pr); err != nil {
		return nil, err
	}
	pr.EndpointName = endpoint
	var p model.PublishedPipeline
	err := c.call(ctx, Request{
		Method: "POST",
		Path:   "/api/v1/endpoints/" + url.PathEscape(endpoint) + "/pipelines",
		Body:   pr,
	}, &p)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func checkPublish(pr *model.PublishRequest) error {
	if pr == nil || pr.Request == nil || pr.Request.Graph == nil {
		return model.NewUserError("publish requires a graph")
	}
	if pr.Name == "" {
		return model.NewUserError("publish requires a name")
	}
	return nil
}

// SubmitEndpoint starts a run of an endpoint's default or given version.
func (c *Client) SubmitEndpoint(ctx context.Context, endpoint string, req *model.EndpointSubmitRequest) (*model.SubmitResponse, error) {
	if endpoint == "" {
		return nil, model.NewUserError("endpoint name is required")
	}
	var resp model.SubmitResponse
	err := c.call(ctx, Request{
		Method: "POST",
		Path:   "/api/v1/endpoints/" + url.PathEscape(endpoint) + "/runs",
		Body:   req,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetRunStatus returns the status of a run and its nodes.
func (c *Client) GetRunStatus(ctx context.Context, runID string) (*model.RunStatusEntity, error) {
	var st model.RunStatusEntity
	err := c.call(ctx, Request{
		Method:     "GET",
		Path:       "/api/v1/runs/" + url.PathEscape(runID) + "/status",
		Idempotent: true,
	}, &st)
	if err != nil {
		return nil, err
	}
	st.Status = model.ParseRunStatus(string(st.Status))
	for id, ns := range st.NodeStatus {
		ns.Status = model.ParseRunStatus(string(ns.Status))
		st.NodeStatus[id] = ns
	}
	return &st, nil
}

// ListRuns lists recorded runs, newest first.
func (c *Client) ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.RunRecord, error) {
	var runs []*model.RunRecord
	err := c.call(ctx, Request{
		Method:     "GET",
		Path:       "/api/v1/runs/",
		Query:      opts.Query(),
		Idempotent: true,
	}, &runs)
	return runs, err
}

// GetRunGraph returns the graph a run was submitted with.
func (c *Client) GetRunGraph(ctx context.Context, runID string) (*model.GraphEntity, error) {
	var g model.GraphEntity
	err := c.call(ctx, Request{
		Method:     "GET",
		Path:       "/api/v1/runs/" + url.PathEscape(runID) + "/graph",
		Idempotent: true,
	}, &g)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// GetStepOutputs lists the outputs of one step of a run.
func (c *Client) GetStepOutputs(ctx context.Context, runID, nodeID string) ([]model.OutputInfo, error) {
	var outs []model.OutputInfo
	err := c.call(ctx, Request{
		Method:     "GET",
		Path:       stepPath(runID, nodeID) + "/outputs",
		Idempotent: true,
	}, &outs)
	return outs, err
}

// ListLogFiles lists the log files of one step; the first is the primary log.
func (c *Client) ListLogFiles(ctx context.Context, runID, nodeID string) ([]model.LogFile, error) {
	var files []model.LogFile
	err := c.call(ctx, Request{
		Method:     "GET",
		Path:       stepPath(runID, nodeID) + "/logs",
		Idempotent: true,
	}, &files)
	return files, err
}

// GetLogs reads a log file of one step from offset.
func (c *Client) GetLogs(ctx context.Context, runID, nodeID, file string, offset int64) (*model.LogChunk, error) {
	var chunk model.LogChunk
	err := c.call(ctx, Request{
		Method:     "GET",
		Path:       stepPath(runID, nodeID) + "/logs/" + url.PathEscape(file),
		Query:      url.Values{"offset": {strconv.FormatInt(offset, 10)}},
		Idempotent: true,
	}, &chunk)
	if err != nil {
		return nil, err
	}
	return &chunk, nil
}

// CancelRun asks the backend to cancel a run.
func (c *Client) CancelRun(ctx context.Context, runID string) error {
	return c.call(ctx, Request{
		Method: "POST",
		Path:   "/api/v1/runs/" + url.PathEscape(runID) + "/cancel",
	}, nil)
}

// WaitForStatus polls the run status until done returns true or ctx ends.
// Polls are spaced by the client's poll interval.
func (c *Client) WaitForStatus(ctx context.Context, runID string, done func(*model.RunStatusEntity) bool) (*model.RunStatusEntity, error) {
	limiter := rate.NewLimiter(rate.Every(c.pollInterval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
		st, err := c.GetRunStatus(ctx, runID)
		if err != nil {
			return nil, err
		}
		if done(st) {
			return st, nil
		}
	}
}

func stepPath(runID, nodeID string) string {
	return "/api/v1/runs/" + url.PathEscape(runID) + "/steps/" + url.PathEscape(nodeID)
}
