package store

import (
	"context"

	"github.com/me/pipekit/pkg/model"
)

// Store defines the run-history persistence layer. Getters return nil, nil
// when the entity does not exist.
type Store interface {
	// Runs. CreateRun fails with ErrRunExists for a known id.
	CreateRun(ctx context.Context, run *model.RunRecord) error
	GetRun(ctx context.Context, id string) (*model.RunRecord, error)
	ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.RunRecord, int, error)
	UpdateRunStatus(ctx context.Context, st *model.RunStatusEntity) error
	GetRunStatus(ctx context.Context, id string) (*model.RunStatusEntity, error)

	// Step status and logs
	UpsertStep(ctx context.Context, runID, nodeID string, ns model.NodeStatus) error
	UploadLog(ctx context.Context, runID, nodeID, name string, data []byte) error
	ReadLog(ctx context.Context, runID, nodeID, name string, offset int64) (*model.LogChunk, error)
	ListLogFiles(ctx context.Context, runID, nodeID string) ([]model.LogFile, error)

	// Drafts
	CreateDraft(ctx context.Context, d *model.Draft) error
	GetDraft(ctx context.Context, id string) (*model.Draft, error)
	ListDrafts(ctx context.Context, opts model.ListOptions) ([]*model.Draft, int, error)

	// Published pipelines and endpoints
	PublishPipeline(ctx context.Context, p *model.PublishedPipeline, req *model.SubmitRequest, useExisting bool) error
	GetPipeline(ctx context.Context, id string) (*model.PublishedPipeline, *model.SubmitRequest, error)
	GetEndpoint(ctx context.Context, name string) (*model.Endpoint, error)
	EndpointPipeline(ctx context.Context, endpoint, version string) (*model.PublishedPipeline, *model.SubmitRequest, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
