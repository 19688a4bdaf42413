package run

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/me/pipekit/internal/datastore"
	"github.com/me/pipekit/pkg/model"
)

// Output is one output of a step run.
type Output struct {
	run       *Run
	Step      string
	StepName  string
	Name      string
	Type      string
	Datastore string
	Locator   string
}

// Produced reports whether the backend has a location for the output.
func (o *Output) Produced() bool { return o.Locator != "" }

// GetOutputs lists the step's outputs. The list is cached once the step
// has finished.
func (s *Step) GetOutputs(ctx context.Context) ([]*Output, error) {
	r := s.run
	r.mu.Lock()
	cached, ok := r.outputs[s.NodeID]
	r.mu.Unlock()
	if ok {
		return cached, nil
	}

	infos, err := r.backend.GetStepOutputs(ctx, r.id, s.NodeID)
	if err != nil {
		return nil, err
	}
	outs := make([]*Output, 0, len(infos))
	for _, info := range infos {
		outs = append(outs, &Output{
			run:       r,
			Step:      s.NodeID,
			StepName:  s.Name,
			Name:      info.Name,
			Type:      info.Type,
			Datastore: info.Datastore,
			Locator:   info.Locator,
		})
	}
	if model.ParseRunStatus(string(s.Status.Status)).IsTerminal() {
		r.mu.Lock()
		r.outputs[s.NodeID] = outs
		r.mu.Unlock()
	}
	return outs, nil
}

// Output returns the named output of the step.
func (s *Step) Output(ctx context.Context, name string) (*Output, error) {
	outs, err := s.GetOutputs(ctx)
	if err != nil {
		return nil, err
	}
	for _, o := range outs {
		if o.Name == name {
			return o, nil
		}
	}
	return nil, model.NewNotFoundError("output", s.Name+"."+name)
}

// GetOutputs lists the outputs of every step in graph order.
func (r *Run) GetOutputs(ctx context.Context) ([]*Output, error) {
	steps, err := r.Steps(ctx)
	if err != nil {
		return nil, err
	}
	var all []*Output
	for _, s := range steps {
		outs, err := s.GetOutputs(ctx)
		if err != nil {
			return nil, fmt.Errorf("outputs of step %s: %w", s.Name, err)
		}
		all = append(all, outs...)
	}
	return all, nil
}

// Download copies the output into localPath/<name> and returns that path.
// It returns "" when the run has not produced the output. An existing
// destination is replaced only when overwrite is set.
func (o *Output) Download(ctx context.Context, localPath string, overwrite, showProgress bool) (string, error) {
	if !o.Produced() {
		return "", nil
	}
	kind := o.Datastore
	if kind == "" {
		kind = datastore.KindOf(o.Locator)
	}
	d, err := o.run.stores.For(kind)
	if err != nil {
		return "", err
	}

	dst := filepath.Join(localPath, o.Name)
	if _, err := os.Lstat(dst); err == nil {
		if !overwrite {
			return "", model.NewUserError("%s already exists; pass overwrite to replace it", dst)
		}
		if err := os.RemoveAll(dst); err != nil {
			return "", fmt.Errorf("remove %s: %w", dst, err)
		}
	}
	if err := os.MkdirAll(localPath, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", localPath, err)
	}

	if showProgress {
		fmt.Fprintf(o.run.out, "Downloading %s.%s to %s\n", o.StepName, o.Name, dst)
	}
	n, err := d.Download(ctx, o.Locator, dst)
	if errors.Is(err, datastore.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("download %s.%s: %w", o.StepName, o.Name, err)
	}
	if showProgress {
		fmt.Fprintf(o.run.out, "Downloaded %d bytes\n", n)
	}
	o.run.logger.Debug("downloaded output", "step", o.StepName, "output", o.Name, "bytes", n, "path", dst)
	return dst, nil
}
