package run

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/me/pipekit/pkg/model"
)

// maxReadsPerPoll bounds how many chunks one follower reads per poll so a
// chatty step cannot starve the others.
const maxReadsPerPoll = 64

// logFollower tails the primary log of one step. It remembers the offset
// reached in every file it has seen, so when the backend switches the
// primary log to another file (or back) reading resumes where it left off.
type logFollower struct {
	run     *Run
	nodeID  string
	name    string
	w       io.Writer
	file    string
	offsets map[string]int64
	partial []byte
	done    bool
}

func newLogFollower(r *Run, nodeID, name string, w io.Writer) *logFollower {
	return &logFollower{run: r, nodeID: nodeID, name: name, w: w, offsets: map[string]int64{}}
}

// poll writes whatever the primary log gained since the last poll.
func (f *logFollower) poll(ctx context.Context) error {
	files, err := f.run.backend.ListLogFiles(ctx, f.run.id, f.nodeID)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}
	if primary := files[0].Name; primary != f.file {
		if f.file != "" {
			f.flush()
		}
		f.file = primary
	}

	for i := 0; i < maxReadsPerPoll; i++ {
		off := f.offsets[f.file]
		chunk, err := f.run.backend.GetLogs(ctx, f.run.id, f.nodeID, f.file, off)
		if err != nil {
			return err
		}
		if chunk.Offset < off {
			// The file was replaced under us; drop the stale partial line.
			f.partial = f.partial[:0]
		}
		f.offsets[f.file] = chunk.NextOffset
		if chunk.Data == "" {
			return nil
		}
		f.write([]byte(chunk.Data))
	}
	return nil
}

func (f *logFollower) write(data []byte) {
	f.partial = append(f.partial, data...)
	for {
		i := bytes.IndexByte(f.partial, '\n')
		if i < 0 {
			return
		}
		fmt.Fprintf(f.w, "[%s] %s\n", f.name, f.partial[:i])
		f.partial = f.partial[i+1:]
	}
}

// flush writes an unterminated last line.
func (f *logFollower) flush() {
	if len(f.partial) > 0 {
		fmt.Fprintf(f.w, "[%s] %s\n", f.name, f.partial)
		f.partial = f.partial[:0]
	}
}

// followerSet opens a follower for each step once it starts running and
// reports step status changes.
type followerSet struct {
	run       *Run
	w         io.Writer
	followers map[string]*logFollower
	last      map[string]model.RunStatus
}

func newFollowerSet(r *Run, w io.Writer) *followerSet {
	return &followerSet{run: r, w: w, followers: map[string]*logFollower{}, last: map[string]model.RunStatus{}}
}

func (s *followerSet) update(ctx context.Context, st *model.RunStatusEntity) {
	for _, id := range s.order(st) {
		ns := st.NodeStatus[id]
		status := model.ParseRunStatus(string(ns.Status))
		name := s.run.nodeName(id, ns)
		if status != s.last[id] {
			s.last[id] = status
			fmt.Fprintf(s.w, "Step %s: %s\n", name, status)
		}

		f, ok := s.followers[id]
		if !ok {
			if status != model.RunStatusRunning && !status.IsTerminal() {
				continue
			}
			f = newLogFollower(s.run, id, name, s.w)
			s.followers[id] = f
		}
		if f.done {
			continue
		}
		if err := f.poll(ctx); err != nil {
			s.run.logger.Debug("follow step log", "node", name, "error", err)
			continue
		}
		if status.IsTerminal() {
			f.flush()
			f.done = true
		}
	}
}

// finish drains every follower that has not seen its step end.
func (s *followerSet) finish(ctx context.Context) {
	ids := make([]string, 0, len(s.followers))
	for id := range s.followers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		f := s.followers[id]
		if f.done {
			continue
		}
		if err := f.poll(ctx); err != nil {
			s.run.logger.Debug("follow step log", "node", f.name, "error", err)
		}
		f.flush()
		f.done = true
	}
}

// order lists node ids in graph order when the graph is known.
func (s *followerSet) order(st *model.RunStatusEntity) []string {
	s.run.mu.Lock()
	g := s.run.graph
	s.run.mu.Unlock()

	ids := make([]string, 0, len(st.NodeStatus))
	seen := map[string]bool{}
	if g != nil {
		for _, n := range g.Nodes {
			if _, ok := st.NodeStatus[n.ID]; ok {
				ids = append(ids, n.ID)
				seen[n.ID] = true
			}
		}
	}
	var rest []string
	for id := range st.NodeStatus {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	return append(ids, rest...)
}
