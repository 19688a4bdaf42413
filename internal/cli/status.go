package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/me/pipekit/pkg/model"
)

func newStatusCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the status of a run and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newClient().GetRunStatus(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get run status: %w", err)
			}
			return printStatus(cmd.OutOrStdout(), st, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format (text, json, yaml)")
	return cmd
}

func printStatus(w io.Writer, st *model.RunStatusEntity, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	case "yaml":
		return yaml.NewEncoder(w).Encode(st)
	case "text", "":
	default:
		return fmt.Errorf("unknown output format %q (text, json, yaml)", format)
	}

	fmt.Fprintf(w, "Run: %s\n", st.RunID)
	if st.Experiment != "" {
		fmt.Fprintf(w, "  Experiment: %s\n", st.Experiment)
	}
	fmt.Fprintf(w, "  Status:     %s\n", st.Status)
	if st.StatusDetail != "" {
		fmt.Fprintf(w, "  Detail:     %s\n", st.StatusDetail)
	}
	if st.StartTime != nil {
		fmt.Fprintf(w, "  Started:    %s\n", st.StartTime.Format(time.RFC3339))
	}
	if st.EndTime != nil {
		fmt.Fprintf(w, "  Finished:   %s\n", st.EndTime.Format(time.RFC3339))
	}
	if len(st.NodeStatus) == 0 {
		return nil
	}

	ids := make([]string, 0, len(st.NodeStatus))
	for id := range st.NodeStatus {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := st.NodeStatus[ids[i]], st.NodeStatus[ids[j]]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return ids[i] < ids[j]
	})

	fmt.Fprintln(w, "  Steps:")
	for _, id := range ids {
		ns := st.NodeStatus[id]
		name := ns.Name
		if name == "" {
			name = id
		}
		line := fmt.Sprintf("    - %s: %s", name, ns.Status)
		if ns.StatusCode != nil && *ns.StatusCode != 0 {
			line += fmt.Sprintf(" (exit %d)", *ns.StatusCode)
		}
		if ns.StatusDetail != "" {
			line += " " + ns.StatusDetail
		}
		fmt.Fprintln(w, line)
	}
	return nil
}
