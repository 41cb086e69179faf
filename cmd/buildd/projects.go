package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"buildd/internal/project/dag"
)

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "List workspace projects in compile order",
	Args:  cobra.NoArgs,
	RunE:  runProjects,
}

func runProjects(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ws, err := cfg.Workspace()
	if err != nil {
		return err
	}
	projects, _ := ws.Snapshot()
	idx := dag.BuildIndex(projects)
	graph, err := dag.BuildGraph(idx, projects)
	if err != nil {
		return err
	}
	topo := dag.ToposortKahn(graph, nil)
	if topo.Cyclic {
		names := make([]string, 0, len(topo.Cycles))
		for _, id := range topo.Cycles {
			names = append(names, idx.Name(id))
		}
		return fmt.Errorf("dependency cycle among: %s", strings.Join(names, ", "))
	}

	out := cmd.OutOrStdout()
	for i, batch := range topo.Batches {
		if _, err := fmt.Fprintf(out, "batch %d\n", i); err != nil {
			return err
		}
		for _, id := range batch {
			p, ok := ws.Project(idx.Name(id))
			if !ok {
				continue
			}
			line := fmt.Sprintf("  %s (%d sources)", p.Name, len(p.Sources))
			if len(p.Dependencies) > 0 {
				line += " <- " + strings.Join(p.Dependencies, ", ")
			}
			if len(p.Command) > 0 {
				line += "  [" + strings.Join(p.Command, " ") + "]"
			}
			if _, err := fmt.Fprintln(out, line); err != nil {
				return err
			}
		}
	}
	return nil
}
