package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deckhand/deckhand/pkg/engine"
	"github.com/deckhand/deckhand/pkg/workflow"
)

func newGraphCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "graph <workflow>",
		Short: "Print the step graph of a workflow in DOT format",
		Long: `Graph compiles a workflow into its execution plan and prints it for
Graphviz. Jobs become clusters, step order is drawn solid and needs edges
dashed. With --json the compiled plan is printed instead.`,
		Example: `  deckhand graph infrastructure | dot -Tsvg > infra.svg`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			defs, err := a.workflows()
			if err != nil {
				return err
			}
			def, ok := workflow.Find(defs, args[0])
			if !ok {
				return fmt.Errorf("workflow %q not found in %s", args[0], a.project.Workflows.Dir)
			}
			plan, err := workflow.Compile(def)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return printJSON(out, plan)
			}
			builder := engine.NewDAGBuilder()
			if _, err := builder.BuildGraph(plan.Units); err != nil {
				return err
			}
			_, err = fmt.Fprint(out, builder.ToDOT())
			return err
		},
	}
}
