package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newValidateCmd(ctx *context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the pool definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := ctx.loadPool()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			argv := append(append([]string(nil), doc.Workers.Command...), doc.Workers.Args...)
			fmt.Fprintf(out, "Pool %s loaded from %s\n", doc.Pool.Name, *ctx.poolFile)
			fmt.Fprintf(out, "  workers: %d\n", doc.Workers.Procs)
			fmt.Fprintf(out, "  start method: %s\n", doc.Workers.StartMethod)
			fmt.Fprintf(out, "  command: %s\n", strings.Join(argv, " "))
			if doc.Workers.Image != "" {
				fmt.Fprintf(out, "  image: %s\n", doc.Workers.Image)
			}
			return nil
		},
	}
	return cmd
}
