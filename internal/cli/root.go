package cli

import (
	stdcontext "context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/broodlabs/brood/internal/config"

	// Register the built-in start methods.
	_ "github.com/broodlabs/brood/internal/launcher/docker"
	_ "github.com/broodlabs/brood/internal/launcher/exec"
)

const defaultLogBuffer = 256

func NewRootCmd() *cobra.Command {
	root, _ := newRootCommand()
	return root
}

func newRootCommand() (*cobra.Command, *context) {
	var poolFile string

	root := &cobra.Command{
		Use:   "brood",
		Short: "Spawn and supervise pools of worker processes",
	}

	root.PersistentFlags().
		StringVarP(&poolFile, "file", "f", defaultPoolFile(), "Path to pool definition")

	ctx := &context{poolFile: &poolFile}
	root.AddCommand(newRunCmd(ctx))
	root.AddCommand(newValidateCmd(ctx))

	root.SilenceUsage = true
	root.SilenceErrors = true

	return root, ctx
}

// Execute runs the CLI entrypoint.
func Execute() {
	ctx, stop := signal.NotifyContext(stdcontext.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	root.SetContext(ctx)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type context struct {
	poolFile *string
}

func (c *context) loadPool() (*config.Pool, error) {
	return config.Load(*c.poolFile)
}

func defaultPoolFile() string {
	if value := os.Getenv("BROOD_POOL_FILE"); value != "" {
		return value
	}
	return "brood.yaml"
}

func logBufferFromEnv() int {
	if value := os.Getenv("BROOD_LOG_BUFFER"); value != "" {
		if size, err := strconv.Atoi(value); err == nil && size > 0 {
			return size
		}
	}
	return defaultLogBuffer
}
