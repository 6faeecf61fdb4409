package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mrlokans/vaultbridge/internal/logging"
	"github.com/mrlokans/vaultbridge/internal/vaultstub"
)

const defaultStubPort = 8087

func newStubServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stub-serve",
		Short: "Serve an in-memory stand-in for the bw serve API",
		Long: `Serves the subset of the bw serve HTTP API that migrations use, backed by an
empty in-memory vault. Useful for rehearsing against scripts or clients
without touching a real vault. Everything is lost on exit.`,
		Args: cobra.NoArgs,
		RunE: runStubServe,
	}
	cmd.Flags().Int("port", defaultStubPort, "Port to listen on (127.0.0.1 only)")
	cmd.Flags().String("password", "", "Master password the stub accepts (required)")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func runStubServe(cmd *cobra.Command, _ []string) error {
	level, _ := cmd.Flags().GetString("log-level")
	if err := logging.Setup(level); err != nil {
		return configError(err)
	}
	port, err := cmd.Flags().GetInt("port")
	if err != nil {
		return configError(err)
	}
	password, err := cmd.Flags().GetString("password")
	if err != nil {
		return configError(err)
	}

	ctx, stop := signal.NotifyContext(contextOf(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := vaultstub.NewServer(vaultstub.NewStore(password))
	return server.ListenAndServe(ctx, fmt.Sprintf("127.0.0.1:%d", port))
}

