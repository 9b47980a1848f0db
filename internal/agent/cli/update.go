package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fabrice-guiot/shuttersense/internal/agent/apiclient"
)

// newUpdateCmd implements the update command. In-place binary
// replacement is infrastructure-specific (package manager, container
// image, systemd unit
// all do this differently) so this is intentionally narrow: it checks the
// server's advertised version and logs whether an update is available. It
// never touches the running binary or the polling loop.
func newUpdateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Check the server's advertised version against this binary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			client := apiclient.New(cfg.ServerAddr, cfg.APIKey, 15*time.Second)
			resp, err := client.Version(cmd.Context())
			if err != nil {
				return exitErr(2, "version check failed: %v", err)
			}

			if resp.Version == version {
				fmt.Printf("up to date (%s)\n", version)
				return nil
			}
			fmt.Printf("server advertises %s, running %s — download and replace the binary manually\n", resp.Version, version)
			return nil
		},
	}
}
