package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fabrice-guiot/shuttersense/internal/agent/adapters"
	"github.com/fabrice-guiot/shuttersense/internal/agent/apiclient"
	"github.com/fabrice-guiot/shuttersense/internal/agent/credentials"
	"github.com/fabrice-guiot/shuttersense/internal/shared/apitypes"
)

// newSelfTestCmd implements the self-test command:
// runs TestConnection against every stored connector, verifies the
// credential vault is readable, and verifies server reachability,
// printing a pass/fail summary.
func newSelfTestCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "self-test",
		Short: "Check vault, connectors, and server reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			allOK := true

			if !cfg.Registered() {
				fmt.Println("[FAIL] registration: agent is not registered")
				return exitErr(3, "self-test: agent is not registered")
			}
			fmt.Println("[ OK ] registration: agent_guid=" + cfg.AgentGUID)

			client := apiclient.New(cfg.ServerAddr, cfg.APIKey, 15*time.Second)
			if _, err := client.Heartbeat(cmd.Context(), apitypes.HeartbeatRequest{}); err != nil {
				fmt.Println("[FAIL] server reachability:", err)
				allOK = false
			} else {
				fmt.Println("[ OK ] server reachability")
			}

			credStore := credentials.New(cfg.StateDir)
			guids, err := credStore.List()
			if err != nil {
				fmt.Println("[FAIL] credential vault:", err)
				allOK = false
			} else {
				fmt.Printf("[ OK ] credential vault: %d connector(s) stored\n", len(guids))
			}

			for _, guid := range guids {
				creds, err := credStore.Get(guid)
				if err != nil || creds == nil {
					fmt.Printf("[FAIL] connector %s: undecipherable credentials\n", guid)
					allOK = false
					continue
				}
				meta, _ := credStore.GetMetadata(guid)
				location := meta["location"]
				adapter, err := buildTestAdapter(*creds, location)
				if err != nil {
					fmt.Printf("[FAIL] connector %s: %s\n", guid, err)
					allOK = false
					continue
				}
				ok, msg, err := adapter.TestConnection(cmd.Context(), location)
				if err != nil || !ok {
					fmt.Printf("[FAIL] connector %s: %s\n", guid, firstNonEmpty(msg, errString(err)))
					allOK = false
					continue
				}
				fmt.Printf("[ OK ] connector %s: %s\n", guid, msg)
			}

			if !allOK {
				return exitErr(2, "self-test: one or more checks failed")
			}
			fmt.Println("self-test passed")
			return nil
		},
	}
}

// buildTestAdapter constructs the adapter TestConnection exercises for a
// stored credential. Connectors don't carry a location by themselves,
// so location comes from the "location" metadata key set at
// `connectors configure` time.
func buildTestAdapter(creds adapters.Credentials, location string) (adapters.StorageAdapter, error) {
	switch creds.Kind {
	case adapters.CredentialS3:
		return adapters.NewS3Adapter(*creds.S3)
	case adapters.CredentialGCS:
		return adapters.NewGCSAdapter(context.Background(), *creds.GCS)
	case adapters.CredentialSMB:
		host, share := splitSMBLocation(location)
		return adapters.NewSMBAdapter(host, share, *creds.SMB), nil
	default:
		return nil, fmt.Errorf("unknown credential kind %q", creds.Kind)
	}
}

// splitSMBLocation splits "host/share/sub/path" into its host and share
// components — mirrors internal/agent/executor's identical helper; kept
// local rather than exported since only these two CLI-adjacent call
// sites need it.
func splitSMBLocation(location string) (host, share string) {
	for i := 0; i < len(location); i++ {
		if location[i] == '/' {
			return location[:i], location[i+1:]
		}
	}
	return location, ""
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
