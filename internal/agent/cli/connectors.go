package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/fabrice-guiot/shuttersense/internal/agent/adapters"
	"github.com/fabrice-guiot/shuttersense/internal/agent/apiclient"
	"github.com/fabrice-guiot/shuttersense/internal/agent/credentials"
)

// newConnectorsCmd implements the connectors subcommands — list,
// configure, test, remove, show — each operating against the local
// credential vault.
func newConnectorsCmd(flags *rootFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "connectors",
		Short: "Manage per-connector credentials stored on this agent",
	}
	root.AddCommand(newConnectorsListCmd(flags))
	root.AddCommand(newConnectorsConfigureCmd(flags))
	root.AddCommand(newConnectorsTestCmd(flags))
	root.AddCommand(newConnectorsRemoveCmd(flags))
	root.AddCommand(newConnectorsShowCmd(flags))
	return root
}

func newConnectorsListCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List connectors with stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			guids, err := credentials.New(cfg.StateDir).List()
			if err != nil {
				return fmt.Errorf("list connectors: %w", err)
			}
			sort.Strings(guids)
			for _, g := range guids {
				fmt.Println(g)
			}
			return nil
		},
	}
}

// newConnectorsConfigureCmd reads a JSON credentials document from
// --credentials-file and stores it under connectorGUID, along with the
// --location metadata used by `self-test`'s TestConnection pass.
func newConnectorsConfigureCmd(flags *rootFlags) *cobra.Command {
	var credentialsFile, location string

	cmd := &cobra.Command{
		Use:   "configure <connector_guid>",
		Short: "Store credentials for a connector",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			connectorGUID := args[0]
			if credentialsFile == "" {
				return exitErr(1, "--credentials-file is required")
			}

			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if err := requireRegistered(cfg); err != nil {
				return err
			}

			raw, err := os.ReadFile(credentialsFile)
			if err != nil {
				return exitErr(1, "read credentials file: %v", err)
			}
			var creds adapters.Credentials
			if err := json.Unmarshal(raw, &creds); err != nil {
				return exitErr(1, "parse credentials file: %v", err)
			}

			metadata := map[string]string{}
			if location != "" {
				metadata["location"] = location
			}

			store := credentials.New(cfg.StateDir)
			if err := store.Store(connectorGUID, creds, metadata); err != nil {
				return fmt.Errorf("store credentials: %w", err)
			}

			client := apiclient.New(cfg.ServerAddr, cfg.APIKey, 15*time.Second)
			resp, err := client.ReportCapability(cmd.Context(), connectorGUID, true)
			if err != nil {
				fmt.Println("credentials stored, but capability report failed:", err)
				return nil
			}
			fmt.Printf("credentials stored for %s (capability acknowledged=%v, credential_location_updated=%v)\n",
				connectorGUID, resp.Acknowledged, resp.CredentialLocationUpdated)
			return nil
		},
	}

	cmd.Flags().StringVar(&credentialsFile, "credentials-file", "", "Path to a JSON adapters.Credentials document")
	cmd.Flags().StringVar(&location, "location", "", "Backend-specific location (bucket/prefix or host/share) to store alongside the credentials")
	return cmd
}

func newConnectorsTestCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "test <connector_guid>",
		Short: "Verify stored credentials can reach their backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			connectorGUID := args[0]
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			store := credentials.New(cfg.StateDir)
			creds, err := store.Get(connectorGUID)
			if err != nil || creds == nil {
				return exitErr(3, "no credentials stored for %s", connectorGUID)
			}
			meta, _ := store.GetMetadata(connectorGUID)
			adapter, err := buildTestAdapter(*creds, meta["location"])
			if err != nil {
				return exitErr(1, "%v", err)
			}
			ok, msg, err := adapter.TestConnection(cmd.Context(), meta["location"])
			if err != nil {
				return exitErr(2, "%v", err)
			}
			if !ok {
				return exitErr(2, "connection test failed: %s", msg)
			}
			fmt.Println(msg)
			return nil
		},
	}
}

func newConnectorsRemoveCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <connector_guid>",
		Short: "Delete stored credentials for a connector",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if err := credentials.New(cfg.StateDir).Delete(args[0]); err != nil {
				return fmt.Errorf("remove credentials: %w", err)
			}
			fmt.Println("removed")
			return nil
		},
	}
}

func newConnectorsShowCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <connector_guid>",
		Short: "Show stored metadata for a connector (never the credentials themselves)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			store := credentials.New(cfg.StateDir)
			creds, err := store.Get(args[0])
			if err != nil || creds == nil {
				return exitErr(3, "no credentials stored for %s", args[0])
			}
			meta, _ := store.GetMetadata(args[0])
			fmt.Printf("kind: %s\n", creds.Kind)
			for k, v := range meta {
				fmt.Printf("%s: %s\n", k, v)
			}
			return nil
		},
	}
}
