// Package cli implements the agent's command surface:
// register, run, sync, test, self-test, connectors, update. Exit codes
// follow a fixed contract: 0 OK, 1 usage error, 2 connection/authentication
// failure, 3 precondition, 4 fatal runtime.
package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/internal/agent/apiclient"
	"github.com/fabrice-guiot/shuttersense/internal/agent/apierr"
	"github.com/fabrice-guiot/shuttersense/internal/agent/config"
	"github.com/fabrice-guiot/shuttersense/internal/agent/credentials"
	"github.com/fabrice-guiot/shuttersense/internal/agent/executor"
	"github.com/fabrice-guiot/shuttersense/internal/agent/pollingloop"
	"github.com/fabrice-guiot/shuttersense/internal/agent/tools"
	"github.com/fabrice-guiot/shuttersense/internal/agent/upload"
	"github.com/fabrice-guiot/shuttersense/internal/shared/apitypes"
)

var (
	version = "dev"
	commit  = "none"
)

// ExitError carries a process exit code alongside a message, so subcommand
// RunE functions can report exit codes without every command
// reimplementing the classification.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

func exitErr(code int, format string, args ...any) error {
	return &ExitError{Code: code, Err: fmt.Errorf(format, args...)}
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	root := NewRootCmd()
	err := root.Execute()
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		fmt.Fprintln(os.Stderr, ee.Error())
		return ee.Code
	}
	fmt.Fprintln(os.Stderr, err)
	return 1
}

// rootFlags are the persistent flags every subcommand shares.
type rootFlags struct {
	serverAddr string
	stateDir   string
	logLevel   string
}

// NewRootCmd builds the full agent CLI tree.
func NewRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:   "shuttersense-agent",
		Short: "shuttersense agent — claims and executes analysis jobs",
		Long: `shuttersense-agent registers with a shuttersense server, then repeatedly
claims, executes, and reports the outcome of analysis jobs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.serverAddr, "server-addr", envOrDefault("SHUTTERSENSE_SERVER_ADDR", "http://localhost:8080"), "Base URL of the shuttersense server")
	root.PersistentFlags().StringVar(&flags.stateDir, "state-dir", envOrDefault("SHUTTERSENSE_STATE_DIR", "./agent-state"), "Directory for registration state and the credential vault")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", envOrDefault("SHUTTERSENSE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newRegisterCmd(flags))
	root.AddCommand(newRunCmd(flags))
	root.AddCommand(newSyncCmd(flags))
	root.AddCommand(newTestCmd(flags))
	root.AddCommand(newSelfTestCmd(flags))
	root.AddCommand(newConnectorsCmd(flags))
	root.AddCommand(newUpdateCmd(flags))

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("shuttersense-agent %s (commit: %s)\n", version, commit)
		},
	}
}

// loadConfig builds a config.Config from persistent flags and whatever
// registration state is already on disk.
func loadConfig(flags *rootFlags) (*config.Config, error) {
	cfg := config.DefaultConfig()
	cfg.ServerAddr = flags.serverAddr
	cfg.StateDir = flags.stateDir
	if err := cfg.Load(); err != nil {
		return nil, fmt.Errorf("load agent state: %w", err)
	}
	return &cfg, nil
}

func requireRegistered(cfg *config.Config) error {
	if !cfg.Registered() {
		return exitErr(3, "agent is not registered; run 'shuttersense-agent register' first")
	}
	return nil
}

// newRegisterCmd trades a one-time registration token for
// a durable API key, persisted to state-dir.
func newRegisterCmd(flags *rootFlags) *cobra.Command {
	var token, name, platform string
	var capabilities []string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register this agent with the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				return exitErr(1, "--token is required")
			}
			logger, err := buildLogger(flags.logLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if platform != "" {
				cfg.Platform = platform
			}
			cfg.Capabilities = capabilities

			client := apiclient.New(cfg.ServerAddr, "", 30*time.Second)
			resp, err := client.Register(cmd.Context(), apitypes.RegisterRequest{
				Name:         name,
				Token:        token,
				Platform:     cfg.Platform,
				Checksum:     cfg.BinaryChecksum,
				Capabilities: cfg.Capabilities,
			})
			if err != nil {
				return classifyCLIErr(err)
			}

			cfg.AgentGUID = resp.GUID
			cfg.TeamGUID = resp.TeamGUID
			cfg.APIKey = resp.APIKey
			if err := cfg.Save(); err != nil {
				return fmt.Errorf("persist registration: %w", err)
			}

			fmt.Printf("registered as %s (team %s)\n", resp.GUID, resp.TeamGUID)
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "One-time registration token")
	cmd.Flags().StringVar(&name, "name", "", "Human-readable agent name")
	cmd.Flags().StringVar(&platform, "platform", "", "Platform string reported at registration")
	cmd.Flags().StringSliceVar(&capabilities, "capability", nil, "Capability advertised at registration (repeatable)")
	return cmd
}

// newRunCmd wires up and runs the polling loop as the agent's
// long-running foreground command.
func newRunCmd(flags *rootFlags) *cobra.Command {
	var authorizedRoots []string
	var capabilities []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the polling loop until shutdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(flags.logLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if err := requireRegistered(cfg); err != nil {
				return err
			}
			cfg.AuthorizedRoots = authorizedRoots
			if len(capabilities) > 0 {
				cfg.Capabilities = capabilities
			}

			client := apiclient.New(cfg.ServerAddr, cfg.APIKey, 30*time.Second)
			credStore := credentials.New(cfg.StateDir)
			registry := tools.NewRegistry()
			uploader := upload.New(client, logger)
			exec := executor.New(client, credStore, registry, uploader, cfg.AuthorizedRoots, cfg.UploadThreshold, logger)

			diskPath := "/"
			if len(cfg.AuthorizedRoots) > 0 {
				diskPath = cfg.AuthorizedRoots[0]
			}
			loop := pollingloop.New(client, client, exec, cfg.Capabilities, cfg.AuthorizedRoots, cfg.PollInterval, cfg.MaxPollFailures, diskPath, logger)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			go func() {
				<-ctx.Done()
				loop.RequestShutdown()
			}()

			logger.Info("agent starting", zap.String("server_addr", cfg.ServerAddr), zap.String("agent_guid", cfg.AgentGUID))
			code := loop.Run(ctx)
			if code != pollingloop.ExitClean {
				return &ExitError{Code: int(code), Err: fmt.Errorf("polling loop exited with code %d", code)}
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&authorizedRoots, "authorized-root", nil, "Local filesystem root the agent may scan (repeatable)")
	cmd.Flags().StringSliceVar(&capabilities, "capability", nil, "Capability advertised at heartbeat/claim time (repeatable, overrides saved state)")
	return cmd
}

// newSyncCmd sends one heartbeat and reports every stored connector's
// capability, then exits — useful after `connectors configure` to push
// capability changes without waiting for the next scheduled heartbeat.
func newSyncCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push current capabilities and connector status to the server once",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(flags.logLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if err := requireRegistered(cfg); err != nil {
				return err
			}

			client := apiclient.New(cfg.ServerAddr, cfg.APIKey, 15*time.Second)
			credStore := credentials.New(cfg.StateDir)

			guids, err := credStore.List()
			if err != nil {
				return fmt.Errorf("list connectors: %w", err)
			}
			for _, guid := range guids {
				if _, err := client.ReportCapability(cmd.Context(), guid, true); err != nil {
					logger.Warn("report capability failed", zap.String("connector_guid", guid), zap.Error(err))
				}
			}

			_, err = client.Heartbeat(cmd.Context(), apitypes.HeartbeatRequest{
				Capabilities:    cfg.Capabilities,
				AuthorizedRoots: cfg.AuthorizedRoots,
			})
			if err != nil {
				return classifyCLIErr(err)
			}
			fmt.Println("sync complete")
			return nil
		},
	}
	return cmd
}

// newTestCmd verifies server reachability with the persisted API key.
func newTestCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Verify the server is reachable and the API key is valid",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if err := requireRegistered(cfg); err != nil {
				return err
			}
			client := apiclient.New(cfg.ServerAddr, cfg.APIKey, 15*time.Second)
			if _, err := client.Heartbeat(cmd.Context(), apitypes.HeartbeatRequest{}); err != nil {
				return classifyCLIErr(err)
			}
			fmt.Println("server reachable, agent credentials valid")
			return nil
		},
	}
}

// classifyCLIErr maps an apierr sentinel to the CLI exit codes.
func classifyCLIErr(err error) error {
	switch {
	case errors.Is(err, apierr.ErrConnectionFailure), errors.Is(err, apierr.ErrServer):
		return &ExitError{Code: 2, Err: err}
	case errors.Is(err, apierr.ErrAuthenticationRejected), errors.Is(err, apierr.ErrRevoked):
		return &ExitError{Code: 2, Err: err}
	case errors.Is(err, apierr.ErrValidation):
		return &ExitError{Code: 1, Err: err}
	default:
		return &ExitError{Code: 4, Err: err}
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}
	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
