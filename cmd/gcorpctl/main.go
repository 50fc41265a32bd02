package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

var serverURL string

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gcorpctl",
		Short: "Operate a gcorp orchestrator",
		Long: `gcorpctl creates tasks, triggers recovery sweeps and inspects tenant
queues through the gcorp HTTP API. Output is JSON.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", getDefaultServer(), "gcorp server URL")

	rootCmd.AddCommand(newTaskCommand())
	rootCmd.AddCommand(newSweepCommand())
	rootCmd.AddCommand(newQueueCommand())
	rootCmd.AddCommand(newLogCommand())
	rootCmd.AddCommand(newHealthCommand())
	return rootCmd
}

func getDefaultServer() string {
	if server := os.Getenv("GC_SERVER"); server != "" {
		return server
	}
	return "http://localhost:8080"
}

// --- Task commands ---

func newTaskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
	}
	cmd.AddCommand(newTaskCreateCommand())
	return cmd
}

func newTaskCreateCommand() *cobra.Command {
	var (
		tenant   string
		assignee string
		prompt   string
		context  string
		priority int
	)
	cmd := &cobra.Command{
		Use:     "create",
		Short:   "Create a task and enqueue it for its assignee",
		Example: `  gcorpctl task create --tenant=acme --assignee=sable --prompt="Draft the Q3 plan"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{
				"assignee": assignee,
				"prompt":   prompt,
				"priority": priority,
			}
			if context != "" {
				body["context"] = context
			}
			data, err := newClient().post("/api/v1/tenants/"+url.PathEscape(tenant)+"/tasks", body)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
	cmd.Flags().StringVarP(&tenant, "tenant", "t", "", "Tenant ID (required)")
	cmd.Flags().StringVarP(&assignee, "assignee", "a", "", "Agent name (required)")
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "Task prompt (required)")
	cmd.Flags().StringVar(&context, "context", "", "Extra context for the agent")
	cmd.Flags().IntVar(&priority, "priority", 0, "Priority (lower runs first)")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("assignee")
	cmd.MarkFlagRequired("prompt")
	return cmd
}

// --- Sweep commands ---

func newSweepCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run a recovery sweep now",
	}
	cmd.AddCommand(newSweepRunCommand("stuck", "Reset agents stuck on one task past the timeout"))
	cmd.AddCommand(newSweepRunCommand("nudge", "Nudge idle agents that have pending work"))
	return cmd
}

func newSweepRunCommand(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().post("/api/v1/sweeps/"+name, nil)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
}

// --- Queue commands ---

func newQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect tenant queues",
	}
	cmd.AddCommand(newQueueCountsCommand())
	cmd.AddCommand(newQueueFailedCommand())
	return cmd
}

func newQueueCountsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "counts <tenant>",
		Short: "Show waiting, delayed, active and failed job counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().get("/api/v1/tenants/"+url.PathEscape(args[0])+"/queue", url.Values{"failed": {"0"}})
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
}

func newQueueFailedCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:     "failed <tenant>",
		Short:   "List jobs that exhausted their attempts",
		Example: `  gcorpctl queue failed acme --limit=50`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			data, err := newClient().get("/api/v1/tenants/"+url.PathEscape(args[0])+"/queue",
				url.Values{"failed": {strconv.Itoa(limit)}})
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of jobs to list")
	return cmd
}

// --- Log and health commands ---

func newLogCommand() *cobra.Command {
	var (
		limit  int
		level  string
		source string
	)
	cmd := &cobra.Command{
		Use:     "logs",
		Short:   "Show recent log entries",
		Example: `  gcorpctl logs --source=watchdog --limit=50`,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			if limit > 0 {
				params.Set("limit", strconv.Itoa(limit))
			}
			if level != "" {
				params.Set("level", level)
			}
			if source != "" {
				params.Set("source", source)
			}
			data, err := newClient().get("/api/v1/logs", params)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "Number of entries")
	cmd.Flags().StringVar(&level, "level", "", "Filter by level")
	cmd.Flags().StringVar(&source, "source", "", "Filter by component")
	return cmd
}

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server and dependency health",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().get("/healthz", nil)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
}
