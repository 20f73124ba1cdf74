package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"featurepilot/internal/agentclient"
	"featurepilot/internal/app"
	"featurepilot/internal/config"
	"featurepilot/internal/domain"
	"featurepilot/internal/engine"
	"featurepilot/internal/migrate"
	"featurepilot/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "fp",
	Short: "featurepilot CLI",
	Long: `featurepilot turns feature requests into work for remote coding agents.
- Orchestration: one feature request. An orchestrator agent asks questions, then proposes a plan.
- Plan: steps plus sub-agents. Accepting it launches one coding agent per sub-agent.
- Runs: the agents behind an orchestration, tracked by webhook or polling.
- Workspace: the .featurepilot directory holding the SQLite database, next to featurepilot.yml.`,
	SilenceUsage: true,
}

func main() {
	_ = godotenv.Load()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FEATUREPILOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user", "", "owner user id filter (empty lists every user)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(orchestrationCmd())
	rootCmd.AddCommand(configCmd())
}

func loadConfig() (*config.Config, error) {
	return config.LoadWith(viper.GetString("workspace"), viper.GetString)
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API, webhook receiver and real-time hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, app.Options{Workspace: viper.GetString("workspace"), Config: cfg})
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" && !cfg.Auth.AllowDevUserHeader {
				a.Log.Warn("no auth.jwt_secret and dev header disabled; every API call will be rejected")
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: a.Handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			a.Log.Info("serving featurepilot API",
				"addr", cfg.Server.Addr,
				"base_path", cfg.Server.BasePath,
				"webhooks", cfg.WebhooksEnabled(),
				"notify_hooks", len(cfg.Notify.Hooks))
			serveErr := srv.ListenAndServe()
			if errors.Is(serveErr, http.ErrServerClosed) {
				serveErr = nil
			}
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return errors.Join(serveErr, a.Close(closeCtx))
		},
	}
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := app.OpenDB(cmd.Context(), viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer conn.Close()
			version, err := migrate.Version(cmd.Context(), conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"version": version})
			}
			fmt.Printf("database at schema version %d\n", version)
			return nil
		},
	}
}

func orchestrationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "orchestration",
		Aliases: []string{"orch"},
		Short:   "Inspect and cancel orchestrations",
	}
	cmd.AddCommand(orchestrationListCmd())
	cmd.AddCommand(orchestrationShowCmd())
	cmd.AddCommand(orchestrationMessagesCmd())
	cmd.AddCommand(orchestrationCancelCmd())
	return cmd
}

func orchestrationListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orchestrations, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListOrchestrations(ctx, viper.GetString("user"), strings.ToUpper(status), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Owner", "Created"})
				for _, o := range items {
					tw.AppendRow(table.Row{o.ID, o.Title, o.Status, o.OwnerID, o.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func orchestrationShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an orchestration and its runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				o, err := r.GetOrchestration(ctx, args[0])
				if err != nil {
					return err
				}
				runs, err := r.ListRuns(ctx, o.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"orchestration": o, "runs": runs})
				}
				printOrchestration(o)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Run", "Type", "Key", "Status", "Agent"})
				for _, run := range runs {
					tw.AppendRow(table.Row{run.ID, run.AgentType, run.SubAgentKey, run.Status, run.ExternalID()})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func printOrchestration(o domain.Orchestration) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"ID", o.ID},
		{"Title", o.Title},
		{"Owner", o.OwnerID},
		{"Repository", strings.TrimSpace(o.RepositoryURL + " " + o.RepositoryRef)},
		{"Status", o.Status},
		{"Plan accepted", o.PlanAccepted},
		{"Created", o.CreatedAt},
	})
	if o.FailureReason != "" {
		tw.AppendRow(table.Row{"Failure", o.FailureReason})
	}
	tw.Render()
}

func orchestrationMessagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "messages <id>",
		Short: "Print the conversation history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetOrchestration(ctx, args[0]); err != nil {
					return err
				}
				msgs, err := r.ListMessages(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(msgs)
				}
				for _, m := range msgs {
					fmt.Printf("[%s] %s\n%s\n\n", m.CreatedAt, m.Role, m.Content)
				}
				return nil
			})
		},
	}
}

func orchestrationCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an orchestration and stop its agents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, err := app.OpenDB(cmd.Context(), viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer conn.Close()
			client := agentclient.New(cfg.Agent.BaseURL, cfg.Agent.APIKey)
			client.Timeout = cfg.AgentTimeout()
			e := engine.New(conn, cfg, client, nil)
			e.Log = app.NewLogger(cfg, nil)
			o, err := e.Repo.GetOrchestration(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			o, err = e.Cancel(cmd.Context(), o.ID, o.OwnerID)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(o)
			}
			fmt.Printf("orchestration %s is %s\n", o.ID, o.Status)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or inspect featurepilot.yml",
		Long:  "featurepilot.yml lives in the workspace. Secrets may instead come from FEATUREPILOT_AGENT_API_KEY, FEATUREPILOT_WEBHOOK_SECRET and FEATUREPILOT_AUTH_JWT_SECRET, or a .env file.",
	}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configShowCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default featurepilot.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			masked := *cfg
			masked.Agent.APIKey = mask(cfg.Agent.APIKey)
			masked.Webhook.Secret = mask(cfg.Webhook.Secret)
			masked.Auth.JWTSecret = mask(cfg.Auth.JWTSecret)
			if viper.GetBool("json") {
				return printJSON(masked)
			}
			out, err := yaml.Marshal(&masked)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

// --- helpers ---

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := app.OpenDB(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}
