package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"tasknest/internal/app"
	"tasknest/internal/config"
	"tasknest/internal/db"
	"tasknest/internal/domain"
	"tasknest/internal/engine"
	"tasknest/internal/engine/auth"
	"tasknest/internal/logging"
	"tasknest/internal/migrate"
	"tasknest/internal/repo"
	"tasknest/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tasknest",
	Short: "Tasknest task API",
	Long: `Tasknest serves an owner-scoped hierarchical task list over HTTP.
- Tasks: title, status, priority, due date, effort and tags; nested at most three levels deep.
- Ownership: every route acts as the bearer token's subject and never sees anyone else's tasks.
- Enhancement: POST /tasks/{id}/enhance-ai rewrites a task (enhance) or breaks it into subtasks (split)
  with a language model; follow progress on /tasks/{id}/enhance-ai/status (SSE) or /ws.
- Workspace: .tasknest holds the SQLite database; tasknest.yml holds settings (TASKNEST_* env overrides).`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <workspace>/tasknest.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(tokenCmd())
}

func loadConfig() (*config.Config, error) {
	return config.Resolve(viper.GetString("workspace"), viper.GetString("config"))
}

func newLogger(cfg *config.Config) *slog.Logger {
	return logging.NewLogger(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Writer: os.Stderr})
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("base-path") {
				cfg.Server.BasePath = basePath
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
				return fmt.Errorf("auth.jwt_secret (or %s_AUTH_JWT_SECRET) is required for bearer auth", config.EnvPrefix)
			}
			logger := newLogger(cfg)
			slog.SetDefault(logger)

			ctx := cmd.Context()
			ac, err := app.Build(ctx, viper.GetString("workspace"), cfg, logger)
			if err != nil {
				return err
			}
			defer ac.Close()
			handler, err := server.New(server.Config{
				Engine:       ac.Engine,
				Orchestrator: ac.Orchestrator,
				Monitor:      ac.Monitor,
				Identity:     ac.Identity,
				BasePath:     cfg.Server.BasePath,
				CORSOrigins:  cfg.Server.CORSOrigins,
				Auth:         server.AuthConfig{Verifier: ac.Verifier, DevTokens: cfg.Auth.DevTokens},
				Logger:       logger,
			})
			if err != nil {
				return err
			}
			if cfg.Auth.DevTokens {
				logger.Warn("dev token endpoint enabled; do not expose this server publicly")
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			var serveErr error
			var wg conc.WaitGroup
			wg.Go(func() {
				defer cancel()
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr = err
				}
			})
			wg.Go(func() {
				<-ctx.Done()
				shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
				defer stop()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Warn("shutdown", "err", err)
				}
			})
			logger.Info("serving tasknest api",
				"addr", cfg.Server.Addr,
				"base_path", cfg.Server.BasePath,
				"storage", cfg.Storage.Driver,
				"ai_provider", cfg.AI.Provider,
				"identity", cfg.Identity.URL != "",
			)
			wg.Wait()
			return serveErr
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the task schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if cfg.Storage.Driver == config.DriverPostgres {
				pool, err := db.OpenPostgres(ctx, cfg.Storage.PostgresDSN)
				if err != nil {
					return err
				}
				store := repo.NewPostgresStore(pool)
				defer store.Close()
				if err := store.EnsureSchema(ctx); err != nil {
					return err
				}
				fmt.Println("postgres schema up to date")
				return nil
			}
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			applied, err := migrate.Migrate(ctx, conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"applied": applied, "database": db.Path(viper.GetString("workspace"))})
			}
			if len(applied) == 0 {
				fmt.Println("database up to date")
				return nil
			}
			for _, name := range applied {
				fmt.Println("applied", name)
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage tasknest.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default tasknest.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o600); err != nil {
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
			masked.Auth.JWTSecret = mask(cfg.Auth.JWTSecret)
			masked.AI.APIKey = mask(cfg.AI.APIKey)
			masked.Identity.AnonKey = mask(cfg.Identity.AnonKey)
			masked.Storage.PostgresDSN = mask(cfg.Storage.PostgresDSN)
			if viper.GetBool("json") {
				return printJSON(masked)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(masked)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				return printJSON(out)
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "task",
		Short: "Inspect a user's tasks directly in storage",
	}
	t.AddCommand(taskListCmd())
	t.AddCommand(taskTreeCmd())
	return t
}

func taskListCmd() *cobra.Command {
	var owner string
	var opts engine.ListOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				page, err := e.ListTasks(ctx, owner, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page.Tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "AI", "Parent", "Updated"})
				for _, t := range page.Tasks {
					parent := ""
					if t.ParentTaskID != nil {
						parent = *t.ParentTaskID
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority, t.EnhancementStatus, parent, age(t.UpdatedAt)})
				}
				tw.Render()
				if page.NextCursor != "" {
					fmt.Printf("more: --cursor %q\n", page.NextCursor)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner user id")
	cmd.Flags().StringVar(&opts.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&opts.Parent, "parent", "", "parent task id")
	cmd.Flags().BoolVar(&opts.RootOnly, "root-only", false, "only tasks without a parent")
	cmd.Flags().StringVar(&opts.Tag, "tag", "", "tag filter")
	cmd.Flags().StringVar(&opts.Search, "q", "", "search title and description")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "page size")
	cmd.Flags().StringVar(&opts.Cursor, "cursor", "", "cursor from a previous page")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func taskTreeCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Show task tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				nodes, err := e.Tree(ctx, owner)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(treeJSON(nodes))
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Status", "AI", "ID"})
				for i, n := range nodes {
					appendTreeRows(tw, n, "", i == len(nodes)-1, true)
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner user id")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func tokenCmd() *cobra.Command {
	t := &cobra.Command{Use: "token", Short: "Development access tokens"}
	var sub, email string
	var ttl time.Duration
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Mint an access token signed with auth.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			v := auth.Verifier{Secret: cfg.Auth.JWTSecret, Issuer: cfg.Auth.Issuer, Audience: cfg.Auth.Audience}
			token, exp, err := auth.MintDevToken(v, sub, email, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"access_token": token, "expires_at": domain.FormatTime(exp)})
			}
			fmt.Println(token)
			return nil
		},
	}
	mint.Flags().StringVar(&sub, "sub", "", "subject (user id)")
	mint.Flags().StringVar(&email, "email", "", "email claim")
	mint.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = mint.MarkFlagRequired("sub")
	t.AddCommand(mint)
	return t
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := app.OpenStore(ctx, viper.GetString("workspace"), cfg, logging.Discard())
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, engine.New(store, cfg.Storage.MaxDepth))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

func age(ts string) string {
	t, err := time.Parse(domain.TimeLayout, ts)
	if err != nil {
		return ts
	}
	return humanize.Time(t)
}

type treeNode struct {
	Task     domain.Task `json:"task"`
	Children []treeNode  `json:"children,omitempty"`
}

func treeJSON(nodes []engine.TaskNode) []treeNode {
	out := make([]treeNode, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, treeNode{Task: n.Task, Children: treeJSON(n.Children)})
	}
	return out
}

func appendTreeRows(tw table.Writer, n engine.TaskNode, prefix string, last, root bool) {
	connector := "├── "
	childPrefix := prefix + "│   "
	if last {
		connector = "└── "
		childPrefix = prefix + "    "
	}
	if root {
		connector, childPrefix = "", ""
	}
	tw.AppendRow(table.Row{prefix + connector + n.Task.Title, n.Task.Status, n.Task.EnhancementStatus, n.Task.ID})
	for i, c := range n.Children {
		appendTreeRows(tw, c, childPrefix, i == len(n.Children)-1, false)
	}
}
