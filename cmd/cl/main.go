package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"clipline/internal/app"
	"clipline/internal/config"
	"clipline/internal/db"
	"clipline/internal/domain"
	"clipline/internal/engine"
	"clipline/internal/migrate"
	"clipline/internal/repo"
	"clipline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Clipline CLI",
	Long: `Clipline orchestrates multi-stage content production pipelines.
Runs execute stage by stage with a checkpoint after every step, suspend at
human approval gates and at external provider callbacks, and resume exactly
where they left off. Webhook deliveries are deduplicated on an idempotency
key; failed effects park in a dead-letter queue and retry with backoff.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		_ = godotenv.Load(filepath.Join(workspace, ".env"))
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CLIPLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id")
	rootCmd.PersistentFlags().String("hitl-secret", "", "approval token signing secret")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
	_ = viper.BindPFlag("hitl-secret", rootCmd.PersistentFlags().Lookup("hitl-secret"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(webhookCmd())
	rootCmd.AddCommand(dlqCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectConfigCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func projectCreateCmd() *cobra.Command {
	var id, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project with the default pipeline spec",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app.App) error {
				p, err := a.Engine.InitProject(ctx, id, desc, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProject(ctx, requiredProject())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage project pipeline config"}
	cfg.AddCommand(projectConfigShowCmd())
	cfg.AddCommand(projectConfigImportCmd())
	cfg.AddCommand(projectConfigExportCmd())
	cfg.AddCommand(projectConfigInitCmd())
	return cfg
}

func projectConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show project config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cfg, err := r.GetProjectConfig(ctx, requiredProject())
				if err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
}

func projectConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import pipeline config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertProjectConfig(ctx, cfg.Project.ID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func projectConfigExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Export stored config as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cfg, err := r.GetProjectConfig(ctx, requiredProject())
				if err != nil {
					return err
				}
				data, err := yaml.Marshal(cfg)
				if err != nil {
					return err
				}
				fmt.Print(string(data))
				return nil
			})
		},
	}
}

func projectConfigInitCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Print a default clipline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.GenerateDefault(id))
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "my-channel", "project id")
	return cmd
}

func runCmd() *cobra.Command {
	run := &cobra.Command{
		Use:   "run",
		Short: "Manage pipeline runs",
		Long:  "Runs flow running -> awaiting_gate / awaiting_callback -> published. Re-invoking a suspended run is safe: it re-suspends at the same point without duplicate approval requests.",
	}
	run.AddCommand(runInvokeCmd())
	run.AddCommand(runShowCmd())
	run.AddCommand(runListCmd())
	run.AddCommand(runCancelCmd())
	run.AddCommand(runArtifactsCmd())
	return run
}

func runInvokeCmd() *cobra.Command {
	var runID, inputJSON, resumeJSON string
	cmd := &cobra.Command{
		Use:   "invoke",
		Short: "Start or re-enter a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.InvokeOptions{
				RunID:   runID,
				Project: viper.GetString("project"),
				ActorID: viper.GetString("actor-id"),
			}
			if inputJSON != "" {
				if err := json.Unmarshal([]byte(inputJSON), &opts.Input); err != nil {
					return fmt.Errorf("invalid --input: %w", err)
				}
			}
			if resumeJSON != "" {
				if err := json.Unmarshal([]byte(resumeJSON), &opts.Resume); err != nil {
					return fmt.Errorf("invalid --resume: %w", err)
				}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a app.App) error {
				run, err := a.Engine.Invoke(ctx, opts)
				if err != nil && run.ID == "" {
					return err
				}
				if err != nil {
					fmt.Printf("run failed: %v\n", err)
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&runID, "id", "", "run id (new uuid when empty)")
	cmd.Flags().StringVar(&inputJSON, "input", "", "input JSON object")
	cmd.Flags().StringVar(&resumeJSON, "resume", "", "resume payload JSON object")
	return cmd
}

func runShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run_id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				run, err := r.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
}

func runListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				runs, err := r.ListRuns(ctx, viper.GetString("project"), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"RUN", "PROJECT", "STATUS", "STAGE", "GATE", "UPDATED"})
				for _, run := range runs {
					gate := ""
					if run.PendingGate != nil {
						gate = *run.PendingGate
					}
					t.AppendRow(table.Row{run.ID, run.ProjectID, run.Status, run.StageIndex, gate, run.UpdatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func runCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run_id>",
		Short: "Cancel a pending or running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app.App) error {
				run, err := a.Engine.Cancel(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
}

func runArtifactsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "artifacts <run_id>",
		Short: "List a run's audit artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListArtifacts(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "TYPE", "PROVIDER", "STAGE", "CREATED"})
				for _, a := range items {
					t.AppendRow(table.Row{a.ID, a.Type, a.Provider, a.Stage, a.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
}

func approveCmd() *cobra.Command {
	approve := &cobra.Command{Use: "approve", Short: "Manage gate approvals"}
	approve.AddCommand(approveLinkCmd())
	approve.AddCommand(approveApplyCmd())
	return approve
}

func approveLinkCmd() *cobra.Command {
	var baseURL string
	cmd := &cobra.Command{
		Use:   "link <run_id> <gate>",
		Short: "Issue a signed approval link for a suspended gate",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app.App) error {
				link, err := a.HITL.ApprovalLink(ctx, args[0], args[1], baseURL)
				if err != nil {
					return err
				}
				return printJSONOrTable(link)
			})
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "http://127.0.0.1:8080/v0", "public API base URL")
	return cmd
}

func approveApplyCmd() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "apply <run_id> <gate>",
		Short: "Apply an approval token to a suspended gate",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app.App) error {
				run, err := a.HITL.Approve(ctx, args[0], args[1], token, viper.GetString("actor-id"), "cli")
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "approval token")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func webhookCmd() *cobra.Command {
	wh := &cobra.Command{Use: "webhook", Short: "Inspect retained webhook events"}
	var provider string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List retained webhook events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListWebhookEvents(ctx, provider, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"KEY", "PROVIDER", "SIGNATURE", "RECEIVED"})
				for _, e := range items {
					t.AppendRow(table.Row{e.IdempotencyKey, e.Provider, e.SignatureState, e.ReceivedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&provider, "provider", "", "provider filter")
	list.Flags().IntVar(&limit, "limit", 50, "max rows")
	wh.AddCommand(list)
	return wh
}

func dlqCmd() *cobra.Command {
	d := &cobra.Command{Use: "dlq", Short: "Manage the dead-letter queue"}
	d.AddCommand(dlqListCmd())
	d.AddCommand(dlqReplayCmd())
	d.AddCommand(dlqPurgeCmd())
	return d
}

func dlqListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-letter entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListDLQEntries(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"KEY", "PROVIDER", "RETRIES", "NEXT RETRY", "LAST ERROR"})
				for _, e := range items {
					next := ""
					if e.NextRetryAt != nil {
						next = *e.NextRetryAt
					}
					t.AppendRow(table.Row{e.IdempotencyKey, e.Provider, e.RetryCount, next, e.LastError})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func dlqReplayCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay due dead-letter entries through the ingest path",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app.App) error {
				res, err := a.DLQ.Replay(ctx, a.Guard.ReplayEntry, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries per pass")
	return cmd
}

func dlqPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <provider> <idempotency_key>",
		Short: "Purge a dead-letter entry without replaying it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteDLQEntry(ctx, args[1], args[0])
			})
		},
	}
}

func apikeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var actor, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (value is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			key := uuid.New().String()
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				err := r.InsertAPIKey(ctx, nil, domain.APIKey{
					ID:      ulid.Make().String(),
					ActorID: actor,
					Name:    name,
					KeyHash: repo.HashAPIKey(key),
				})
				if err != nil {
					return err
				}
				fmt.Println(key)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor id (defaults to --actor-id)")
	create.Flags().StringVar(&name, "name", "", "key label")
	keys.AddCommand(create)
	return keys
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	var n int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.ListEvents(ctx, viper.GetString("project"), n)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	lg.AddCommand(tail)
	return lg
}

func migrateCmd() *cobra.Command {
	m := &cobra.Command{Use: "migrate", Short: "Database migrations"}
	status := &cobra.Command{
		Use:   "status",
		Short: "Show applied schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			v, err := migrate.Version(conn)
			if err != nil {
				return err
			}
			fmt.Printf("schema version: %d\n", v)
			return nil
		},
	}
	m.AddCommand(status)
	return m
}

func serveCmd() *cobra.Command {
	var addr, basePath, baseURL string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			secret := viper.GetString("hitl-secret")
			if secret == "" {
				return fmt.Errorf("CLIPLINE_HITL_SECRET is required to sign approval tokens")
			}
			jwtSecret := os.Getenv("CLIPLINE_JWT_SECRET")
			if jwtSecret == "" {
				return fmt.Errorf("CLIPLINE_JWT_SECRET is required for bearer auth")
			}
			r := repo.Repo{DB: conn}
			cfg, err := app.ResolveConfig(cmd.Context(), r, viper.GetString("project"))
			if err != nil {
				return err
			}
			a := app.New(conn, app.Options{Secret: secret, Config: cfg})
			if baseURL == "" {
				baseURL = "http://" + addr
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				HITL:     a.HITL,
				Guard:    a.Guard,
				DLQ:      a.DLQ,
				BasePath: basePath,
				BaseURL:  baseURL,
				Auth:     server.AuthConfig{JWTSecret: jwtSecret},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Clipline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "public base URL for approval links")
	return cmd
}

// --- helpers ---

func requiredProject() string {
	return viper.GetString("project")
}

func withApp(ctx context.Context, fn func(context.Context, app.App) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	cfg, err := app.ResolveConfig(ctx, r, viper.GetString("project"))
	if err != nil {
		return err
	}
	a := app.New(conn, app.Options{Secret: viper.GetString("hitl-secret"), Config: cfg})
	return fn(ctx, a)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
