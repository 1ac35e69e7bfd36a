package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"signoff/internal/cache"
	"signoff/internal/config"
	"signoff/internal/db"
	"signoff/internal/domain"
	"signoff/internal/engine"
	"signoff/internal/migrate"
	"signoff/internal/registry"
	"signoff/internal/repo"
	"signoff/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sf",
	Short: "Signoff CLI",
	Long: `Signoff runs sequential multi-step approval workflows that gate external
business actions (publishing a governed document, applying a change request,
approving an engagement letter) behind ordered human sign-offs.

Core concepts:
- Approval: one governed decision, created with an ordered chain of steps.
- Step: one position in the chain, bound to a single assignee; the engine
  waits on exactly one current step at a time.
- Workflow kind: tag that maps the approval to external hook endpoints
  (details/approved/rejected) declared in signoff.yml.
- Policy: requires-all (every required step must approve in order) or any-of
  (the first decision is final). Optional steps are skipped on rejection
  under requires-all.
- Event log: append-only audit trail, view with 'sf log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
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
	viper.SetEnvPrefix("SIGNOFF")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(stepCmd())
	rootCmd.AddCommand(kindCmd())
	rootCmd.AddCommand(actorCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default signoff.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	return cfg
}

func approvalCmd() *cobra.Command {
	ap := &cobra.Command{Use: "approval", Short: "Manage approvals"}
	ap.AddCommand(approvalCreateCmd())
	ap.AddCommand(approvalShowCmd())
	ap.AddCommand(approvalListCmd())
	ap.AddCommand(approvalPayloadCmd())
	return ap
}

func approvalCreateCmd() *cobra.Command {
	var kind, refID string
	var stepSpecs []string
	var anyOf bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an approval with an ordered step chain",
		Long: `Steps are given in order with repeated --step flags. A step is an assignee
id, optionally suffixed with :optional to mark it non-required:

  sf approval create --kind VAULT_DOCUMENT --ref doc-42 \
    --step alice --step bob:optional --step carol`,
		RunE: func(cmd *cobra.Command, args []string) error {
			steps := make([]engine.StepSpec, 0, len(stepSpecs))
			for i, spec := range stepSpecs {
				assignee := spec
				required := true
				if idx := strings.IndexByte(spec, ':'); idx >= 0 {
					assignee = spec[:idx]
					switch spec[idx+1:] {
					case "optional":
						required = false
					case "required", "":
					default:
						return fmt.Errorf("step %q: unknown modifier %q", spec, spec[idx+1:])
					}
				}
				steps = append(steps, engine.StepSpec{Order: i + 1, AssignedToID: assignee, Required: required})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Create(ctx, engine.CreateOptions{
					WorkflowKind:     kind,
					WorkflowRefID:    refID,
					RequestedByID:    viper.GetString("actor-id"),
					RequiresAllSteps: !anyOf,
					Steps:            steps,
				})
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "workflow kind (must be configured)")
	cmd.Flags().StringVar(&refID, "ref", "", "workflow ref id of the gated entity")
	cmd.Flags().StringArrayVar(&stepSpecs, "step", nil, "assignee[:optional], in chain order")
	cmd.Flags().BoolVar(&anyOf, "any-of", false, "first decision is final instead of all steps required")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("ref")
	return cmd
}

func approvalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show approval with steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid approval id %q", args[0])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GetApproval(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
}

func approvalListCmd() *cobra.Command {
	var kind, refID, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListApprovals(ctx, repo.ApprovalFilter{
					WorkflowKind:  kind,
					WorkflowRefID: refID,
					Status:        status,
					Limit:         limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Ref", "Status", "Policy", "Requested By", "Updated"})
				for _, a := range items {
					policy := "all"
					if !a.RequiresAllSteps {
						policy = "any-of"
					}
					tw.AppendRow(table.Row{a.ID, a.WorkflowKind, a.WorkflowRefID, a.Status, policy, a.RequestedByID, a.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "workflow kind filter")
	cmd.Flags().StringVar(&refID, "ref", "", "workflow ref id filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter (PENDING/APPROVED/REJECTED)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func approvalPayloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "payload <id>",
		Short: "Resolve the business payload behind an approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid approval id %q", args[0])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.GetWorkflowPayload(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Println(string(res.Payload))
				return nil
			})
		},
	}
}

func stepCmd() *cobra.Command {
	st := &cobra.Command{Use: "step", Short: "Decide approval steps"}
	st.AddCommand(stepDecideCmd("approve", domain.DecisionApprove))
	st.AddCommand(stepDecideCmd("reject", domain.DecisionReject))
	return st
}

func stepDecideCmd(use string, decision domain.Decision) *cobra.Command {
	var comment, reason string
	short := "Approve the current step"
	if decision == domain.DecisionReject {
		short = "Reject the current step"
	}
	cmd := &cobra.Command{
		Use:   use + " <step-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid step id %q", args[0])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Transition(ctx, engine.TransitionOptions{
					StepID:   id,
					ActorID:  viper.GetString("actor-id"),
					Decision: decision,
					Comment:  comment,
					Reason:   reason,
				})
				if err != nil {
					return err
				}
				if res.HookErr != nil {
					fmt.Fprintf(os.Stderr, "warning: decision committed but workflow hook failed: %v\n", res.HookErr)
				}
				return printJSON(res.Approval)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "free-text comment")
	if decision == domain.DecisionReject {
		cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	}
	return cmd
}

func kindCmd() *cobra.Command {
	k := &cobra.Command{Use: "kind", Short: "Inspect workflow kinds"}
	k.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured workflow kinds",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(c.Workflows.Kinds)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Kind", "Details URL", "Approved URL", "Rejected URL"})
			for _, k := range c.Workflows.Kinds {
				tw.AppendRow(table.Row{k.Kind, k.DetailsURL, k.ApprovedURL, k.RejectedURL})
			}
			tw.Render()
			return nil
		},
	})
	return k
}

func actorCmd() *cobra.Command {
	ac := &cobra.Command{Use: "actor", Short: "Manage the actor directory"}
	var name string
	set := &cobra.Command{
		Use:   "set <id>",
		Short: "Upsert actor display info",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.UpsertActor(ctx, args[0], name)
			})
		},
	}
	set.Flags().StringVar(&name, "name", "", "display name")
	ac.AddCommand(set)
	return ac
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var actorID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.New().String()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				fmt.Println(secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "key label")
	ak.AddCommand(create)
	return ak
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSON(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			reg, err := registry.FromConfig(cfg.Workflows.Kinds)
			if err != nil {
				return err
			}
			e := engine.New(conn, reg)
			authCfg := server.AuthConfig{
				JWTSecret:        cfg.Auth.JWTSecret,
				DevLogin:         cfg.Auth.DevLogin,
				AllowActorHeader: cfg.Auth.AllowActorHeader,
			}
			if secret := os.Getenv("SIGNOFF_JWT_SECRET"); secret != "" {
				authCfg.JWTSecret = secret
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("jwt secret required: set auth.jwt_secret in signoff.yml or SIGNOFF_JWT_SECRET")
			}
			var approvalCache *cache.Cache
			if cfg.Cache.RedisAddr != "" {
				approvalCache, err = cache.New(cfg.Cache.RedisAddr, time.Duration(cfg.Cache.TTLSeconds)*time.Second)
				if err != nil {
					return err
				}
				defer approvalCache.Close()
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Cache: approvalCache})
			if err != nil {
				return err
			}
			server.StartNotifier(cmd.Context(), e, cfg.Notifications.Webhooks)
			if addr == "" {
				addr = cfg.Server.Listen
			}
			if addr == "" {
				addr = "127.0.0.1:8080"
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Signoff API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.listen)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	reg, err := registry.FromConfig(cfg.Workflows.Kinds)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, reg))
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

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
