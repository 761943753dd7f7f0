package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"intakeline/internal/app"
	"intakeline/internal/config"
	"intakeline/internal/db"
	"intakeline/internal/domain"
	"intakeline/internal/engine"
	"intakeline/internal/events"
	"intakeline/internal/migrate"
	"intakeline/internal/remote"
	"intakeline/internal/repo"
	"intakeline/internal/resolve"
	"intakeline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "il",
	Short: "Intakeline CLI",
	Long: `Intakeline keeps client intake drafts safe between the keyboard and the backend.
- Session: your .intakeline directory with the durable session store; one session, one client context.
- Entity: the client record being worked on; resolved from an explicit id or the ambient session entity.
- Draft: the working copy of a form; edits land here first and are never clobbered by a slow fetch.
- Readiness: weighted completion rules that gate submission; 'il readiness' explains what is missing.
- Modes: mock serves canned data offline, live talks to the backend and can fall back to mock.`,
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
	viper.SetEnvPrefix("INTAKELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "session directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().StringP("form", "f", "consent", "form kind")
	rootCmd.PersistentFlags().StringP("entity", "e", "", "explicit entity id (overrides the session entity)")
	rootCmd.PersistentFlags().Bool("verbose", false, "verbose logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("form", rootCmd.PersistentFlags().Lookup("form"))
	_ = viper.BindPFlag("entity", rootCmd.PersistentFlags().Lookup("entity"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(resolveCmd())
	rootCmd.AddCommand(useCmd())
	rootCmd.AddCommand(loadCmd())
	rootCmd.AddCommand(editCmd())
	rootCmd.AddCommand(visitCmd())
	rootCmd.AddCommand(saveCmd())
	rootCmd.AddCommand(autosaveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(readinessCmd())
	rootCmd.AddCommand(discardCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(seedCmd())
}

func resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve [entity-id]",
		Short: "Resolve the active entity",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				explicit := viper.GetString("entity")
				if len(args) == 1 {
					explicit = args[0]
				}
				ref, err := resolveRef(ctx, env, explicit)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"entity_id":    ref.ID,
					"record_known": ref.RecordKnown,
				})
			})
		},
	}
}

func useCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <entity-id>",
		Short: "Switch the session to another entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				prev, err := env.Session.CurrentEntity()
				if err != nil {
					return err
				}
				if prev != "" {
					env.Engine.AdoptEntity(prev)
				}
				env.Engine.SwitchEntity(args[0])
				return printJSONOrTable(map[string]string{"entity_id": args[0]})
			})
		},
	}
}

func loadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load [entity-id]",
		Short: "Load the form draft for the active entity",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				explicit := viper.GetString("entity")
				if len(args) == 1 {
					explicit = args[0]
				}
				ref, err := resolveRef(ctx, env, explicit)
				if err != nil {
					return err
				}
				form := viper.GetString("form")
				if err := env.Rehydrate(ref.ID, form); err != nil {
					return err
				}
				d, err := env.Engine.Load(ctx, ref, form)
				if err != nil {
					return err
				}
				return printDraft(d, env.Engine.State(ref.ID, form))
			})
		},
	}
}

func editCmd() *cobra.Command {
	var sets []string
	cmd := &cobra.Command{
		Use:   "edit --set key=value [--set key=value ...]",
		Short: "Edit fields of the active draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(sets) == 0 {
				return fmt.Errorf("--set is required")
			}
			patch := map[string]string{}
			for _, kv := range sets {
				parts := strings.SplitN(kv, "=", 2)
				if len(parts) != 2 || parts[0] == "" {
					return fmt.Errorf("invalid --set %q; expected key=value", kv)
				}
				patch[parts[0]] = parts[1]
			}
			return withActiveDraft(cmd.Context(), func(ctx context.Context, env *app.Env, ref domain.EntityRef, form string) error {
				d := env.Engine.Update(ref.ID, form, patch)
				return printDraft(d, env.Engine.State(ref.ID, form))
			})
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "field assignment key=value (repeatable)")
	return cmd
}

func visitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "visit <section> [section ...]",
		Short: "Mark form sections as reviewed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActiveDraft(cmd.Context(), func(ctx context.Context, env *app.Env, ref domain.EntityRef, form string) error {
				var d domain.Draft
				for _, section := range args {
					d = env.Engine.Visit(ref.ID, form, section)
				}
				return printDraft(d, env.Engine.State(ref.ID, form))
			})
		},
	}
}

func saveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "save",
		Short: "Submit the active draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActiveDraft(cmd.Context(), func(ctx context.Context, env *app.Env, ref domain.EntityRef, form string) error {
				d, err := env.Engine.Save(ctx, ref.ID, form)
				var blocked *engine.ValidationBlockedError
				if errors.As(err, &blocked) {
					printMissing(blocked.Missing)
					return fmt.Errorf("draft is not submittable")
				}
				if err != nil {
					return err
				}
				return printDraft(d, env.Engine.State(ref.ID, form))
			})
		},
	}
}

func autosaveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "autosave",
		Short: "Run one partial autosave cycle now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActiveDraft(cmd.Context(), func(ctx context.Context, env *app.Env, ref domain.EntityRef, form string) error {
				env.Engine.Autosave(ctx, ref.ID, form)
				return printState(env.Engine.State(ref.ID, form))
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync state and draft summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActiveDraft(cmd.Context(), func(ctx context.Context, env *app.Env, ref domain.EntityRef, form string) error {
				d := env.Drafts.Read(ref.ID, form)
				st := env.Engine.State(ref.ID, form)
				lastSynced := ""
				if d.LastSyncedAt != nil {
					lastSynced = d.LastSyncedAt.UTC().Format(time.RFC3339)
				}
				return printJSONOrTable(map[string]any{
					"entity_id":      ref.ID,
					"form_kind":      form,
					"status":         st.Status,
					"reason":         st.Reason,
					"dirty":          d.Dirty,
					"mutations":      d.Mutations,
					"last_synced_at": lastSynced,
					"using_fallback": st.UsingFallback,
				})
			})
		},
	}
}

func readinessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "readiness",
		Short: "Evaluate completion and the submit gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActiveDraft(cmd.Context(), func(ctx context.Context, env *app.Env, ref domain.EntityRef, form string) error {
				rep := env.Engine.Readiness(ref.ID, form)
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				fmt.Printf("completion: %.2f%%  submittable: %v\n", rep.Percentage, rep.Submittable)
				printMissing(rep.Missing)
				return nil
			})
		},
	}
}

func discardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discard",
		Short: "Throw away the active draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActiveDraft(cmd.Context(), func(ctx context.Context, env *app.Env, ref domain.EntityRef, form string) error {
				env.Engine.Discard(ref.ID, form)
				return printJSONOrTable(map[string]string{"entity_id": ref.ID, "form_kind": form, "draft": "discarded"})
			})
		},
	}
}

func sessionCmd() *cobra.Command {
	ses := &cobra.Command{Use: "session", Short: "Inspect or reset session state"}
	ses.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show session state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				current, err := env.Session.CurrentEntity()
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"current_entity": current,
					"mode":           env.Config.Mode,
					"cache_ttl":      env.Config.CacheTTL.String(),
					"cache_valid":    current != "" && env.Cache.IsValid(current),
				})
			})
		},
	})
	ses.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Wipe all session state including drafts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				if err := env.Session.Clear(); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"session": "cleared"})
			})
		},
	})
	return ses
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, config.DefaultYAML(), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(config.Path(viper.GetString("workspace")))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	return cfg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the reference backend API",
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
			handler, err := server.New(server.Config{
				DB:       conn,
				Repo:     repo.Repo{DB: conn},
				Events:   events.Writer{DB: conn},
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: os.Getenv("INTAKELINE_JWT_SECRET")},
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
			fmt.Printf("Serving Intakeline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Seed the backend database with demo entities",
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
			r := repo.Repo{DB: conn}
			now := repo.Timestamp(time.Now())
			var ids []string
			for id, rec := range remote.CannedEntities() {
				if _, err := r.GetEntity(cmd.Context(), id); err == nil {
					continue
				}
				if err := r.InsertEntity(cmd.Context(), repo.Entity{
					ID:        id,
					Fields:    rec,
					CreatedAt: now,
					UpdatedAt: now,
				}); err != nil {
					return err
				}
				ids = append(ids, id)
			}
			sort.Strings(ids)
			return printJSONOrTable(map[string]any{"seeded": ids})
		},
	}
}

// --- helpers ---

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func withEnv(ctx context.Context, fn func(context.Context, *app.Env) error) error {
	env, err := app.Open(viper.GetString("workspace"), newLogger())
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env)
}

// withActiveDraft resolves the entity, rehydrates its persisted draft and
// hands both to fn.
func withActiveDraft(ctx context.Context, fn func(context.Context, *app.Env, domain.EntityRef, string) error) error {
	return withEnv(ctx, func(ctx context.Context, env *app.Env) error {
		ref, err := resolveRef(ctx, env, viper.GetString("entity"))
		if err != nil {
			return err
		}
		form := viper.GetString("form")
		if err := env.Rehydrate(ref.ID, form); err != nil {
			return err
		}
		return fn(ctx, env, ref, form)
	})
}

func resolveRef(ctx context.Context, env *app.Env, explicit string) (domain.EntityRef, error) {
	ambient, err := env.Session.CurrentEntity()
	if err != nil {
		return domain.EntityRef{}, err
	}
	ref, err := env.Resolver.Resolve(ctx, explicit, ambient)
	if errors.Is(err, resolve.ErrPending) {
		return domain.EntityRef{}, fmt.Errorf("no entity resolved; pass an id or run 'il use <entity-id>'")
	}
	return ref, err
}

func printDraft(d domain.Draft, st domain.SyncState) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"draft": d, "state": st})
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Field", "Value"})
	names := make([]string, 0, len(d.Fields))
	for k := range d.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		tw.AppendRow(table.Row{k, d.Fields[k]})
	}
	tw.Render()
	visited := make([]string, 0, len(d.Visited))
	for s, ok := range d.Visited {
		if ok {
			visited = append(visited, s)
		}
	}
	sort.Strings(visited)
	fmt.Printf("entity=%s form=%s status=%s dirty=%v visited=%s\n",
		d.EntityID, d.FormKind, st.Status, d.Dirty, strings.Join(visited, ","))
	if st.UsingFallback {
		fmt.Println("note: backend unreachable, serving fallback data")
	}
	return nil
}

func printState(st domain.SyncState) error {
	if viper.GetBool("json") {
		return printJSON(st)
	}
	fmt.Printf("entity=%s form=%s status=%s reason=%s fallback=%v\n",
		st.EntityID, st.FormKind, st.Status, st.Reason, st.UsingFallback)
	return nil
}

func printMissing(missing []string) {
	if len(missing) == 0 {
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Missing"})
	for _, m := range missing {
		tw.AppendRow(table.Row{m})
	}
	tw.Render()
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
