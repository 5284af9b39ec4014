package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vasvenk/buildml/internal/app"
	"github.com/vasvenk/buildml/internal/config"
	"github.com/vasvenk/buildml/internal/db"
	"github.com/vasvenk/buildml/internal/domain"
	"github.com/vasvenk/buildml/internal/engine"
	"github.com/vasvenk/buildml/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "buildml",
	Short: "BuildML CLI",
	Long: `BuildML turns a plain-language problem description plus a data source
into a trained model with a serving endpoint, credential, and metrics.
The workspace is a .buildml directory holding the database and an
optional buildml.yml; 'buildml serve' exposes the same engine over HTTP.`,
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
	viper.SetEnvPrefix("BUILDML")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user", "local-user", "user identifier for local operations")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
}

func registerCommands() {
	rootCmd.AddCommand(modelCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func modelCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "model", Short: "Manage models"}
	cmd.AddCommand(modelCreateCmd())
	cmd.AddCommand(modelListCmd())
	cmd.AddCommand(modelShowCmd())
	cmd.AddCommand(modelRenameCmd())
	cmd.AddCommand(modelWatchCmd())
	return cmd
}

func modelCreateCmd() *cobra.Command {
	var name, description, sourceType, fileName, bucketURL, region string
	var fileSize int64
	var wait bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a model and start training",
		Long: `Create a model and start training.

Training runs inside a live process: pass --wait to block until it
finishes, or run "buildml serve" or "buildml model watch", which pick
up pending training on startup. Without one of those the model stays
in the training state.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ds := domain.DataSource{Type: sourceType}
				switch sourceType {
				case domain.SourceCSV:
					ds.FileName = &fileName
					if fileSize > 0 {
						ds.FileSize = &fileSize
					}
				case domain.SourceS3:
					ds.BucketURL = &bucketURL
					ds.Region = &region
				}
				m, err := e.CreateModel(ctx, engine.CreateModelOptions{
					OwnerID:            viper.GetString("user"),
					Name:               name,
					ProblemDescription: description,
					DataSource:         ds,
				})
				if err != nil {
					return err
				}
				if !wait {
					fmt.Fprintln(cmd.ErrOrStderr(), "training completes under \"buildml serve\" or \"buildml model watch\"; rerun with --wait to block")
					return printJSONOrTable(m)
				}
				m, err = waitForTerminal(ctx, e, m)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "problem description")
	cmd.Flags().StringVar(&name, "name", "", "model name (derived from the description when omitted)")
	cmd.Flags().StringVar(&sourceType, "source", "csv", "data source type (csv or s3)")
	cmd.Flags().StringVar(&fileName, "file", "", "csv file name")
	cmd.Flags().Int64Var(&fileSize, "file-size", 0, "csv file size in bytes")
	cmd.Flags().StringVar(&bucketURL, "bucket", "", "s3 bucket url")
	cmd.Flags().StringVar(&region, "region", "us-east-1", "s3 region")
	cmd.Flags().BoolVar(&wait, "wait", false, "block until training reaches a terminal state")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func modelListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List models, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.ListModels(ctx, viper.GetString("user"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Source", "Created"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.Name, m.Status, m.DataSource.Type, m.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func modelShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <model-id>",
		Short: "Show one model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				m, err := e.GetModel(ctx, args[0], viper.GetString("user"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func modelRenameCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "rename <model-id>",
		Short: "Rename a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				user := viper.GetString("user")
				m, err := e.RenameModel(ctx, args[0], user, name, user)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new model name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func modelWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <model-id>",
		Short: "Stream a model's state until it leaves training",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				m, err := e.GetModel(ctx, args[0], viper.GetString("user"))
				if err != nil {
					return err
				}
				m, err = waitForTerminal(ctx, e, m)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

// waitForTerminal arms any leftover timers in this process and follows
// the model's feed until it reaches completed or failed.
func waitForTerminal(ctx context.Context, e *engine.Engine, m domain.Model) (domain.Model, error) {
	if _, err := e.ResumeTraining(ctx); err != nil {
		return domain.Model{}, err
	}
	current, sub, err := e.WatchModel(ctx, m.ID, m.OwnerID)
	if err != nil {
		return domain.Model{}, err
	}
	defer sub.Cancel()
	fmt.Fprintf(os.Stderr, "model %s: %s\n", current.ID, current.Status)
	for !current.Terminal() {
		select {
		case <-ctx.Done():
			return domain.Model{}, ctx.Err()
		case snap, ok := <-sub.C:
			if !ok {
				return current, nil
			}
			if snap.Status != current.Status {
				fmt.Fprintf(os.Stderr, "model %s: %s\n", snap.ID, snap.Status)
			}
			current = snap
		}
	}
	return current, nil
}

func keyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "key", Short: "Manage personal access keys"}
	cmd.AddCommand(keyCreateCmd())
	cmd.AddCommand(keyListCmd())
	cmd.AddCommand(keyRevokeCmd())
	return cmd
}

func keyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an access key (the raw key is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				raw, k, err := e.CreateAPIKey(ctx, viper.GetString("user"), name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"id":         k.ID,
					"name":       k.Name,
					"created_at": k.CreatedAt,
					"key":        raw,
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func keyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List access keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				keys, err := e.ListAPIKeys(ctx, viper.GetString("user"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func keyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an access key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.RevokeAPIKey(ctx, args[0], viper.GetString("user"))
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, 0, viper.GetString("user"), evtType, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	})
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, conn, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer conn.Close()
			defer e.Close()
			resumed, err := e.ResumeTraining(cmd.Context())
			if err != nil {
				return err
			}
			if resumed > 0 {
				fmt.Printf("re-armed %d pending training transition(s)\n", resumed)
			}
			authCfg := server.AuthConfig{
				JWTSecret:             os.Getenv("BUILDML_JWT_SECRET"),
				AllowDevLogin:         e.Config.Auth.AllowDevLogin,
				AllowLegacyUserHeader: e.Config.Auth.AllowLegacyUserHeader,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("BUILDML_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving BuildML API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	e, conn, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	defer e.Close()
	return fn(ctx, e)
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
