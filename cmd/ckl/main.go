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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"checkline/internal/app"
	"checkline/internal/config"
	"checkline/internal/db"
	"checkline/internal/domain"
	"checkline/internal/engine"
	"checkline/internal/repo"
	"checkline/internal/server"
	"checkline/internal/session"
	checklinesdk "checkline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "ckl",
	Short: "Checkline CLI",
	Long: `Checkline runs checklist-driven inspection tasks.
- Workspace: the .checkline directory holding the database and attachments.
- Templates: read-only checklist definitions (pages > sections > questions).
- Tasks: one inspection instance per template; statuses move forward only
  (pending -> in_progress -> completed -> archived).
- Scoring: mandatory compliance/yesno questions earn points; "not applicable"
  answers drop out of the total.
- Archive: requires 100% completion and a signature.
- Event log: an append-only diary of changes, view with 'ckl log tail'.`,
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
	viper.SetEnvPrefix("CHECKLINE")
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
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			a, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer a.Close()
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("wrote %s\n", cfgPath)
			}
			fmt.Printf("workspace ready at %s\n", db.Path(workspace))
			return nil
		},
	}
}

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{Use: "template", Short: "Manage checklist templates"}
	tpl.AddCommand(templateImportCmd())
	tpl.AddCommand(templateListCmd())
	tpl.AddCommand(templateShowCmd())
	return tpl
}

func templateImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import a template JSON document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ImportTemplate(ctx, data, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Printf("imported template %s (%s)\n", t.ID, t.Name)
				return nil
			})
		},
	}
}

func templateListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ts, err := e.Repo.ListTemplates(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Pages", "Questions"})
				for _, t := range ts {
					questions := 0
					t.WalkQuestions(func(string, domain.Question) { questions++ })
					tw.AppendRow(table.Row{t.ID, t.Name, len(t.Pages), questions})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func templateShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTemplate(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage inspection tasks"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskStartCmd())
	task.AddCommand(taskAnswerCmd())
	task.AddCommand(taskProgressCmd())
	task.AddCommand(taskMetricsCmd())
	task.AddCommand(taskSignCmd())
	task.AddCommand(taskSubmitCmd())
	task.AddCommand(taskArchiveCmd())
	task.AddCommand(taskAttachCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var name, templateID, assignee string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task from a template",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
					Name:       name,
					TemplateID: templateID,
					AssigneeID: assignee,
					ActorID:    viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				fmt.Printf("created task %s\n", t.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "task name")
	cmd.Flags().StringVar(&templateID, "template", "", "template id")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee id")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Completion", "Hours", "Signed"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{
						t.ID, t.Name, t.Status,
						fmt.Sprintf("%d%%", t.Metrics.CompletionPercentage),
						fmt.Sprintf("%.2f", t.Metrics.TimeSpent),
						t.Signed(),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.TemplateID, "template", "", "template filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee", "", "assignee filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task with responses and progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
}

func taskStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <id>",
		Short: "Start a pending task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.StartTask(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Printf("task %s is %s\n", t.ID, t.Status)
				return nil
			})
		},
	}
}

func taskAnswerCmd() *cobra.Command {
	var sectionID, questionID, value string
	cmd := &cobra.Command{
		Use:   "answer <id>",
		Short: "Record a response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.RecordResponse(ctx, args[0], engine.ResponseInput{
					SectionID:  sectionID,
					QuestionID: questionID,
					Value:      domain.ChoiceResponse(value),
				}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Printf("recorded; completion %d%%\n", t.Metrics.CompletionPercentage)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sectionID, "section", "", "section id")
	cmd.Flags().StringVar(&questionID, "question", "", "question id")
	cmd.Flags().StringVar(&value, "value", "", "response value")
	_ = cmd.MarkFlagRequired("question")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func taskProgressCmd() *cobra.Command {
	var sectionID, status, notes string
	cmd := &cobra.Command{
		Use:   "progress <id>",
		Short: "Record section progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				_, err := e.SaveProgress(ctx, args[0], []domain.ProgressEntry{{
					SectionID: sectionID,
					Status:    domain.SectionStatus(status),
					Notes:     notes,
				}}, viper.GetString("actor-id"))
				return err
			})
		},
	}
	cmd.Flags().StringVar(&sectionID, "section", "", "section id")
	cmd.Flags().StringVar(&status, "status", "", "section status")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	_ = cmd.MarkFlagRequired("section")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func taskMetricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics <id>",
		Short: "Show computed scoring and completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.ComputeMetrics(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Score", "Score %", "Completion %", "Hours"})
				tw.AppendRow(table.Row{
					fmt.Sprintf("%.1f/%.1f", report.Score.Achieved, report.Score.Possible),
					report.ScorePercentage,
					report.CompletionPercentage,
					fmt.Sprintf("%.2f", report.TimeSpentHours),
				})
				tw.Render()
				return nil
			})
		},
	}
}

func taskSignCmd() *cobra.Command {
	var signature, signatureFile string
	cmd := &cobra.Command{
		Use:   "sign <id>",
		Short: "Store the inspector signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sig := signature
			if signatureFile != "" {
				data, err := os.ReadFile(signatureFile)
				if err != nil {
					return err
				}
				sig = string(data)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				_, err := e.SaveSignature(ctx, args[0], sig, viper.GetString("actor-id"))
				return err
			})
		},
	}
	cmd.Flags().StringVar(&signature, "signature", "", "signature payload")
	cmd.Flags().StringVar(&signatureFile, "signature-file", "", "file holding the signature payload")
	return cmd
}

func taskSubmitCmd() *cobra.Command {
	var signature, signatureFile string
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Save and submit a task",
		Long:  "Submits the task with the operator's attestation. A signature is required\nunless the task was signed earlier with 'ckl task sign'.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sig := signature
			if signatureFile != "" {
				data, err := os.ReadFile(signatureFile)
				if err != nil {
					return err
				}
				sig = string(data)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.SaveAndSubmit(ctx, args[0], sig, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Printf("task %s is %s (completion %d%%)\n", t.ID, t.Status, t.Metrics.CompletionPercentage)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&signature, "signature", "", "signature payload")
	cmd.Flags().StringVar(&signatureFile, "signature-file", "", "file holding the signature payload")
	return cmd
}

func taskArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive a completed, signed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ArchiveTask(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Printf("task %s archived\n", t.ID)
				return nil
			})
		},
	}
}

func taskAttachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach <id> <file>",
		Short: "Copy a file into the workspace and record it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			dir, err := db.AttachmentsDir(workspace)
			if err != nil {
				return err
			}
			name := filepath.Base(args[1])
			dest := filepath.Join(dir, fmt.Sprintf("%s-%s", args[0], name))
			if err := os.WriteFile(dest, data, 0o644); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.AddAttachment(ctx, args[0], name, dest, int64(len(data)), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Printf("attached %s (%d bytes)\n", a.Name, a.SizeBytes)
				return nil
			})
		},
	}
}

func watchCmd() *cobra.Command {
	var serverURL, apiKey string
	cmd := &cobra.Command{
		Use:   "watch <id>",
		Short: "Open a live session on a task",
		Long: `Opens a task session with the periodic timers running: elapsed time
display, time checkpointing and background reconciliation against the
stored state. Press Ctrl-C to close.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			defer log.Sync()

			var svc session.TaskService
			var cfg *config.Config
			if serverURL != "" {
				client := checklinesdk.New(serverURL)
				client.APIKey = apiKey
				client.ActorID = viper.GetString("actor-id")
				svc = session.RemoteService{Client: client}
				cfg = config.Default()
			} else {
				a, err := app.Open(viper.GetString("workspace"))
				if err != nil {
					return err
				}
				defer a.Close()
				svc = session.EngineService{Engine: a.Engine, ActorID: viper.GetString("actor-id")}
				cfg = a.Config
			}

			sess := session.New(svc, cfg, log, session.Options{
				OnElapsed: func(d time.Duration) {
					fmt.Printf("\relapsed %s ", d.Round(time.Second))
				},
			})
			if err := sess.Open(cmd.Context(), args[0]); err != nil {
				return err
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			select {
			case <-sig:
			case <-cmd.Context().Done():
			}
			fmt.Println()
			return sess.Close(context.Background())
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "remote server URL (default: local workspace)")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key for the remote server")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, taskID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, taskID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Task", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.TaskID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&taskID, "task", "", "task id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer a.Close()
			log, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer log.Sync()

			authCfg := server.AuthConfig{
				JWTSecret:              a.Config.Server.Auth.JWTSecret,
				AllowLegacyActorHeader: a.Config.Server.Auth.AllowLegacyActorHeader,
				Logger:                 log,
			}
			if secret := os.Getenv("CHECKLINE_JWT_SECRET"); secret != "" {
				authCfg.JWTSecret = secret
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: basePath,
				Auth:     authCfg,
				Logger:   log,
			})
			if err != nil {
				return err
			}
			if addr == "" {
				addr = a.Config.ServerAddr()
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Checkline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor id")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Engine)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
