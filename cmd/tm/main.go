package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"tramita/internal/app"
	"tramita/internal/config"
	"tramita/internal/engine"
	"tramita/internal/migrate"
)

var rootCmd = &cobra.Command{
	Use:   "tm",
	Short: "Tramita CLI",
	Long: `Tramita drives municipal-court expense requests from the requester's draft to
the accountability archive.

- Request: an expense with budget items, a NUP protocol number and a status.
- Signatures: the manager signs before analysis, the ordenador de despesas
  authorizes payment. Each signature re-verifies the signer's credential.
- Dossier: the execution checklist. Lane A items are tramitados to the
  ordenador before authorization, Lane B items close the payment.
- Routing: requests move between modules; every hop is kept in the history.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", describeError(err))
		os.Exit(1)
	}
}

func initConfig() {
	workspace := viper.GetString("workspace")
	if err := godotenv.Load(filepath.Join(workspace, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "warning: .env:", err)
	}
	viper.SetEnvPrefix("TRAMITA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "acting actor (TRAMITA_ACTOR_ID)")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level: debug, info, warn, error")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(dossierCmd())
	rootCmd.AddCommand(actorCmd())
	rootCmd.AddCommand(modulesCmd())
	rootCmd.AddCommand(notificationsCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create tramita.yml and the database in the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			a, err := app.Open(cmd.Context(), workspace, newLogger())
			if err != nil {
				return err
			}
			defer a.Close()
			applied, err := migrate.Applied(a.DB)
			if err != nil {
				return err
			}
			fmt.Printf("Initialized workspace %s (config %s, %s, %d migrations)\n", workspace, path, a.Dialect, len(applied))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func modulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "modules",
		Short: "List the module catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				type row struct {
					ID          string `json:"id"`
					Description string `json:"description"`
					RoleGroup   string `json:"role_group"`
				}
				var rows []row
				for _, id := range a.Config.ModuleIDs() {
					m := a.Config.Modules[id]
					rows = append(rows, row{id, m.Description, m.RoleGroup})
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Module", "Description", "Role group"})
				for _, r := range rows {
					tw.AppendRow(table.Row{r.ID, r.Description, r.RoleGroup})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func notificationsCmd() *cobra.Command {
	var after int64
	var limit int
	var group string
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "List outbox notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.NotificationsAfter(ctx, after, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"#", "NUP", "Kind", "Module", "Group", "Message", "At"})
				for _, n := range items {
					if group != "" && n.RoleGroup != group {
						continue
					}
					tw.AppendRow(table.Row{n.ID, n.NUP, n.Kind, n.TargetModule, n.RoleGroup, n.Message, n.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "only notifications after this id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum notifications")
	cmd.Flags().StringVar(&group, "role-group", "", "role group filter")
	return cmd
}

// --- helpers ---

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"), newLogger())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func actorID() (string, error) {
	id := strings.TrimSpace(viper.GetString("actor-id"))
	if id == "" {
		return "", errors.New("--actor-id (or TRAMITA_ACTOR_ID) is required")
	}
	return id, nil
}

// readCredential takes the secret from TRAMITA_CREDENTIAL, from stdin when
// fromStdin is set, or from an interactive prompt with echo disabled.
func readCredential(fromStdin bool) (string, error) {
	if v := viper.GetString("credential"); v != "" {
		return v, nil
	}
	if fromStdin {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no terminal for the credential prompt (use --credential-stdin or TRAMITA_CREDENTIAL)")
	}
	fmt.Fprint(os.Stderr, "Credential: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading credential: %w", err)
	}
	return string(b), nil
}

func describeError(err error) string {
	code := engine.Code(err)
	if code == "internal" {
		return err.Error()
	}
	return code + ": " + err.Error()
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
