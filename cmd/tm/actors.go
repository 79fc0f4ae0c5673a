package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tramita/internal/app"
	"tramita/internal/domain"
)

func actorCmd() *cobra.Command {
	actor := &cobra.Command{Use: "actor", Short: "Manage actors, roles and signing credentials"}
	actor.AddCommand(actorAddCmd())
	actor.AddCommand(actorListCmd())
	return actor
}

func actorAddCmd() *cobra.Command {
	var name, module string
	var roles []string
	var setSecret, stdin bool
	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Register an actor or grant it more roles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := app.ActorInput{ID: args[0], Name: name, Module: module}
			for _, r := range roles {
				in.Roles = append(in.Roles, domain.Role(strings.TrimSpace(r)))
			}
			if setSecret {
				secret, err := readCredential(stdin)
				if err != nil {
					return err
				}
				if secret == "" {
					return fmt.Errorf("empty credential")
				}
				in.Secret = secret
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				saved, err := a.SaveActor(ctx, in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(saved)
				}
				fmt.Printf("actor %s (%s) roles %v\n", saved.ID, saved.Module, saved.Roles)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&module, "module", "", "home module")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role to grant: requester, manager, analyst, ordenador, admin (repeatable)")
	cmd.Flags().BoolVar(&setSecret, "set-secret", false, "set the signing credential")
	cmd.Flags().BoolVar(&stdin, "credential-stdin", false, "read the credential from stdin")
	return cmd
}

func actorListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List actors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actors, err := a.Engine.Repo.ListActors(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(actors)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Module", "Roles"})
				for _, ac := range actors {
					rs := make([]string, len(ac.Roles))
					for i, r := range ac.Roles {
						rs[i] = string(r)
					}
					tw.AppendRow(table.Row{ac.ID, ac.Name, ac.Module, strings.Join(rs, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
}
