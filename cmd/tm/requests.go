package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tramita/internal/app"
	"tramita/internal/domain"
	"tramita/internal/engine"
	"tramita/internal/repo"
)

func requestCmd() *cobra.Command {
	req := &cobra.Command{Use: "request", Aliases: []string{"req"}, Short: "Manage expense requests"}
	req.AddCommand(requestCreateCmd())
	req.AddCommand(requestListCmd())
	req.AddCommand(requestShowCmd())
	req.AddCommand(requestEditCmd())
	req.AddCommand(requestSubmitCmd())
	req.AddCommand(requestTransitionCmd())
	req.AddCommand(requestDecideCmd())
	req.AddCommand(requestReturnCmd())
	req.AddCommand(requestConfirmCmd())
	req.AddCommand(requestAssignCmd())
	req.AddCommand(requestRouteCmd())
	req.AddCommand(requestSignCmd())
	req.AddCommand(requestHistoryCmd())
	req.AddCommand(requestSignaturesCmd())
	return req
}

// parseItem reads "code:value" or "code:description:value".
func parseItem(s string) (domain.Item, error) {
	parts := strings.Split(s, ":")
	var it domain.Item
	var raw string
	switch len(parts) {
	case 2:
		it.Code, raw = parts[0], parts[1]
	case 3:
		it.Code, it.Description, raw = parts[0], parts[1], parts[2]
	default:
		return it, fmt.Errorf("item %q: want code:value or code:description:value", s)
	}
	v, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return it, fmt.Errorf("item %q: invalid value: %w", s, err)
	}
	it.Value = v
	return it, nil
}

func parseItems(specs []string) ([]domain.Item, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	items := make([]domain.Item, 0, len(specs))
	for _, s := range specs {
		it, err := parseItem(s)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, nil
}

func printRequest(r domain.Request) error {
	if viper.GetBool("json") {
		return printJSON(r)
	}
	nup := r.NUP
	if nup == "" {
		nup = "-"
	}
	fmt.Printf("%s  NUP %s  %s  v%d\n", r.ID, nup, r.Status, r.Version)
	fmt.Printf("type %s  module %s  total R$ %s\n", r.Type, r.AssignedModule, r.TotalValue.StringFixed(2))
	return nil
}

func printRequests(items []domain.Request, next string) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"items": items, "next_cursor": next})
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "NUP", "Type", "Status", "Module", "Total", "Created"})
	for _, r := range items {
		tw.AppendRow(table.Row{r.ID, r.NUP, r.Type, r.Status, r.AssignedModule, r.TotalValue.StringFixed(2), r.CreatedAt})
	}
	tw.Render()
	if next != "" {
		fmt.Printf("next cursor: %s\n", next)
	}
	return nil
}

func requestCreateCmd() *cobra.Command {
	var id, typ, module, justification string
	var items []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a draft request",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			parsed, err := parseItems(items)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.Create(ctx, engine.CreateInput{
					ID:            id,
					Type:          domain.RequestType(typ),
					ActorID:       actor,
					Module:        module,
					Justification: justification,
					Items:         parsed,
				})
				if err != nil {
					return err
				}
				return printRequest(r)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "request id (generated when empty)")
	cmd.Flags().StringVar(&typ, "type", "", "ordinary_supply, extra_emergency, extra_jury, per_diem or reimbursement")
	cmd.Flags().StringVar(&module, "module", "", "origin module (defaults to the actor's)")
	cmd.Flags().StringVar(&justification, "justification", "", "justification text")
	cmd.Flags().StringArrayVar(&items, "item", nil, "budget item code:description:value (repeatable)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func requestListCmd() *cobra.Command {
	var f repo.ListFilter
	var status, typ string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.Status(status)
			f.Type = domain.RequestType(typ)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, next, err := a.Engine.List(ctx, f)
				if err != nil {
					return err
				}
				return printRequests(items, next)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&typ, "type", "", "type filter")
	cmd.Flags().StringVar(&f.AssignedModule, "module", "", "assigned module filter")
	cmd.Flags().StringVar(&f.RequesterID, "requester", "", "requester filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "page size")
	cmd.Flags().StringVar(&f.Cursor, "cursor", "", "cursor from a previous page")
	return cmd
}

func requestShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a request with its dossier and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, err := a.Engine.Record(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rec)
				}
				if err := printRequest(rec.Request); err != nil {
					return err
				}
				fmt.Printf("stage %d/%d %s\n", rec.StageIndex, len(domain.Stages)-1, rec.Stage)
				if rec.Justification != "" {
					fmt.Printf("justification: %s\n", rec.Justification)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Code", "Description", "Value"})
				for _, it := range rec.Items {
					tw.AppendRow(table.Row{it.Code, it.Description, it.Value.StringFixed(2)})
				}
				tw.Render()
				dt := newTable()
				dt.AppendHeader(table.Row{"Dossier", "Kind", "Status"})
				for _, e := range rec.Dossier {
					status := ""
					if e.Document != nil {
						status = string(e.Document.Status)
					}
					dt.AppendRow(table.Row{e.Title, e.Kind, status})
				}
				dt.Render()
				return printHistory(rec.History)
			})
		},
	}
}

func requestEditCmd() *cobra.Command {
	var version int64
	var typ, justification string
	var items []string
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit a draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			parsed, err := parseItems(items)
			if err != nil {
				return err
			}
			in := engine.UpdateDraftInput{RequestID: args[0], ExpectedVersion: version, ActorID: actor, Items: parsed}
			if cmd.Flags().Changed("type") {
				t := domain.RequestType(typ)
				in.Type = &t
			}
			if cmd.Flags().Changed("justification") {
				in.Justification = &justification
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.UpdateDraft(ctx, in)
				if err != nil {
					return err
				}
				return printRequest(r)
			})
		},
	}
	cmd.Flags().Int64Var(&version, "expected-version", 0, "fail unless the request is at this version")
	cmd.Flags().StringVar(&typ, "type", "", "new type")
	cmd.Flags().StringVar(&justification, "justification", "", "new justification")
	cmd.Flags().StringArrayVar(&items, "item", nil, "replacement items code:description:value (repeatable)")
	return cmd
}

// simpleCmd builds the commands that only need an id, the actor and the
// expected version.
func simpleCmd(use, short string, run func(ctx context.Context, e engine.Engine, id, actor string, version int64, notes string) (domain.Request, error)) *cobra.Command {
	var version int64
	var notes string
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := run(ctx, a.Engine, args[0], actor, version, notes)
				if err != nil {
					return err
				}
				return printRequest(r)
			})
		},
	}
	cmd.Flags().Int64Var(&version, "expected-version", 0, "fail unless the request is at this version")
	cmd.Flags().StringVar(&notes, "notes", "", "notes recorded in the history")
	return cmd
}

func requestSubmitCmd() *cobra.Command {
	return simpleCmd("submit", "Submit a draft for the manager signature",
		func(ctx context.Context, e engine.Engine, id, actor string, version int64, _ string) (domain.Request, error) {
			return e.Submit(ctx, id, version, actor)
		})
}

func requestReturnCmd() *cobra.Command {
	return simpleCmd("return", "Return a request awaiting the ordenador to analysis (--notes required)",
		func(ctx context.Context, e engine.Engine, id, actor string, version int64, notes string) (domain.Request, error) {
			return e.Return(ctx, engine.ReturnInput{RequestID: id, ExpectedVersion: version, ActorID: actor, Notes: notes})
		})
}

func requestConfirmCmd() *cobra.Command {
	return simpleCmd("confirm-receipt", "Confirm receipt of the goods or service",
		func(ctx context.Context, e engine.Engine, id, actor string, version int64, notes string) (domain.Request, error) {
			return e.ConfirmReceipt(ctx, id, version, actor, notes)
		})
}

func requestTransitionCmd() *cobra.Command {
	var version int64
	var to, opinion, notes string
	cmd := &cobra.Command{
		Use:   "transition <id>",
		Short: "Apply a non-signature edge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.Transition(ctx, engine.TransitionInput{
					RequestID:       args[0],
					ExpectedVersion: version,
					ActorID:         actor,
					To:              domain.Status(to),
					Opinion:         opinion,
					Notes:           notes,
				})
				if err != nil {
					return err
				}
				return printRequest(r)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target status")
	cmd.Flags().StringVar(&opinion, "opinion", "", "technical opinion")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	cmd.Flags().Int64Var(&version, "expected-version", 0, "fail unless the request is at this version")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func requestDecideCmd() *cobra.Command {
	var version int64
	var decision, opinion string
	cmd := &cobra.Command{
		Use:   "decide <id>",
		Short: "Record the technical decision (execution, adjustment, rejected, legal_opinion)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.Decide(ctx, engine.DecideInput{
					RequestID:       args[0],
					ExpectedVersion: version,
					ActorID:         actor,
					Decision:        domain.Status(decision),
					Opinion:         opinion,
				})
				if err != nil {
					return err
				}
				return printRequest(r)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "decision")
	cmd.Flags().StringVar(&opinion, "opinion", "", "technical opinion")
	cmd.Flags().Int64Var(&version, "expected-version", 0, "fail unless the request is at this version")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func requestAssignCmd() *cobra.Command {
	var version int64
	var assignee, name string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Designate the person handling the request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.Assign(ctx, engine.AssignInput{
					RequestID:       args[0],
					ExpectedVersion: version,
					ActorID:         actor,
					AssigneeID:      assignee,
					AssigneeName:    name,
				})
				if err != nil {
					return err
				}
				return printRequest(r)
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "to", "", "assignee actor id")
	cmd.Flags().StringVar(&name, "name", "", "assignee display name")
	cmd.Flags().Int64Var(&version, "expected-version", 0, "fail unless the request is at this version")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func requestRouteCmd() *cobra.Command {
	var version int64
	var module, notes string
	cmd := &cobra.Command{
		Use:   "route <id>",
		Short: "Hand the request to another module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.Route(ctx, engine.RouteInput{
					RequestID:       args[0],
					ExpectedVersion: version,
					ActorID:         actor,
					TargetModule:    module,
					Notes:           notes,
				})
				if err != nil {
					return err
				}
				return printRequest(r)
			})
		},
	}
	cmd.Flags().StringVar(&module, "to", "", "target module")
	cmd.Flags().StringVar(&notes, "notes", "", "despacho text")
	cmd.Flags().Int64Var(&version, "expected-version", 0, "fail unless the request is at this version")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func requestSignCmd() *cobra.Command {
	var version int64
	var notes string
	var stdin bool
	var lat, lon float64
	cmd := &cobra.Command{
		Use:   "sign <id>",
		Short: "Sign the slot of your role (manager or ordenador)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			cred, err := readCredential(stdin)
			if err != nil {
				return err
			}
			in := engine.SignInput{RequestID: args[0], ExpectedVersion: version, ActorID: actor, Credential: cred, Notes: notes}
			if cmd.Flags().Changed("lat") && cmd.Flags().Changed("lon") {
				in.Location = &domain.GeoPoint{Latitude: lat, Longitude: lon}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Sign(ctx, in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("signed %s slot %s at %s (digest %s)\n", res.Request.ID, res.Signature.Slot, res.Signature.Timestamp, res.Signature.Digest)
				return printRequest(res.Request)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	cmd.Flags().BoolVar(&stdin, "credential-stdin", false, "read the credential from stdin")
	cmd.Flags().Float64Var(&lat, "lat", 0, "signing latitude")
	cmd.Flags().Float64Var(&lon, "lon", 0, "signing longitude")
	cmd.Flags().Int64Var(&version, "expected-version", 0, "fail unless the request is at this version")
	return cmd
}

func requestHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show the audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				hist, err := a.Engine.History(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(hist)
				}
				return printHistory(hist)
			})
		},
	}
}

func requestSignaturesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signatures <id>",
		Short: "List signature facts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				facts, err := a.Engine.Signatures(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(facts)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Slot", "Signer", "At", "Location", "Digest"})
				for _, f := range facts {
					loc := ""
					if f.Location != nil {
						loc = fmt.Sprintf("%.5f,%.5f", f.Location.Latitude, f.Location.Longitude)
					}
					tw.AppendRow(table.Row{f.Slot, f.SignerID, f.Timestamp, loc, f.Digest})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func printHistory(hist []domain.HistoryEntry) error {
	tw := newTable()
	tw.AppendHeader(table.Row{"At", "Actor", "Action", "Description"})
	for _, h := range hist {
		tw.AppendRow(table.Row{h.Timestamp, h.ActorID, h.Action, h.Description})
	}
	tw.Render()
	return nil
}

func batchCmd() *cobra.Command {
	batch := &cobra.Command{Use: "batch", Short: "Batch operations"}
	var notes string
	var stdin bool
	sign := &cobra.Command{
		Use:   "sign <id>...",
		Short: "Sign many requests with one credential check",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			cred, err := readCredential(stdin)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.SignBatch(ctx, engine.BatchSignInput{RequestIDs: args, ActorID: actor, Credential: cred, Notes: notes})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Request", "Outcome", "Detail"})
				for _, s := range res.Succeeded {
					tw.AppendRow(table.Row{s.Request.ID, "signed", s.Request.Status})
				}
				for _, f := range res.Failed {
					tw.AppendRow(table.Row{f.RequestID, f.Code, f.Message})
				}
				tw.Render()
				if len(res.Failed) > 0 {
					return fmt.Errorf("%d of %d requests not signed", len(res.Failed), len(res.Failed)+len(res.Succeeded))
				}
				return nil
			})
		},
	}
	sign.Flags().StringVar(&notes, "notes", "", "notes recorded on every signature")
	sign.Flags().BoolVar(&stdin, "credential-stdin", false, "read the credential from stdin")
	batch.AddCommand(sign)
	return batch
}
