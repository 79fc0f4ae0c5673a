package main

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tramita/internal/app"
	"tramita/internal/domain"
	"tramita/internal/engine"
)

func dossierCmd() *cobra.Command {
	d := &cobra.Command{Use: "dossier", Short: "Work the execution dossier of a request"}
	d.AddCommand(dossierShowCmd())
	d.AddCommand(dossierGenerateCmd())
	d.AddCommand(dossierUploadCmd())
	d.AddCommand(dossierTramitarCmd())
	d.AddCommand(dossierSignCmd())
	d.AddCommand(dossierDeleteCmd())
	d.AddCommand(dossierCatCmd())
	return d
}

func printDocument(res engine.DocumentResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	doc := res.Document
	fmt.Printf("document %s slot %q %s (%s)\n", doc.ID, doc.Slot, doc.Status, doc.Kind)
	return printRequest(res.Request)
}

func laneRows(tw table.Writer, lane string, items []domain.LaneItem) {
	for _, it := range items {
		tw.AppendRow(table.Row{lane, it.Slot, it.Title, it.Source, it.Status, it.DocumentID})
	}
}

func dossierShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <request-id>",
		Short: "Show both checklist lanes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Engine.Dossier(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Lane", "Slot", "Title", "Source", "Status", "Document"})
				laneRows(tw, "A", d.LaneA)
				laneRows(tw, "B", d.LaneB)
				tw.Render()
				fmt.Printf("lane A complete: %v  lane B complete: %v\n", d.LaneAComplete, d.LaneBComplete)
				return nil
			})
		},
	}
}

func dossierGenerateCmd() *cobra.Command {
	var version int64
	var slot, kind, title, notes string
	cmd := &cobra.Command{
		Use:   "generate <request-id>",
		Short: "Draft a document from its template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Generate(ctx, engine.GenerateInput{
					RequestID:       args[0],
					ExpectedVersion: version,
					ActorID:         actor,
					Slot:            slot,
					Kind:            kind,
					Title:           title,
					Notes:           notes,
				})
				if err != nil {
					return err
				}
				return printDocument(res)
			})
		},
	}
	cmd.Flags().StringVar(&slot, "slot", "", "checklist slot")
	cmd.Flags().StringVar(&kind, "kind", "", "template kind for a custom document")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&notes, "notes", "", "notes passed to the template")
	cmd.Flags().Int64Var(&version, "expected-version", 0, "fail unless the request is at this version")
	return cmd
}

func dossierUploadCmd() *cobra.Command {
	var version int64
	var slot, title, contentType string
	cmd := &cobra.Command{
		Use:   "upload <request-id> <file>",
		Short: "Attach a file to the dossier",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()
			st, err := f.Stat()
			if err != nil {
				return err
			}
			name := filepath.Base(args[1])
			if contentType == "" {
				contentType = mime.TypeByExtension(filepath.Ext(name))
			}
			if contentType == "" {
				contentType = "application/octet-stream"
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Upload(ctx, engine.UploadInput{
					RequestID:       args[0],
					ExpectedVersion: version,
					ActorID:         actor,
					Slot:            slot,
					Title:           title,
					Filename:        name,
					ContentType:     contentType,
					Size:            st.Size(),
					Body:            f,
				})
				if err != nil {
					return err
				}
				return printDocument(res)
			})
		},
	}
	cmd.Flags().StringVar(&slot, "slot", "", "checklist slot")
	cmd.Flags().StringVar(&title, "title", "", "title (defaults to the slot title or file name)")
	cmd.Flags().StringVar(&contentType, "content-type", "", "media type (guessed from the extension)")
	cmd.Flags().Int64Var(&version, "expected-version", 0, "fail unless the request is at this version")
	return cmd
}

func dossierTramitarCmd() *cobra.Command {
	var version int64
	var to, notes string
	cmd := &cobra.Command{
		Use:   "tramitar <request-id> <document-id>",
		Short: "Forward a document to another module",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Tramitar(ctx, engine.TramitarInput{
					RequestID:       args[0],
					ExpectedVersion: version,
					ActorID:         actor,
					DocumentID:      args[1],
					TargetModule:    to,
					Notes:           notes,
				})
				if err != nil {
					return err
				}
				return printDocument(res)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target module")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	cmd.Flags().Int64Var(&version, "expected-version", 0, "fail unless the request is at this version")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func dossierSignCmd() *cobra.Command {
	var version int64
	var notes string
	var stdin bool
	var lat, lon float64
	cmd := &cobra.Command{
		Use:   "sign <request-id> <document-id>",
		Short: "Sign a Lane B document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			cred, err := readCredential(stdin)
			if err != nil {
				return err
			}
			in := engine.SignDocumentInput{
				RequestID:       args[0],
				DocumentID:      args[1],
				ExpectedVersion: version,
				ActorID:         actor,
				Credential:      cred,
				Notes:           notes,
			}
			if cmd.Flags().Changed("lat") && cmd.Flags().Changed("lon") {
				in.Location = &domain.GeoPoint{Latitude: lat, Longitude: lon}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				fact, err := a.Engine.SignDocument(ctx, in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(fact)
				}
				fmt.Printf("signed document %s at %s (digest %s)\n", fact.DocumentID, fact.Timestamp, fact.Digest)
				return nil
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

func dossierDeleteCmd() *cobra.Command {
	var version int64
	var reason string
	cmd := &cobra.Command{
		Use:   "delete <request-id> <document-id>",
		Short: "Soft-delete a document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.DeleteDocument(ctx, engine.DeleteDocumentInput{
					RequestID:       args[0],
					ExpectedVersion: version,
					ActorID:         actor,
					DocumentID:      args[1],
					Reason:          reason,
				})
				if err != nil {
					return err
				}
				return printDocument(res)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the document is removed")
	cmd.Flags().Int64Var(&version, "expected-version", 0, "fail unless the request is at this version")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func dossierCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <request-id> <document-id>",
		Short: "Write a document's content to stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rc, _, err := a.Engine.OpenDocument(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				defer rc.Close()
				_, err = io.Copy(os.Stdout, rc)
				return err
			})
		},
	}
}
