package repo

import (
	"context"
	"database/sql"
	"fmt"

	"tramita/internal/db"
	"tramita/internal/domain"
)

const documentColumns = `id,request_id,kind,slot,title,status,file_ref,content_type,size,content,creator_id,tramitado_to,created_at,updated_at,deleted_at,delete_reason`

func scanDocument(s scanner) (domain.DossierDocument, error) {
	var (
		d            domain.DossierDocument
		kind, status string
		deletedAt    sql.NullString
	)
	err := s.Scan(&d.ID, &d.RequestID, &kind, &d.Slot, &d.Title, &status, &d.FileRef, &d.ContentType, &d.Size,
		&d.Content, &d.CreatorID, &d.TramitadoTo, &d.CreatedAt, &d.UpdatedAt, &deletedAt, &d.DeleteReason)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Kind = domain.DocKind(kind)
	d.Status = domain.DocStatus(status)
	d.DeletedAt = nullToPtr(deletedAt)
	return d, nil
}

func (r Repo) InsertDocument(ctx context.Context, tx *sql.Tx, d domain.DossierDocument) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO documents(`+documentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		d.ID, d.RequestID, string(d.Kind), d.Slot, d.Title, string(d.Status), d.FileRef, d.ContentType, d.Size,
		d.Content, d.CreatorID, d.TramitadoTo, d.CreatedAt, d.UpdatedAt, ptrToNull(d.DeletedAt), d.DeleteReason)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// UpdateDocument persists the mutable fields of a document.
func (r Repo) UpdateDocument(ctx context.Context, tx *sql.Tx, d domain.DossierDocument) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE documents SET status=?,tramitado_to=?,updated_at=?,deleted_at=?,delete_reason=? WHERE id=? AND request_id=?`),
		string(d.Status), d.TramitadoTo, d.UpdatedAt, ptrToNull(d.DeletedAt), d.DeleteReason, d.ID, d.RequestID)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) listDocuments(ctx context.Context, q db.Querier, requestID string) ([]domain.DossierDocument, error) {
	rows, err := q.QueryContext(ctx, r.q(`SELECT `+documentColumns+` FROM documents WHERE request_id=? ORDER BY seq`), requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DossierDocument
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// ListDocuments returns every stored document of a request, deleted ones included.
func (r Repo) ListDocuments(ctx context.Context, requestID string) ([]domain.DossierDocument, error) {
	return r.listDocuments(ctx, r.DB, requestID)
}

func (r Repo) ListDocumentsTx(ctx context.Context, tx *sql.Tx, requestID string) ([]domain.DossierDocument, error) {
	return r.listDocuments(ctx, tx, requestID)
}

func (r Repo) GetDocument(ctx context.Context, requestID, docID string) (domain.DossierDocument, error) {
	return scanDocument(r.DB.QueryRowContext(ctx, r.q(`SELECT `+documentColumns+` FROM documents WHERE id=? AND request_id=?`), docID, requestID))
}

func (r Repo) GetDocumentTx(ctx context.Context, tx *sql.Tx, requestID, docID string) (domain.DossierDocument, error) {
	return scanDocument(tx.QueryRowContext(ctx, r.q(`SELECT `+documentColumns+` FROM documents WHERE id=? AND request_id=?`), docID, requestID))
}
