package repo

import (
	"context"
	"database/sql"
	"fmt"

	"tramita/internal/domain"
)

func (r Repo) InsertSignature(ctx context.Context, tx *sql.Tx, f domain.SignatureFact) error {
	var lat, lng any
	if f.Location != nil {
		lat, lng = f.Location.Latitude, f.Location.Longitude
	}
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO signatures(id,request_id,document_id,slot,signer_id,ts,latitude,longitude,notes,digest) VALUES (?,?,?,?,?,?,?,?,?,?)`),
		f.ID, f.RequestID, nullable(f.DocumentID), f.Slot, f.SignerID, f.Timestamp, lat, lng, f.Notes, f.Digest)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("signature slot %s: %w", f.Slot, ErrDuplicate)
		}
		return fmt.Errorf("insert signature: %w", err)
	}
	return nil
}

// SignatureExistsTx reports whether a slot of the request is already signed.
func (r Repo) SignatureExistsTx(ctx context.Context, tx *sql.Tx, requestID, slot string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, r.q(`SELECT 1 FROM signatures WHERE request_id=? AND slot=?`), requestID, slot).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) ListSignatures(ctx context.Context, requestID string) ([]domain.SignatureFact, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id,request_id,COALESCE(document_id,''),slot,signer_id,ts,latitude,longitude,notes,digest FROM signatures WHERE request_id=? ORDER BY ts, slot`), requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SignatureFact
	for rows.Next() {
		var (
			f        domain.SignatureFact
			lat, lng sql.NullFloat64
		)
		if err := rows.Scan(&f.ID, &f.RequestID, &f.DocumentID, &f.Slot, &f.SignerID, &f.Timestamp, &lat, &lng, &f.Notes, &f.Digest); err != nil {
			return nil, err
		}
		if lat.Valid && lng.Valid {
			f.Location = &domain.GeoPoint{Latitude: lat.Float64, Longitude: lng.Float64}
		}
		res = append(res, f)
	}
	return res, rows.Err()
}
