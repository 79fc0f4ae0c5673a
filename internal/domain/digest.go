package domain

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"
)

type requestAttestation struct {
	RequestID  string `json:"request_id"`
	NUP        string `json:"nup"`
	Status     Status `json:"status"`
	Items      []Item `json:"items"`
	TotalValue string `json:"total_value"`
	Slot       string `json:"slot"`
	SignerID   string `json:"signer_id"`
	Timestamp  string `json:"timestamp"`
}

type documentAttestation struct {
	RequestID  string `json:"request_id"`
	DocumentID string `json:"document_id"`
	FileRef    string `json:"file_ref"`
	Content    string `json:"content"`
	SignerID   string `json:"signer_id"`
	Timestamp  string `json:"timestamp"`
}

// RequestDigest hashes the content a request-level signature attests to.
func RequestDigest(r Request, slot, signerID, ts string) (string, error) {
	return digest(requestAttestation{
		RequestID:  r.ID,
		NUP:        r.NUP,
		Status:     r.Status,
		Items:      r.Items,
		TotalValue: SumItems(r.Items).StringFixed(2),
		Slot:       slot,
		SignerID:   signerID,
		Timestamp:  ts,
	})
}

// DocumentDigest hashes the content a document signature attests to.
func DocumentDigest(d DossierDocument, signerID, ts string) (string, error) {
	return digest(documentAttestation{
		RequestID:  d.RequestID,
		DocumentID: d.ID,
		FileRef:    d.FileRef,
		Content:    d.Content,
		SignerID:   signerID,
		Timestamp:  ts,
	})
}

func digest(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal attestation: %w", err)
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
