package tramitasdk

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginThenSignUsesBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/auth/token":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "gil", body["actor_id"])
			_ = json.NewEncoder(w).Encode(map[string]string{"token": "tok-1"})
		case "/v1/requests/r1/sign":
			gotAuth = r.Header.Get("Authorization")
			_ = json.NewEncoder(w).Encode(SignResult{
				Request:   Request{ID: "r1", Status: "pending"},
				Signature: Signature{Slot: "manager", SignerID: "gil"},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	require.NoError(t, c.Login(context.Background(), "gil", "pw"))
	res, err := c.Sign(context.Background(), "r1", "pw", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-1", gotAuth)
	assert.Equal(t, "pending", res.Request.Status)
	assert.Equal(t, "manager", res.Signature.Slot)
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"error":{"code":"version_conflict","message":"stale"}}`)
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.ActorID = "rita"
	_, err := c.Submit(context.Background(), "r1", 3)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "version_conflict", apiErr.Code)
	assert.Equal(t, "stale", apiErr.Message)
}

func TestUploadStreamsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/requests/r1/documents/upload", r.URL.Path)
		assert.Equal(t, "nota_empenho", r.URL.Query().Get("slot"))
		assert.Equal(t, "application/pdf", r.Header.Get("Content-Type"))
		assert.Equal(t, "ana", r.Header.Get("X-Actor-Id"))
		data, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(DocumentResult{Document: Document{ID: "d1", Slot: "nota_empenho", Size: int64(len(data))}})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.ActorID = "ana"
	res, err := c.UploadDocument(context.Background(), "r1", "nota_empenho", "ne.pdf", "application/pdf", strings.NewReader("%PDF-1.7"))
	require.NoError(t, err)
	assert.Equal(t, int64(8), res.Document.Size)
}

func TestListRequestsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "pending", q.Get("status"))
		assert.Equal(t, "10", q.Get("limit"))
		assert.Equal(t, "2024-01-01T00:00:00Z|r9", q.Get("cursor"))
		_ = json.NewEncoder(w).Encode(RequestPage{Items: []Request{{ID: "r8"}}, NextCursor: ""})
	}))
	defer srv.Close()

	page, err := New(srv.URL).ListRequests(context.Background(), ListOptions{Status: "pending", Limit: 10, Cursor: "2024-01-01T00:00:00Z|r9"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "r8", page.Items[0].ID)
}
