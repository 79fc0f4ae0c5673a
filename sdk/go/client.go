package tramitasdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal tramita HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no token is set. Only servers
	// started with allow_actor_header accept it.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// Item is a budget line. Value is a decimal string such as "1200.00".
type Item struct {
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
	Value       string `json:"value"`
}

// Request represents the API request model (partial).
type Request struct {
	ID                  string  `json:"id"`
	NUP                 string  `json:"nup,omitempty"`
	Type                string  `json:"type"`
	Status              string  `json:"status"`
	OriginModule        string  `json:"origin_module"`
	AssignedModule      string  `json:"assigned_module"`
	AssignedToID        *string `json:"assigned_to_id,omitempty"`
	RequesterID         string  `json:"requester_id"`
	Justification       string  `json:"justification"`
	TechnicalOpinion    string  `json:"technical_opinion,omitempty"`
	TotalValue          string  `json:"total_value"`
	Items               []Item  `json:"items"`
	SignedByManagerID   *string `json:"signed_by_manager_id,omitempty"`
	SignedByOrdenadorID *string `json:"signed_by_ordenador_id,omitempty"`
	Version             int64   `json:"version"`
	CreatedAt           string  `json:"created_at"`
	UpdatedAt           string  `json:"updated_at"`
}

type HistoryEntry struct {
	ID          string         `json:"id"`
	RequestID   string         `json:"request_id"`
	ActorID     string         `json:"actor_id"`
	Action      string         `json:"action"`
	Timestamp   string         `json:"timestamp"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Record is a request with its stage, dossier entries and history.
type Record struct {
	Request
	StageIndex int              `json:"stage_index"`
	Stage      string           `json:"stage"`
	Dossier    []map[string]any `json:"dossier"`
	History    []HistoryEntry   `json:"history"`
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type Signature struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id"`
	Slot      string    `json:"slot"`
	SignerID  string    `json:"signer_id"`
	Timestamp string    `json:"timestamp"`
	Location  *Location `json:"location,omitempty"`
	Digest    string    `json:"digest"`
}

type SignResult struct {
	Request   Request   `json:"request"`
	Signature Signature `json:"signature"`
}

type BatchFailure struct {
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

type BatchResult struct {
	Succeeded []SignResult   `json:"succeeded"`
	Failed    []BatchFailure `json:"failed"`
}

type Document struct {
	ID          string `json:"id"`
	RequestID   string `json:"request_id"`
	Kind        string `json:"kind"`
	Slot        string `json:"slot,omitempty"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
	TramitadoTo string `json:"tramitado_to,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type DocumentResult struct {
	Request  Request  `json:"request"`
	Document Document `json:"document"`
}

type LaneItem struct {
	Slot       string `json:"slot"`
	Title      string `json:"title"`
	Lane       string `json:"lane"`
	Status     string `json:"status"`
	DocumentID string `json:"document_id,omitempty"`
}

type Dossier struct {
	RequestID     string     `json:"request_id"`
	LaneA         []LaneItem `json:"lane_a"`
	LaneB         []LaneItem `json:"lane_b"`
	LaneAComplete bool       `json:"lane_a_complete"`
	LaneBComplete bool       `json:"lane_b_complete"`
}

// RequestPage wraps list responses with cursors.
type RequestPage struct {
	Items      []Request `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

type ListOptions struct {
	Status string
	Type   string
	Module string
	Limit  int
	Cursor string
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Login exchanges a credential for a session token and keeps it on the client.
func (c *Client) Login(ctx context.Context, actorID, credential string) error {
	var resp struct {
		Token string `json:"token"`
	}
	body := map[string]any{"actor_id": actorID, "credential": credential}
	if err := c.do(ctx, http.MethodPost, "v1/auth/token", body, &resp); err != nil {
		return err
	}
	c.BearerToken = resp.Token
	return nil
}

// CreateRequest opens a draft.
func (c *Client) CreateRequest(ctx context.Context, requestType, justification string, items []Item) (Request, error) {
	body := map[string]any{
		"type":          requestType,
		"justification": justification,
		"items":         items,
	}
	var resp Request
	err := c.do(ctx, http.MethodPost, "v1/requests", body, &resp)
	return resp, err
}

func (c *Client) GetRequest(ctx context.Context, id string) (Record, error) {
	var resp Record
	err := c.do(ctx, http.MethodGet, requestPath(id, ""), nil, &resp)
	return resp, err
}

// ListRequests returns one page of requests, newest first.
func (c *Client) ListRequests(ctx context.Context, opts ListOptions) (RequestPage, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Type != "" {
		q.Set("type", opts.Type)
	}
	if opts.Module != "" {
		q.Set("module", opts.Module)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	endpoint := "v1/requests"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp RequestPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Submit(ctx context.Context, id string, expectedVersion int64) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, requestPath(id, "submit"), map[string]any{"expected_version": expectedVersion}, &resp)
	return resp, err
}

// Transition applies a non-signature edge.
func (c *Client) Transition(ctx context.Context, id, to, opinion, notes string, expectedVersion int64) (Request, error) {
	body := map[string]any{
		"to":               to,
		"opinion":          opinion,
		"notes":            notes,
		"expected_version": expectedVersion,
	}
	var resp Request
	err := c.do(ctx, http.MethodPost, requestPath(id, "transition"), body, &resp)
	return resp, err
}

func (c *Client) Decide(ctx context.Context, id, decision, opinion string, expectedVersion int64) (Request, error) {
	body := map[string]any{"decision": decision, "opinion": opinion, "expected_version": expectedVersion}
	var resp Request
	err := c.do(ctx, http.MethodPost, requestPath(id, "decide"), body, &resp)
	return resp, err
}

func (c *Client) Return(ctx context.Context, id, notes string, expectedVersion int64) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, requestPath(id, "return"), map[string]any{"notes": notes, "expected_version": expectedVersion}, &resp)
	return resp, err
}

func (c *Client) ConfirmReceipt(ctx context.Context, id, notes string, expectedVersion int64) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, requestPath(id, "confirm-receipt"), map[string]any{"notes": notes, "expected_version": expectedVersion}, &resp)
	return resp, err
}

func (c *Client) Assign(ctx context.Context, id, assigneeID, assigneeName string, expectedVersion int64) (Request, error) {
	body := map[string]any{"assignee_id": assigneeID, "assignee_name": assigneeName, "expected_version": expectedVersion}
	var resp Request
	err := c.do(ctx, http.MethodPost, requestPath(id, "assign"), body, &resp)
	return resp, err
}

// Route hands the request to another module.
func (c *Client) Route(ctx context.Context, id, module, notes string, expectedVersion int64) (Request, error) {
	body := map[string]any{"target_module": module, "notes": notes, "expected_version": expectedVersion}
	var resp Request
	err := c.do(ctx, http.MethodPost, requestPath(id, "route"), body, &resp)
	return resp, err
}

// Sign runs the signature ceremony. The credential is re-verified server side.
func (c *Client) Sign(ctx context.Context, id, credential, notes string, loc *Location) (SignResult, error) {
	body := map[string]any{"credential": credential, "notes": notes}
	if loc != nil {
		body["location"] = loc
	}
	var resp SignResult
	err := c.do(ctx, http.MethodPost, requestPath(id, "sign"), body, &resp)
	return resp, err
}

func (c *Client) SignBatch(ctx context.Context, ids []string, credential, notes string) (BatchResult, error) {
	body := map[string]any{"request_ids": ids, "credential": credential, "notes": notes}
	var resp BatchResult
	err := c.do(ctx, http.MethodPost, "v1/batch/sign", body, &resp)
	return resp, err
}

func (c *Client) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	var resp []HistoryEntry
	err := c.do(ctx, http.MethodGet, requestPath(id, "history"), nil, &resp)
	return resp, err
}

func (c *Client) Dossier(ctx context.Context, id string) (Dossier, error) {
	var resp Dossier
	err := c.do(ctx, http.MethodGet, requestPath(id, "dossier"), nil, &resp)
	return resp, err
}

// GenerateDocument drafts a checklist slot, or a custom document when slot is empty.
func (c *Client) GenerateDocument(ctx context.Context, id, slot, kind, title string) (DocumentResult, error) {
	body := map[string]any{"slot": slot, "kind": kind, "title": title}
	var resp DocumentResult
	err := c.do(ctx, http.MethodPost, requestPath(id, "documents"), body, &resp)
	return resp, err
}

// UploadDocument streams r as the content of a checklist slot or a custom document.
func (c *Client) UploadDocument(ctx context.Context, id, slot, filename, contentType string, r io.Reader) (DocumentResult, error) {
	q := url.Values{}
	if slot != "" {
		q.Set("slot", slot)
	}
	if filename != "" {
		q.Set("filename", filename)
	}
	endpoint := requestPath(id, "documents/upload")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, r)
	if err != nil {
		return DocumentResult{}, err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	var resp DocumentResult
	err = c.send(req, &resp)
	return resp, err
}

// DownloadDocument returns the document content. The caller closes it.
func (c *Client) DownloadDocument(ctx context.Context, id, docID string) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, requestPath(id, "documents/"+url.PathEscape(docID)+"/content"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return resp.Body, nil
}

func (c *Client) TramitarDocument(ctx context.Context, id, docID, module, notes string) (DocumentResult, error) {
	body := map[string]any{"target_module": module, "notes": notes}
	var resp DocumentResult
	err := c.do(ctx, http.MethodPost, requestPath(id, "documents/"+url.PathEscape(docID)+"/tramitar"), body, &resp)
	return resp, err
}

func (c *Client) SignDocument(ctx context.Context, id, docID, credential, notes string) (Signature, error) {
	body := map[string]any{"credential": credential, "notes": notes}
	var resp Signature
	err := c.do(ctx, http.MethodPost, requestPath(id, "documents/"+url.PathEscape(docID)+"/sign"), body, &resp)
	return resp, err
}

func (c *Client) DeleteDocument(ctx context.Context, id, docID, reason string) (DocumentResult, error) {
	endpoint := requestPath(id, "documents/"+url.PathEscape(docID))
	if reason != "" {
		endpoint += "?reason=" + url.QueryEscape(reason)
	}
	var resp DocumentResult
	err := c.do(ctx, http.MethodDelete, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := c.newRequest(ctx, method, endpoint, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	return req, nil
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) client() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}

func decodeAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	}
	return apiErr
}

func requestPath(id, sub string) string {
	p := "v1/requests/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
