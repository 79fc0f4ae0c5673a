package engine

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"tramita/internal/domain"
	"tramita/internal/geo"
	"tramita/internal/metrics"
)

type BatchSignInput struct {
	RequestIDs []string
	ActorID    string
	Credential string
	Notes      string
	Location   *domain.GeoPoint
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

// SignBatch verifies the credential once and then signs every request
// independently. One item failing never affects the others; results keep
// the input order.
func (e Engine) SignBatch(ctx context.Context, in BatchSignInput) (res BatchResult, err error) {
	ctx, end := e.begin(ctx, "sign_batch", attribute.Int("batch.size", len(in.RequestIDs)))
	defer end(&err)
	start := time.Now()
	defer func() { metrics.SignatureSeconds.Observe(time.Since(start).Seconds()) }()

	ids := dedupe(in.RequestIDs)
	if len(ids) == 0 {
		return BatchResult{}, ValidationError{Field: "request_ids", Reason: "at least one request is required"}
	}
	if err := e.verifyCredential(ctx, in.ActorID, in.Credential); err != nil {
		return BatchResult{}, err
	}
	roles, err := e.Auth.Roles(ctx, in.ActorID)
	if err != nil {
		return BatchResult{}, err
	}
	loc := in.Location
	if loc == nil {
		loc = geo.Lookup(ctx, e.Geo, e.cfg().Signature.GeolocationTimeout)
	}

	type outcome struct {
		res SignResult
		err error
	}
	outcomes := make([]outcome, len(ids))
	limit := e.cfg().Batch.Concurrency
	if limit <= 0 {
		limit = 4
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i, id := range ids {
		g.Go(func() error {
			r, err := e.sign(ctx, SignInput{RequestID: id, ActorID: in.ActorID, Notes: in.Notes}, roles, loc)
			outcomes[i] = outcome{res: r, err: err}
			return nil
		})
	}
	_ = g.Wait()

	res = BatchResult{Succeeded: []SignResult{}, Failed: []BatchFailure{}}
	for i, o := range outcomes {
		if o.err != nil {
			metrics.BatchItemsTotal.WithLabelValues(metrics.Error).Inc()
			code, msg := Code(o.err), o.err.Error()
			if code == "internal" || code == "unavailable" {
				msg = "request could not be signed"
			}
			res.Failed = append(res.Failed, BatchFailure{RequestID: ids[i], Code: code, Message: msg})
			e.logFailure(ctx, "sign_batch_item", o.err)
			continue
		}
		metrics.BatchItemsTotal.WithLabelValues(metrics.OK).Inc()
		res.Succeeded = append(res.Succeeded, o.res)
	}
	return res, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
