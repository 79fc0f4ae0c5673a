// Package geo supplies the best-effort signing location.
package geo

import (
	"context"
	"errors"
	"time"

	"tramita/internal/domain"
)

var ErrUnavailable = errors.New("geolocation unavailable")

type Provider interface {
	CurrentPosition(ctx context.Context) (*domain.GeoPoint, error)
}

// None never knows where the signer is.
type None struct{}

func (None) CurrentPosition(ctx context.Context) (*domain.GeoPoint, error) {
	return nil, ErrUnavailable
}

// Fixed returns coordinates captured by the client.
type Fixed struct {
	Point domain.GeoPoint
}

func (f Fixed) CurrentPosition(ctx context.Context) (*domain.GeoPoint, error) {
	p := f.Point
	return &p, nil
}

// Lookup asks p for a position within timeout. Any failure yields nil.
func Lookup(ctx context.Context, p Provider, timeout time.Duration) *domain.GeoPoint {
	if p == nil {
		return nil
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	type result struct {
		point *domain.GeoPoint
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		pt, err := p.CurrentPosition(ctx)
		ch <- result{pt, err}
	}()
	select {
	case <-ctx.Done():
		return nil
	case res := <-ch:
		if res.err != nil {
			return nil
		}
		return res.point
	}
}
