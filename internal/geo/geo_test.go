package geo

import (
	"context"
	"testing"
	"time"

	"tramita/internal/domain"
)

type slowProvider struct{ delay time.Duration }

func (s slowProvider) CurrentPosition(ctx context.Context) (*domain.GeoPoint, error) {
	time.Sleep(s.delay)
	return &domain.GeoPoint{Latitude: 1, Longitude: 2}, nil
}

func TestLookup(t *testing.T) {
	ctx := context.Background()
	if pt := Lookup(ctx, None{}, time.Second); pt != nil {
		t.Fatalf("expected no position, got %+v", pt)
	}
	pt := Lookup(ctx, Fixed{Point: domain.GeoPoint{Latitude: -23.55, Longitude: -46.63}}, time.Second)
	if pt == nil || pt.Latitude != -23.55 {
		t.Fatalf("unexpected position %+v", pt)
	}
	start := time.Now()
	if pt := Lookup(ctx, slowProvider{delay: 500 * time.Millisecond}, 20*time.Millisecond); pt != nil {
		t.Fatalf("expected timeout to drop position")
	}
	if time.Since(start) > 400*time.Millisecond {
		t.Fatalf("lookup did not honour timeout")
	}
}
