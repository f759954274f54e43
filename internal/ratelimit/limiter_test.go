package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLimiterAllow(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	l := New(rdb, 2)
	ctx := context.Background()
	now := time.Date(2026, 2, 13, 10, 15, 0, 0, time.UTC)

	for i, wantAllowed := range []bool{true, true, false} {
		d, err := l.Allow(ctx, 10, now)
		if err != nil {
			t.Fatalf("allow#%d: %v", i+1, err)
		}
		if d.Allowed != wantAllowed || d.Used != int64(i+1) {
			t.Fatalf("call %d: expected allowed=%v used=%d, got %+v", i+1, wantAllowed, i+1, d)
		}
	}

	d, err := l.Allow(ctx, 11, now)
	if err != nil {
		t.Fatalf("allow other user: %v", err)
	}
	if !d.Allowed || d.Remaining != 1 {
		t.Fatalf("users must have separate windows, got %+v", d)
	}
	if !d.ResetAt.Equal(time.Date(2026, 2, 13, 11, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected reset time %s", d.ResetAt)
	}

	d, err = l.Allow(ctx, 10, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("allow next window: %v", err)
	}
	if !d.Allowed || d.Used != 1 {
		t.Fatalf("next hour must start a new window, got %+v", d)
	}
}

func TestNilLimiterAllows(t *testing.T) {
	var l *Limiter
	d, err := l.Allow(context.Background(), 1, time.Now())
	if err != nil || !d.Allowed {
		t.Fatalf("nil limiter must allow, got %+v err=%v", d, err)
	}
	d, err = New(nil, 0).Allow(context.Background(), 1, time.Now())
	if err != nil || !d.Allowed {
		t.Fatalf("zero limit must allow, got %+v err=%v", d, err)
	}
}
