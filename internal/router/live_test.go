package router

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucketAllowsBurstThenThrottles(t *testing.T) {
	tb := newTokenBucket(2, 1000) // capacity 2, refills fast so the test doesn't block long
	ctx := context.Background()

	if err := tb.wait(ctx); err != nil {
		t.Fatalf("first wait() error = %v", err)
	}
	if err := tb.wait(ctx); err != nil {
		t.Fatalf("second wait() (within burst) error = %v", err)
	}
}

func TestTokenBucketRespectsContextCancellation(t *testing.T) {
	tb := newTokenBucket(1, 0.001) // effectively never refills within the test window
	ctx := context.Background()
	if err := tb.wait(ctx); err != nil {
		t.Fatalf("first wait() error = %v", err)
	}

	cancelCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := tb.wait(cancelCtx); err == nil {
		t.Fatal("expected wait() to return an error once the context is cancelled")
	}
}

func TestNewECDSAAdapterNotReadyWithoutPrivateKey(t *testing.T) {
	a, err := NewECDSAAdapter(testRouterConfigNoKey(), "https://example.test")
	if err != nil {
		t.Fatalf("NewECDSAAdapter() error = %v", err)
	}
	if a.Ready() {
		t.Fatal("expected adapter to report not ready without a configured private key")
	}
}
