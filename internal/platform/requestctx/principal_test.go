package requestctx

import (
	"context"
	"testing"
)

func TestPrincipalRoundTrip(t *testing.T) {
	ctx := WithPrincipal(context.Background(), "user-1")
	if got := PrincipalFromContext(ctx); got != "user-1" {
		t.Fatalf("principal = %q, want %q", got, "user-1")
	}
}

func TestPrincipalMissingReturnsEmpty(t *testing.T) {
	if got := PrincipalFromContext(context.Background()); got != "" {
		t.Fatalf("principal = %q, want empty", got)
	}
}

func TestPrincipalNilContext(t *testing.T) {
	if got := PrincipalFromContext(nil); got != "" { //nolint:staticcheck
		t.Fatalf("principal = %q, want empty", got)
	}
	ctx := WithPrincipal(nil, "user-2") //nolint:staticcheck
	if got := PrincipalFromContext(ctx); got != "user-2" {
		t.Fatalf("principal = %q, want %q", got, "user-2")
	}
}
