package identity

import (
	"context"
	"errors"
	"slices"
	"testing"
)

func TestNormalizeUserIDs(t *testing.T) {
	t.Parallel()

	got := NormalizeUserIDs([]string{" bob", "alice", "", "bob ", "  ", "carol"})
	want := []string{"bob", "alice", "carol"}
	if !slices.Equal(got, want) {
		t.Fatalf("NormalizeUserIDs = %v, want %v", got, want)
	}
}

func TestValidUserID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want bool
	}{
		{"01HZX3Q4Y0A6J8V2M5N7P9R1ST", true},
		{"user-42", true},
		{"", false},
		{"has space", false},
		{"tab\tid", false},
		{string(make([]byte, 65)), false},
	}
	for _, tc := range tests {
		if got := ValidUserID(tc.in); got != tc.want {
			t.Fatalf("ValidUserID(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestRequireUsers(t *testing.T) {
	t.Parallel()

	dir := NewPermissiveDirectory()
	dir.Forget("ghost", " phantom ")
	ctx := context.Background()

	if err := RequireUsers(ctx, dir, []string{"alice", "bob"}); err != nil {
		t.Fatalf("expected known users to resolve: %v", err)
	}
	if err := RequireUsers(ctx, dir, nil); err != nil {
		t.Fatalf("expected empty input to pass: %v", err)
	}

	err := RequireUsers(ctx, dir, []string{"alice", "ghost", "phantom"})
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	var unknown UnknownUsersError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownUsersError, got %T", err)
	}
	if !slices.Equal(unknown.UserIDs, []string{"ghost", "phantom"}) {
		t.Fatalf("unexpected missing ids: %v", unknown.UserIDs)
	}

	err = RequireUsers(ctx, dir, []string{"not valid"})
	if !IsInvalidInput(err) {
		t.Fatalf("expected invalid input, got %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := RequireUsers(cancelled, dir, []string{"alice"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
