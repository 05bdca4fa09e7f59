package domain

import (
	"errors"
	"testing"
	"time"
)

func TestParseState(t *testing.T) {
	tests := []struct {
		in      string
		want    State
		wantErr bool
	}{
		{"pending", Pending, false},
		{" Processing ", Processing, false},
		{"completed", Completed, false},
		{"dead", Dead, false},
		{"failed", Dead, false},
		{"queued", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseState(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseState(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("ParseState(%q) err = %v, want ErrInvalidInput", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParseState(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEffectiveMaxRetries(t *testing.T) {
	j := &Job{}
	if got := j.EffectiveMaxRetries(3); got != 3 {
		t.Fatalf("default = %d, want 3", got)
	}
	zero := 0
	j.MaxRetries = &zero
	if got := j.EffectiveMaxRetries(3); got != 0 {
		t.Fatalf("explicit zero = %d, want 0", got)
	}
}

func TestFilterMatches(t *testing.T) {
	now := time.Now()
	dead := Dead
	before := now.Add(time.Minute)
	f := Filter{State: &dead, UpdatedBefore: &before}

	if !f.Matches(&Job{State: Dead, UpdatedAt: now}) {
		t.Fatal("expected dead job updated before cutoff to match")
	}
	if f.Matches(&Job{State: Pending, UpdatedAt: now}) {
		t.Fatal("pending job must not match a dead filter")
	}
	if f.Matches(&Job{State: Dead, UpdatedAt: before}) {
		t.Fatal("cutoff is exclusive")
	}
}

func TestValidationErrorUnwrap(t *testing.T) {
	var err error = &ValidationError{Field: "Command", Message: "required"}
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatal("ValidationError should unwrap to ErrInvalidInput")
	}
	if err.Error() != "Command: required" {
		t.Fatalf("Error() = %q", err.Error())
	}
}
