package main

import (
	"reflect"
	"testing"
)

func TestCommandOrDefault(t *testing.T) {
	t.Parallel()

	fallback := []string{"uvicorn", "app.main:app"}

	if got := commandOrDefault("", "", fallback); !reflect.DeepEqual(got, fallback) {
		t.Fatalf("expected fallback, got %v", got)
	}
	if got := commandOrDefault("python -m http.server 8000", "", fallback); !reflect.DeepEqual(got, []string{"python", "-m", "http.server", "8000"}) {
		t.Fatalf("expected flag override split into argv, got %v", got)
	}
	if got := commandOrDefault("", "gunicorn app:app", fallback); !reflect.DeepEqual(got, []string{"gunicorn", "app:app"}) {
		t.Fatalf("expected env override, got %v", got)
	}
	if got := commandOrDefault("flag-cmd", "env-cmd", fallback); !reflect.DeepEqual(got, []string{"flag-cmd"}) {
		t.Fatalf("expected flag to win over env, got %v", got)
	}
}

func TestFirstNonEmpty(t *testing.T) {
	t.Parallel()

	if got := firstNonEmpty("", " ", "x"); got != "x" {
		t.Fatalf("expected x, got %q", got)
	}
}
