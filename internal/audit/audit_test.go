package audit

import (
	"context"
	"strings"
	"testing"
)

func TestOpen_NoneAndEmptyYieldNop(t *testing.T) {
	for _, kind := range []string{"", "none"} {
		repo, err := Open(context.Background(), Config{Kind: kind})
		if err != nil {
			t.Fatalf("Open(%q): %v", kind, err)
		}
		if _, ok := repo.(Nop); !ok {
			t.Fatalf("Open(%q) = %T, want Nop", kind, repo)
		}
	}
}

func TestOpen_UnknownKindListsRegistered(t *testing.T) {
	Register("fake-backend", func(ctx context.Context, cfg Config) (Repository, error) {
		return Nop{}, nil
	})

	_, err := Open(context.Background(), Config{Kind: "nope"})
	if err == nil {
		t.Fatalf("expected error for unknown kind")
	}
	if !strings.Contains(err.Error(), `kind="nope"`) || !strings.Contains(err.Error(), "fake-backend") {
		t.Fatalf("error should name the kind and list registered backends: %v", err)
	}

	repo, err := Open(context.Background(), Config{Kind: "fake-backend"})
	if err != nil {
		t.Fatalf("Open registered kind: %v", err)
	}
	repo.Close()
}

func TestRegister_Panics(t *testing.T) {
	mustPanic := func(name string, f func()) {
		t.Helper()
		defer func() {
			if recover() == nil {
				t.Fatalf("%s: expected panic", name)
			}
		}()
		f()
	}

	mustPanic("empty kind", func() { Register("", func(context.Context, Config) (Repository, error) { return Nop{}, nil }) })
	mustPanic("nil factory", func() { Register("nilfactory", nil) })

	Register("dup-kind", func(context.Context, Config) (Repository, error) { return Nop{}, nil })
	mustPanic("duplicate kind", func() {
		Register("dup-kind", func(context.Context, Config) (Repository, error) { return Nop{}, nil })
	})
}
