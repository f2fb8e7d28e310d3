package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/orchard/lifemap/internal/interview"
	"github.com/orchard/lifemap/internal/llm"
	"github.com/orchard/lifemap/internal/persistence"
)

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\nLIFEMAP_TEST_KEY=from_file\n\nMALFORMED LINE\n=no_key\nLIFEMAP_TEST_EXISTING=from_file\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv("LIFEMAP_TEST_EXISTING", "from_env")
	t.Setenv("LIFEMAP_TEST_KEY", "")
	os.Unsetenv("LIFEMAP_TEST_KEY")

	loadDotEnv(path)

	if got := os.Getenv("LIFEMAP_TEST_KEY"); got != "from_file" {
		t.Fatalf("LIFEMAP_TEST_KEY = %q, want from_file", got)
	}
	// Existing env vars win over the file.
	if got := os.Getenv("LIFEMAP_TEST_EXISTING"); got != "from_env" {
		t.Fatalf("LIFEMAP_TEST_EXISTING = %q, want from_env", got)
	}
}

func TestLoadUserIDStable(t *testing.T) {
	home := t.TempDir()

	first, err := loadUserID(home)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	if _, err := uuid.Parse(first); err != nil {
		t.Fatalf("generated id %q is not a uuid", first)
	}

	second, err := loadUserID(home)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if second != first {
		t.Fatalf("user id changed between runs: %q vs %q", first, second)
	}
}

func TestLoadUserIDRejectsGarbage(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "user.id"), []byte("not-a-uuid\n"), 0o600); err != nil {
		t.Fatalf("write garbage id: %v", err)
	}
	id, err := loadUserID(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("id %q is not a uuid", id)
	}
	if id == "not-a-uuid" {
		t.Fatal("garbage id was accepted")
	}
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "lifemap.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSeedStarterAreasOnce(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	userID := uuid.NewString()
	if err := store.EnsureUser(ctx, userID, ""); err != nil {
		t.Fatalf("ensure user: %v", err)
	}

	created, err := seedStarterAreas(ctx, store, userID)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if created == 0 {
		t.Fatal("nothing seeded on first run")
	}

	roots, err := store.ListRoots(ctx, userID)
	if err != nil {
		t.Fatalf("list roots: %v", err)
	}
	if len(roots) != len(starterAreas) {
		t.Fatalf("got %d roots, want %d", len(roots), len(starterAreas))
	}
	if roots[0].Title != "Health" {
		t.Fatalf("first root %q, want Health", roots[0].Title)
	}

	// Re-seeding an already-populated user is a no-op.
	again, err := seedStarterAreas(ctx, store, userID)
	if err != nil {
		t.Fatalf("re-seed: %v", err)
	}
	if again != 0 {
		t.Fatalf("re-seed created %d areas, want 0", again)
	}
}

type alwaysCoveredEvaluator struct{}

func (alwaysCoveredEvaluator) Evaluate(_ context.Context, _, _ string, _ []string) (llm.Verdict, error) {
	return llm.Verdict{Status: llm.VerdictComplete, Confidence: 1}, nil
}

type pathQuestions struct{}

func (pathQuestions) NextQuestion(_ context.Context, leafPath string) (string, error) {
	return "Tell me about " + leafPath + ".", nil
}

func TestInterviewREPLRunsToCompletion(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	userID := uuid.NewString()
	if err := store.EnsureUser(ctx, userID, ""); err != nil {
		t.Fatalf("ensure user: %v", err)
	}

	rootID, err := store.CreateArea(ctx, userID, "", "Health", 0)
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	for i, title := range []string{"Sleep", "Diet"} {
		if _, err := store.CreateArea(ctx, userID, rootID, title, i); err != nil {
			t.Fatalf("create leaf: %v", err)
		}
	}

	machine := interview.NewMachine(store, pathQuestions{}, alwaysCoveredEvaluator{})

	input := strings.NewReader("I sleep well.\n/skip\n")
	var out bytes.Buffer
	if err := runInterviewREPL(ctx, machine, store, userID, input, &out); err != nil {
		t.Fatalf("repl: %v", err)
	}

	if !strings.Contains(out.String(), "Interview complete") {
		t.Fatalf("completion message missing from output:\n%s", out.String())
	}

	done, err := store.AllLeavesTerminal(ctx, rootID)
	if err != nil {
		t.Fatalf("all leaves terminal: %v", err)
	}
	if !done {
		t.Fatal("leaves not all terminal after REPL run")
	}
}
