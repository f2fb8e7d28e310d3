package persistence_test

import (
	"context"
	"testing"

	"github.com/orchard/lifemap/internal/persistence"
)

func TestAreas_ListDescendantsPreOrder(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	userID := seedUser(t, store)
	root, _ := seedTree(t, store, userID)

	ordered, err := store.ListDescendants(ctx, root)
	if err != nil {
		t.Fatalf("list descendants: %v", err)
	}
	titles := make([]string, len(ordered))
	for i, n := range ordered {
		titles[i] = n.Title
	}
	want := []string{"Health", "Sleep", "Fitness", "Cardio", "Strength"}
	if len(titles) != len(want) {
		t.Fatalf("expected %d nodes, got %v", len(want), titles)
	}
	for i := range want {
		if titles[i] != want[i] {
			t.Fatalf("pre-order mismatch at %d: want %s, got %s (full: %v)", i, want[i], titles[i], titles)
		}
	}
}

func TestAreas_ListLeaves(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	userID := seedUser(t, store)
	root, leafIDs := seedTree(t, store, userID)

	leaves, err := store.ListLeaves(ctx, root)
	if err != nil {
		t.Fatalf("list leaves: %v", err)
	}
	if len(leaves) != len(leafIDs) {
		t.Fatalf("expected %d leaves, got %d", len(leafIDs), len(leaves))
	}
	for i := range leafIDs {
		if leaves[i].ID != leafIDs[i] {
			t.Fatalf("leaf order mismatch at %d: want %s, got %s", i, leafIDs[i], leaves[i].ID)
		}
	}
}

func TestAreas_SingleNodeRootIsItsOwnLeaf(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	userID := seedUser(t, store)
	root, err := store.CreateArea(ctx, userID, "", "Finances", 0)
	if err != nil {
		t.Fatalf("create root: %v", err)
	}

	leaves, err := store.ListLeaves(ctx, root)
	if err != nil {
		t.Fatalf("list leaves: %v", err)
	}
	if len(leaves) != 1 || leaves[0].ID != root {
		t.Fatalf("expected root as its own leaf, got %v", leaves)
	}
}

func TestAreas_LeafPathRendersTitles(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	userID := seedUser(t, store)
	_, leaves := seedTree(t, store, userID)

	path, err := store.LeafPath(ctx, leaves[1])
	if err != nil {
		t.Fatalf("leaf path: %v", err)
	}
	if path != "Health > Fitness > Cardio" {
		t.Fatalf("unexpected path %q", path)
	}
}

func TestAreas_MarkExtractedAppliesOnce(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	userID := seedUser(t, store)
	root, _ := seedTree(t, store, userID)

	applied, err := store.MarkExtracted(ctx, root)
	if err != nil {
		t.Fatalf("mark extracted: %v", err)
	}
	if !applied {
		t.Fatalf("expected first stamp to apply")
	}

	// Second dispatch for the same root is a no-op.
	applied, err = store.MarkExtracted(ctx, root)
	if err != nil {
		t.Fatalf("mark extracted again: %v", err)
	}
	if applied {
		t.Fatalf("expected repeat stamp to be rejected")
	}

	area, err := store.GetArea(ctx, root)
	if err != nil {
		t.Fatalf("get area: %v", err)
	}
	if area.ExtractedAt == nil {
		t.Fatalf("extracted_at not set")
	}

	if err := store.ClearExtracted(ctx, root); err != nil {
		t.Fatalf("clear extracted: %v", err)
	}
	applied, err = store.MarkExtracted(ctx, root)
	if err != nil {
		t.Fatalf("mark after clear: %v", err)
	}
	if !applied {
		t.Fatalf("expected stamp to apply after clear")
	}
}

func TestAreas_MarkExtractedIgnoresNonRoots(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	userID := seedUser(t, store)
	_, leaves := seedTree(t, store, userID)

	applied, err := store.MarkExtracted(ctx, leaves[0])
	if err != nil {
		t.Fatalf("mark extracted: %v", err)
	}
	if applied {
		t.Fatalf("non-root accepted an extraction stamp")
	}
}

func TestMessages_LoadMessageTextsSkipsMissingIDs(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	userID := seedUser(t, store)

	first, err := store.AddMessage(ctx, userID, "assistant", "How is your sleep lately?")
	if err != nil {
		t.Fatalf("add message: %v", err)
	}
	second, err := store.AddMessage(ctx, userID, "user", "Rough. About six hours.")
	if err != nil {
		t.Fatalf("add message: %v", err)
	}

	texts, err := store.LoadMessageTexts(ctx, []int64{first, 9999, second})
	if err != nil {
		t.Fatalf("load texts: %v", err)
	}
	if len(texts) != 2 {
		t.Fatalf("expected 2 texts, got %d: %v", len(texts), texts)
	}
	if texts[0] != "assistant: How is your sleep lately?" {
		t.Fatalf("unexpected first text %q", texts[0])
	}
	if texts[1] != "user: Rough. About six hours." {
		t.Fatalf("unexpected second text %q", texts[1])
	}
}

func TestInterviewContext_ReplaceByUser(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	userID := seedUser(t, store)
	root, leaves := seedTree(t, store, userID)

	ic := persistence.InterviewContext{
		UserID:       userID,
		RootAreaID:   root,
		ActiveLeafID: leaves[0],
		QuestionText: "How is your sleep lately?",
		MessageIDs:   []int64{1, 2},
	}
	if err := store.SaveInterviewContext(ctx, ic); err != nil {
		t.Fatalf("save context: %v", err)
	}

	// Saving again replaces the slot rather than adding a second one.
	ic.ActiveLeafID = leaves[1]
	ic.MessageIDs = []int64{3}
	if err := store.SaveInterviewContext(ctx, ic); err != nil {
		t.Fatalf("replace context: %v", err)
	}

	got, err := store.GetInterviewContext(ctx, userID)
	if err != nil {
		t.Fatalf("get context: %v", err)
	}
	if got.ActiveLeafID != leaves[1] {
		t.Fatalf("expected active leaf %s, got %s", leaves[1], got.ActiveLeafID)
	}
	if len(got.MessageIDs) != 1 || got.MessageIDs[0] != 3 {
		t.Fatalf("expected message ids [3], got %v", got.MessageIDs)
	}

	if err := store.ClearInterviewContext(ctx, userID); err != nil {
		t.Fatalf("clear context: %v", err)
	}
	got, err = store.GetInterviewContext(ctx, userID)
	if err != nil {
		t.Fatalf("get cleared context: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil context after clear, got %+v", got)
	}
}

func TestKnowledge_ReplaceByRootIsIdempotent(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	userID := seedUser(t, store)
	root, _ := seedTree(t, store, userID)

	first := []persistence.KnowledgeItem{
		{Kind: "fact", Content: "sleeps six hours", Confidence: 0.9},
		{Kind: "goal", Content: "wants to run a half marathon", Confidence: 0.7},
	}
	if err := store.ReplaceKnowledge(ctx, userID, root, first); err != nil {
		t.Fatalf("replace knowledge: %v", err)
	}

	second := []persistence.KnowledgeItem{
		{Kind: "fact", Content: "sleeps six hours on weekdays", Confidence: 0.95},
	}
	if err := store.ReplaceKnowledge(ctx, userID, root, second); err != nil {
		t.Fatalf("replace knowledge again: %v", err)
	}

	items, err := store.ListKnowledgeByRoot(ctx, root)
	if err != nil {
		t.Fatalf("list knowledge: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected replacement to leave 1 item, got %d", len(items))
	}
	if items[0].Content != "sleeps six hours on weekdays" {
		t.Fatalf("unexpected content %q", items[0].Content)
	}
}
