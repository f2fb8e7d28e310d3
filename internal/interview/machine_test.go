package interview_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/orchard/lifemap/internal/bus"
	"github.com/orchard/lifemap/internal/interview"
	"github.com/orchard/lifemap/internal/llm"
	"github.com/orchard/lifemap/internal/persistence"
)

type scriptedQuestions struct{}

func (scriptedQuestions) NextQuestion(_ context.Context, leafPath string) (string, error) {
	return "Tell me about " + leafPath + ".", nil
}

// scriptedEvaluator replays canned verdicts; when the script runs dry it
// reports covered.
type scriptedEvaluator struct {
	verdicts []llm.Verdict
	errs     []error
	calls    int
}

func (e *scriptedEvaluator) Evaluate(_ context.Context, _, _ string, _ []string) (llm.Verdict, error) {
	i := e.calls
	e.calls++
	if i < len(e.errs) && e.errs[i] != nil {
		return llm.Verdict{}, e.errs[i]
	}
	if i < len(e.verdicts) {
		return e.verdicts[i], nil
	}
	return llm.Verdict{Status: llm.VerdictComplete, Confidence: 1}, nil
}

func newTestMachine(t *testing.T, eval interview.Evaluator) (*interview.Machine, *persistence.Store, string, string, []string) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "lifemap.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	userID := uuid.NewString()
	if err := store.EnsureUser(ctx, userID, "test"); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	root, err := store.CreateArea(ctx, userID, "", "Health", 0)
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	var leaves []string
	for i, title := range []string{"Sleep", "Diet", "Exercise"} {
		id, err := store.CreateArea(ctx, userID, root, title, i)
		if err != nil {
			t.Fatalf("create leaf %s: %v", title, err)
		}
		leaves = append(leaves, id)
	}
	return interview.NewMachine(store, scriptedQuestions{}, eval), store, userID, root, leaves
}

func TestMachine_BeginActivatesFirstLeaf(t *testing.T) {
	m, store, userID, root, leaves := newTestMachine(t, &scriptedEvaluator{})
	ctx := context.Background()

	turn, err := m.Begin(ctx, userID, root)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if turn.Done {
		t.Fatalf("fresh interview reported done")
	}
	if turn.LeafID != leaves[0] {
		t.Fatalf("expected first leaf %s active, got %s", leaves[0], turn.LeafID)
	}
	if turn.Question == "" {
		t.Fatalf("expected an opening question")
	}

	cov, err := store.GetCoverage(ctx, leaves[0])
	if err != nil {
		t.Fatalf("get coverage: %v", err)
	}
	if cov.Status != persistence.LeafStatusActive {
		t.Fatalf("expected active, got %s", cov.Status)
	}

	// Begin again resumes the same open question instead of advancing.
	resumed, err := m.Begin(ctx, userID, root)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.LeafID != turn.LeafID || resumed.Question != turn.Question {
		t.Fatalf("resume changed the open question: %+v vs %+v", resumed, turn)
	}
}

func TestMachine_CoveredAnswerEnqueuesAndAdvances(t *testing.T) {
	eval := &scriptedEvaluator{verdicts: []llm.Verdict{{Status: llm.VerdictComplete, Confidence: 0.9}}}
	m, store, userID, root, leaves := newTestMachine(t, eval)
	ctx := context.Background()

	if _, err := m.Begin(ctx, userID, root); err != nil {
		t.Fatalf("begin: %v", err)
	}
	turn, err := m.Answer(ctx, userID, "I sleep six hours and wake up tired.")
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if turn.CoveredLeafID != leaves[0] {
		t.Fatalf("expected leaf %s covered, got %q", leaves[0], turn.CoveredLeafID)
	}
	if turn.LeafID != leaves[1] {
		t.Fatalf("expected next leaf %s active, got %s", leaves[1], turn.LeafID)
	}

	// Exactly one extraction task for the covered leaf, carrying the
	// question and answer message ids.
	claimed, err := store.ClaimPending(ctx, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected 1 task, got %d", len(claimed))
	}
	if claimed[0].LeafID != leaves[0] {
		t.Fatalf("task for wrong leaf %s", claimed[0].LeafID)
	}
	if len(claimed[0].MessageIDs) != 2 {
		t.Fatalf("expected question+answer snapshot, got %v", claimed[0].MessageIDs)
	}
}

func TestMachine_FollowUpKeepsLeafActive(t *testing.T) {
	eval := &scriptedEvaluator{verdicts: []llm.Verdict{
		{Status: llm.VerdictPartial, Confidence: 0.3, FollowUpQuestion: "How many hours do you actually sleep?"},
		{Status: llm.VerdictComplete, Confidence: 0.9},
	}}
	m, store, userID, root, leaves := newTestMachine(t, eval)
	ctx := context.Background()

	if _, err := m.Begin(ctx, userID, root); err != nil {
		t.Fatalf("begin: %v", err)
	}
	turn, err := m.Answer(ctx, userID, "Not great.")
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if turn.CoveredLeafID != "" {
		t.Fatalf("leaf closed on an uncovered verdict")
	}
	if turn.LeafID != leaves[0] {
		t.Fatalf("follow-up moved to leaf %s", turn.LeafID)
	}
	if turn.Question != "How many hours do you actually sleep?" {
		t.Fatalf("unexpected follow-up %q", turn.Question)
	}

	cov, _ := store.GetCoverage(ctx, leaves[0])
	if cov.Status != persistence.LeafStatusActive {
		t.Fatalf("expected still active, got %s", cov.Status)
	}

	// The second answer covers the leaf and the snapshot includes the
	// follow-up exchange.
	turn, err = m.Answer(ctx, userID, "About six hours, less on call weeks.")
	if err != nil {
		t.Fatalf("second answer: %v", err)
	}
	if turn.CoveredLeafID != leaves[0] {
		t.Fatalf("expected leaf covered after second answer")
	}
	claimed, _ := store.ClaimPending(ctx, 10)
	if len(claimed) != 1 || len(claimed[0].MessageIDs) != 4 {
		t.Fatalf("expected 4-message snapshot, got %v", claimed)
	}
}

func TestMachine_EvaluatorFailureLeavesStateUntouched(t *testing.T) {
	boom := errors.New("model overloaded")
	eval := &scriptedEvaluator{errs: []error{boom}}
	m, store, userID, root, leaves := newTestMachine(t, eval)
	ctx := context.Background()

	if _, err := m.Begin(ctx, userID, root); err != nil {
		t.Fatalf("begin: %v", err)
	}
	_, err := m.Answer(ctx, userID, "I sleep fine.")
	var evalErr *interview.EvaluationError
	if !errors.As(err, &evalErr) {
		t.Fatalf("expected EvaluationError, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
	if evalErr.LeafID != leaves[0] {
		t.Fatalf("error names wrong leaf %s", evalErr.LeafID)
	}

	// Leaf still active, no extraction enqueued, slot intact.
	cov, _ := store.GetCoverage(ctx, leaves[0])
	if cov.Status != persistence.LeafStatusActive {
		t.Fatalf("expected active after failure, got %s", cov.Status)
	}
	claimed, _ := store.ClaimPending(ctx, 10)
	if len(claimed) != 0 {
		t.Fatalf("extraction enqueued despite evaluation failure")
	}
	ic, _ := store.GetInterviewContext(ctx, userID)
	if ic == nil || ic.ActiveLeafID != leaves[0] {
		t.Fatalf("interview slot lost after failure")
	}

	// The failed turn's answer is retained and the next attempt succeeds.
	turn, err := m.Answer(ctx, userID, "Around six hours a night.")
	if err != nil {
		t.Fatalf("retry answer: %v", err)
	}
	if turn.CoveredLeafID != leaves[0] {
		t.Fatalf("expected recovery to cover the leaf")
	}
}

func TestMachine_SkipDoesNotEnqueue(t *testing.T) {
	m, store, userID, root, leaves := newTestMachine(t, &scriptedEvaluator{})
	ctx := context.Background()

	if _, err := m.Begin(ctx, userID, root); err != nil {
		t.Fatalf("begin: %v", err)
	}
	turn, err := m.Skip(ctx, userID)
	if err != nil {
		t.Fatalf("skip: %v", err)
	}
	if turn.SkippedLeafID != leaves[0] {
		t.Fatalf("expected leaf %s skipped, got %q", leaves[0], turn.SkippedLeafID)
	}
	if turn.LeafID != leaves[1] {
		t.Fatalf("expected next leaf %s, got %s", leaves[1], turn.LeafID)
	}

	claimed, _ := store.ClaimPending(ctx, 10)
	if len(claimed) != 0 {
		t.Fatalf("skipped leaf produced an extraction task")
	}
	cov, _ := store.GetCoverage(ctx, leaves[0])
	if cov.Status != persistence.LeafStatusSkipped {
		t.Fatalf("expected skipped, got %s", cov.Status)
	}
}

func TestMachine_SkippedVerdictClosesLeaf(t *testing.T) {
	eval := &scriptedEvaluator{verdicts: []llm.Verdict{
		{Status: llm.VerdictSkipped, Confidence: 0.8, Reason: "user does not know"},
	}}
	m, store, userID, root, leaves := newTestMachine(t, eval)
	ctx := context.Background()

	if _, err := m.Begin(ctx, userID, root); err != nil {
		t.Fatalf("begin: %v", err)
	}
	turn, err := m.Answer(ctx, userID, "I honestly have no idea, next please.")
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if turn.SkippedLeafID != leaves[0] {
		t.Fatalf("expected leaf %s skipped, got %q", leaves[0], turn.SkippedLeafID)
	}
	if turn.CoveredLeafID != "" {
		t.Fatalf("skipped verdict reported a covered leaf")
	}
	if turn.LeafID != leaves[1] {
		t.Fatalf("expected next leaf %s, got %s", leaves[1], turn.LeafID)
	}

	cov, _ := store.GetCoverage(ctx, leaves[0])
	if cov.Status != persistence.LeafStatusSkipped {
		t.Fatalf("expected skipped, got %s", cov.Status)
	}
	claimed, _ := store.ClaimPending(ctx, 10)
	if len(claimed) != 0 {
		t.Fatalf("skipped leaf produced an extraction task")
	}
}

func TestMachine_FullRunEndsDone(t *testing.T) {
	m, store, userID, root, leaves := newTestMachine(t, &scriptedEvaluator{})
	ctx := context.Background()

	if _, err := m.Begin(ctx, userID, root); err != nil {
		t.Fatalf("begin: %v", err)
	}
	var last *interview.Turn
	for i := 0; i < len(leaves); i++ {
		turn, err := m.Answer(ctx, userID, fmt.Sprintf("answer %d", i))
		if err != nil {
			t.Fatalf("answer %d: %v", i, err)
		}
		last = turn
	}
	if last == nil || !last.Done {
		t.Fatalf("expected done after covering all leaves, got %+v", last)
	}

	done, err := store.AllLeavesTerminal(ctx, root)
	if err != nil {
		t.Fatalf("all terminal: %v", err)
	}
	if !done {
		t.Fatalf("coverage not terminal after full run")
	}
	ic, _ := store.GetInterviewContext(ctx, userID)
	if ic != nil {
		t.Fatalf("interview slot not cleared at done")
	}
}

func TestMachine_PublishesDoneEvent(t *testing.T) {
	_, store, userID, root, _ := newTestMachine(t, &scriptedEvaluator{})
	ctx := context.Background()

	eventBus := bus.New()
	sub := eventBus.Subscribe(bus.TopicInterviewDone)
	defer eventBus.Unsubscribe(sub)
	m := interview.NewMachine(store, scriptedQuestions{},
		&scriptedEvaluator{}, interview.WithBus(eventBus))

	if _, err := m.Begin(ctx, userID, root); err != nil {
		t.Fatalf("begin: %v", err)
	}
	var done bool
	for i := 0; i < 3 && !done; i++ {
		turn, err := m.Skip(ctx, userID)
		if err != nil {
			t.Fatalf("skip %d: %v", i, err)
		}
		done = turn.Done
	}
	if !done {
		t.Fatal("interview did not finish")
	}

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(bus.InterviewEvent)
		if !ok {
			t.Fatalf("payload %T, want bus.InterviewEvent", ev.Payload)
		}
		if payload.RootAreaID != root || payload.UserID != userID {
			t.Fatalf("event %+v, want root %s user %s", payload, root, userID)
		}
	default:
		t.Fatal("no interview.done event published")
	}
}
