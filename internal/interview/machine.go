// Package interview drives the leaf-by-leaf interview over a user's
// life-area tree: it activates leaves in pre-order, collects turns,
// asks the evaluator whether the active leaf is covered, and hands
// covered leaves to the extraction queue.
package interview

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/orchard/lifemap/internal/bus"
	"github.com/orchard/lifemap/internal/llm"
	"github.com/orchard/lifemap/internal/persistence"
)

// QuestionSource produces the opening question for a leaf.
type QuestionSource interface {
	NextQuestion(ctx context.Context, leafPath string) (string, error)
}

// Evaluator judges whether the active leaf is covered by the turns so far.
type Evaluator interface {
	Evaluate(ctx context.Context, leafPath, question string, turns []string) (llm.Verdict, error)
}

// EvaluationError wraps an evaluator failure. The turn that triggered it
// leaves no trace on coverage state: the leaf stays active and the slot
// keeps its message ids, so the caller can simply retry.
type EvaluationError struct {
	LeafID string
	Err    error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluate leaf %s: %v", e.LeafID, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// Turn is the machine's answer to one interview step.
type Turn struct {
	// Done is true once every leaf under the root is covered or skipped.
	Done bool

	// Question is the next thing to ask. Empty when Done.
	Question string

	// LeafID is the leaf the question belongs to. Empty when Done.
	LeafID string

	// CoveredLeafID is set when this step closed a leaf as covered.
	CoveredLeafID string

	// SkippedLeafID is set when this step closed a leaf as skipped.
	SkippedLeafID string
}

// Machine is the per-process interview driver. All durable state lives in
// the store; the machine itself is stateless and safe to recreate.
type Machine struct {
	store     *persistence.Store
	questions QuestionSource
	evaluator Evaluator
	eventBus  *bus.Bus
}

func NewMachine(store *persistence.Store, questions QuestionSource, evaluator Evaluator, opts ...Option) *Machine {
	m := &Machine{store: store, questions: questions, evaluator: evaluator}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Option tweaks optional machine wiring.
type Option func(*Machine)

// WithBus announces interview completion on the event bus. Leaf-level
// transitions are already published by the store; only the root-level
// done signal originates here.
func WithBus(eventBus *bus.Bus) Option {
	return func(m *Machine) { m.eventBus = eventBus }
}

// Begin bootstraps an interview over the root area: coverage rows are
// seeded, the first pending leaf activated, and its opening question
// stored in the user's interview slot. Resuming an already-started root
// picks up at the next pending leaf.
func (m *Machine) Begin(ctx context.Context, userID, rootAreaID string) (*Turn, error) {
	root, err := m.store.GetArea(ctx, rootAreaID)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, fmt.Errorf("root area %s not found", rootAreaID)
	}
	if root.ParentID != "" {
		return nil, fmt.Errorf("area %s is not a root", rootAreaID)
	}
	if err := m.store.InitCoverage(ctx, rootAreaID); err != nil {
		return nil, err
	}

	// An existing slot for this root means a question is already open.
	if ic, err := m.store.GetInterviewContext(ctx, userID); err != nil {
		return nil, err
	} else if ic != nil && ic.RootAreaID == rootAreaID {
		return &Turn{Question: ic.QuestionText, LeafID: ic.ActiveLeafID}, nil
	}

	return m.activateNext(ctx, userID, rootAreaID, nil)
}

// Answer records the user's reply to the open question and advances the
// machine on the evaluator's verdict. A complete verdict closes the leaf
// as covered and a skipped one closes it without extraction; partial asks
// a follow-up on the same leaf.
func (m *Machine) Answer(ctx context.Context, userID, text string) (*Turn, error) {
	ic, err := m.store.GetInterviewContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ic == nil {
		return nil, fmt.Errorf("no active interview for user %s", userID)
	}

	msgID, err := m.store.AddMessage(ctx, userID, "user", text)
	if err != nil {
		return nil, err
	}
	ic.MessageIDs = append(ic.MessageIDs, msgID)
	if err := m.store.SaveInterviewContext(ctx, *ic); err != nil {
		return nil, err
	}

	leafPath, err := m.store.LeafPath(ctx, ic.ActiveLeafID)
	if err != nil {
		return nil, err
	}
	turns, err := m.store.LoadMessageTexts(ctx, ic.MessageIDs)
	if err != nil {
		return nil, err
	}

	verdict, err := m.evaluator.Evaluate(ctx, leafPath, ic.QuestionText, turns)
	if err != nil {
		// The answer is already persisted in the slot; the leaf stays
		// active and the next Answer call re-evaluates with it included.
		return nil, &EvaluationError{LeafID: ic.ActiveLeafID, Err: err}
	}

	switch verdict.Status {
	case llm.VerdictComplete:
		return m.closeLeaf(ctx, ic, persistence.LeafStatusCovered)
	case llm.VerdictSkipped:
		// The user declined the topic; close the leaf without extraction.
		slog.Info("leaf skipped by evaluator",
			"leaf_id", ic.ActiveLeafID, "reason", verdict.Reason)
		return m.closeLeaf(ctx, ic, persistence.LeafStatusSkipped)
	}

	followUp := verdict.FollowUpQuestion
	if followUp == "" {
		followUp = ic.QuestionText
	}
	qID, err := m.store.AddMessage(ctx, userID, "assistant", followUp)
	if err != nil {
		return nil, err
	}
	ic.QuestionText = followUp
	ic.MessageIDs = append(ic.MessageIDs, qID)
	if err := m.store.SaveInterviewContext(ctx, *ic); err != nil {
		return nil, err
	}
	return &Turn{Question: followUp, LeafID: ic.ActiveLeafID}, nil
}

// Skip closes the active leaf as skipped without enqueueing extraction and
// moves to the next pending leaf.
func (m *Machine) Skip(ctx context.Context, userID string) (*Turn, error) {
	ic, err := m.store.GetInterviewContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ic == nil {
		return nil, fmt.Errorf("no active interview for user %s", userID)
	}
	return m.closeLeaf(ctx, ic, persistence.LeafStatusSkipped)
}

// closeLeaf transitions the active leaf to its terminal state, enqueues
// extraction for covered leaves, and activates the next pending leaf.
func (m *Machine) closeLeaf(ctx context.Context, ic *persistence.InterviewContext, to persistence.LeafStatus) (*Turn, error) {
	ok, err := m.store.TransitionLeaf(ctx, ic.ActiveLeafID,
		[]persistence.LeafStatus{persistence.LeafStatusActive}, to)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("leaf %s is not active", ic.ActiveLeafID)
	}

	var closed Turn
	switch to {
	case persistence.LeafStatusCovered:
		closed.CoveredLeafID = ic.ActiveLeafID
		// Enqueue with the slot's message id snapshot. Coverage has already
		// committed; if the enqueue fails the leaf stays covered and the
		// maintenance sweep cannot recover it, so surface the error loudly.
		taskID, err := m.store.Enqueue(ctx, ic.ActiveLeafID, ic.RootAreaID, ic.MessageIDs)
		if err != nil {
			return nil, fmt.Errorf("enqueue extraction for covered leaf %s: %w", ic.ActiveLeafID, err)
		}
		slog.Info("leaf covered, extraction enqueued",
			"leaf_id", ic.ActiveLeafID, "root_area_id", ic.RootAreaID, "task_id", taskID)
	case persistence.LeafStatusSkipped:
		closed.SkippedLeafID = ic.ActiveLeafID
		slog.Info("leaf skipped", "leaf_id", ic.ActiveLeafID, "root_area_id", ic.RootAreaID)
	}

	next, err := m.activateNext(ctx, ic.UserID, ic.RootAreaID, &closed)
	if err != nil {
		return nil, err
	}
	return next, nil
}

// activateNext moves the first pending leaf to active and opens a question
// for it. With no pending leaves left, the slot is cleared and Done
// returned. carry, when non-nil, contributes the closed-leaf fields of the
// returned turn.
func (m *Machine) activateNext(ctx context.Context, userID, rootAreaID string, carry *Turn) (*Turn, error) {
	out := Turn{}
	if carry != nil {
		out = *carry
	}

	for {
		next, err := m.store.NextPendingLeaf(ctx, rootAreaID)
		if err != nil {
			return nil, err
		}
		if next == nil {
			if err := m.store.ClearInterviewContext(ctx, userID); err != nil {
				return nil, err
			}
			out.Done = true
			slog.Info("interview finished", "user_id", userID, "root_area_id", rootAreaID)
			if m.eventBus != nil {
				m.eventBus.Publish(bus.TopicInterviewDone, bus.InterviewEvent{UserID: userID, RootAreaID: rootAreaID})
			}
			return &out, nil
		}

		ok, err := m.store.TransitionLeaf(ctx, next.LeafID,
			[]persistence.LeafStatus{persistence.LeafStatusPending}, persistence.LeafStatusActive)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Lost a race; pick again.
			continue
		}

		leafPath, err := m.store.LeafPath(ctx, next.LeafID)
		if err != nil {
			return nil, err
		}
		question, err := m.questions.NextQuestion(ctx, leafPath)
		if err != nil {
			return nil, fmt.Errorf("generate question for %s: %w", next.LeafID, err)
		}
		qID, err := m.store.AddMessage(ctx, userID, "assistant", question)
		if err != nil {
			return nil, err
		}
		if err := m.store.SaveInterviewContext(ctx, persistence.InterviewContext{
			UserID:       userID,
			RootAreaID:   rootAreaID,
			ActiveLeafID: next.LeafID,
			QuestionText: question,
			MessageIDs:   []int64{qID},
		}); err != nil {
			return nil, err
		}

		out.Question = question
		out.LeafID = next.LeafID
		return &out, nil
	}
}
