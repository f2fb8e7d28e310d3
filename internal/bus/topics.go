package bus

// Interview lifecycle topics.
const (
	TopicLeafActivated = "interview.leaf_activated"
	TopicLeafCovered   = "interview.leaf_covered"
	TopicLeafSkipped   = "interview.leaf_skipped"
	TopicInterviewDone = "interview.done"
)

// Extraction queue topics.
const (
	TopicTaskEnqueued   = "extraction.task_enqueued"
	TopicTaskCompleted  = "extraction.task_completed"
	TopicTaskFailed     = "extraction.task_failed"
	TopicTaskDeadLetter = "extraction.task_dead_letter"
)

// Knowledge cascade topics.
const (
	TopicKnowledgeRequested = "knowledge.requested"
	TopicKnowledgeExtracted = "knowledge.extracted"
)

// InterviewEvent is published when a root's interview finishes.
type InterviewEvent struct {
	UserID     string
	RootAreaID string
}

// LeafEvent is published on leaf status transitions.
type LeafEvent struct {
	LeafID     string // leaf area id
	RootAreaID string // interview root
	Status     string // new coverage status
}

// TaskEvent is published on extraction queue transitions.
type TaskEvent struct {
	TaskID     string
	LeafID     string
	RootAreaID string
	RetryCount int
	Error      string // set for failures
}

// KnowledgeEvent is published when a root's knowledge extraction is
// requested or completed.
type KnowledgeEvent struct {
	RootAreaID string
	UserID     string
	Items      int // extracted item count, completion only
}
