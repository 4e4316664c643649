package pipeline

import "time"

// StageEventKind labels engine progress notifications.
type StageEventKind string

const (
	EventStageStarted    StageEventKind = "stage_started"
	EventStageCompleted  StageEventKind = "stage_completed"
	EventStageFailed     StageEventKind = "stage_failed"
	EventStageRetrying   StageEventKind = "stage_retrying"
	EventCheckpointSaved StageEventKind = "checkpoint_saved"
	EventEdgeSelected    StageEventKind = "edge_selected"
	EventRunRestarted    StageEventKind = "run_restarted"
)

// StageEvent is emitted by the engine as a run progresses. Outcome is set for
// stage_completed and stage_failed; Edge is set for edge_selected.
type StageEvent struct {
	Kind    StageEventKind
	NodeID  string
	Attempt int
	Outcome *Outcome
	Edge    *Edge
	Message string
	Time    time.Time
}

// Listener receives engine events. Listeners run synchronously on the engine
// goroutine and must not block.
type Listener func(StageEvent)

func (e *Engine) emit(ev StageEvent) {
	if e.listener == nil {
		return
	}
	ev.Time = time.Now()
	e.listener(ev)
}
