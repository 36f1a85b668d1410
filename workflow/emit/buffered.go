package emit

import "sync"

// BufferedEmitter stores events in memory, grouped by workflow id.
//
// It is intended for tests and debugging. Every event is retained until
// Clear is called.
//
//	emitter := emit.NewBufferedEmitter()
//	t, _ := workflow.New(workflow.WithEmitter(emitter), ...)
//	...
//	replays := emitter.GetHistoryWithFilter("order-42", emit.HistoryFilter{Msg: emit.MsgStepReplay})
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // workflowID -> events
}

// HistoryFilter selects events from a workflow's history. Zero-valued
// fields do not filter; set fields are combined with AND.
type HistoryFilter struct {
	StepKey     string // exact step key
	Msg         string // exact event name
	MinPosition *int   // position >= MinPosition
	MaxPosition *int   // position <= MaxPosition
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit appends the event to its workflow's history.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.WorkflowID] = append(b.events[event.WorkflowID], event)
}

// GetHistory returns a copy of all events recorded for workflowID, in
// emission order. The result is never nil.
func (b *BufferedEmitter) GetHistory(workflowID string) []Event {
	return b.GetHistoryWithFilter(workflowID, HistoryFilter{})
}

// GetHistoryWithFilter returns the events recorded for workflowID that
// match filter, in emission order. The result is never nil.
func (b *BufferedEmitter) GetHistoryWithFilter(workflowID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]Event, 0, len(b.events[workflowID]))
	for _, event := range b.events[workflowID] {
		if filter.matches(event) {
			result = append(result, event)
		}
	}
	return result
}

// Count returns how many events named msg were recorded for workflowID.
func (b *BufferedEmitter) Count(workflowID, msg string) int {
	return len(b.GetHistoryWithFilter(workflowID, HistoryFilter{Msg: msg}))
}

func (f HistoryFilter) matches(event Event) bool {
	if f.StepKey != "" && event.StepKey != f.StepKey {
		return false
	}
	if f.Msg != "" && event.Msg != f.Msg {
		return false
	}
	if f.MinPosition != nil && event.Position < *f.MinPosition {
		return false
	}
	if f.MaxPosition != nil && event.Position > *f.MaxPosition {
		return false
	}
	return true
}

// Clear removes the history of workflowID, or of every workflow when
// workflowID is empty.
func (b *BufferedEmitter) Clear(workflowID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if workflowID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, workflowID)
}
