package domain

type DocumentState string

const (
	StateDraft     DocumentState = "DRAFT"
	StateValidated DocumentState = "VALIDATED"
	StateSubmitted DocumentState = "SUBMITTED"
	StateAccepted  DocumentState = "ACCEPTED"
	StateRejected  DocumentState = "REJECTED"
	StateCancelled DocumentState = "CANCELLED"
	StateCNIssued  DocumentState = "CN_ISSUED"
	StateDNIssued  DocumentState = "DN_ISSUED"
)

type EventType string

const (
	EventCreated   EventType = "CREATED"
	EventValidated EventType = "VALIDATED"
	EventSubmitted EventType = "SUBMITTED"
	EventAccepted  EventType = "ACCEPTED"
	EventRejected  EventType = "REJECTED"
	EventCancelled EventType = "CANCELLED"
	EventCNIssued  EventType = "CN_ISSUED"
	EventDNIssued  EventType = "DN_ISSUED"
)

type ActorType string

const (
	ActorUser   ActorType = "USER"
	ActorSystem ActorType = "SYSTEM"
	ActorAPI    ActorType = "API"
)

// transitions is keyed by the previous state; the empty key is a document
// with no events yet. ACCEPTED has no outgoing edges: credit/debit note
// issuance is handled outside this service.
var transitions = map[DocumentState][]DocumentState{
	"":             {StateDraft},
	StateDraft:     {StateValidated, StateCancelled},
	StateValidated: {StateSubmitted, StateCancelled},
	StateSubmitted: {StateAccepted, StateRejected, StateCancelled},
	StateRejected:  {StateValidated},
	StateAccepted:  nil,
	StateCancelled: nil,
}

// IsValidTransition reports whether a document may move from previous to next.
// A nil previous means the document has no history.
func IsValidTransition(previous *DocumentState, next DocumentState) bool {
	var from DocumentState
	if previous != nil {
		from = *previous
	}
	for _, allowed := range transitions[from] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the states reachable from previous.
func AllowedTransitions(previous *DocumentState) []DocumentState {
	var from DocumentState
	if previous != nil {
		from = *previous
	}
	out := make([]DocumentState, len(transitions[from]))
	copy(out, transitions[from])
	return out
}

func IsTerminal(state DocumentState) bool {
	return len(transitions[state]) == 0
}

func ValidDocumentState(s DocumentState) bool {
	switch s {
	case StateDraft, StateValidated, StateSubmitted, StateAccepted, StateRejected, StateCancelled, StateCNIssued, StateDNIssued:
		return true
	}
	return false
}

func ValidEventType(t EventType) bool {
	switch t {
	case EventCreated, EventValidated, EventSubmitted, EventAccepted, EventRejected, EventCancelled, EventCNIssued, EventDNIssued:
		return true
	}
	return false
}

func ValidActorType(t ActorType) bool {
	switch t {
	case ActorUser, ActorSystem, ActorAPI:
		return true
	}
	return false
}

func StatePtr(s DocumentState) *DocumentState {
	return &s
}
