package entities

// Role identifies which side of the conversation produced a piece of text.
type Role string

const (
	RoleCaller Role = "user"
	RoleAgent  Role = "agent"
)

// Segment is one incremental speech-recognition update within a turn.
// Recognizers may revise the text of an earlier ordinal before finalizing it.
type Segment struct {
	TurnID  uint64 `json:"turn_id"`
	Ordinal int    `json:"ordinal"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// RetrievedChunk is an immutable knowledge-base match returned by the vector
// store. Score is nil when the store could not score the match.
type RetrievedChunk struct {
	Text     string   `json:"text"`
	Score    *float64 `json:"score"`
	Filename string   `json:"filename"`
	DocID    string   `json:"doc_id"`
}

// TranscriptMessage is a committed piece of the conversation transcript.
// It is produced only from finalized turns and never mutated after commit.
type TranscriptMessage struct {
	Role   Role   `json:"role"`
	Text   string `json:"text"`
	TurnID uint64 `json:"turn_id"`
}

// RetrievalOutcome records what retrieval produced for a turn.
type RetrievalOutcome string

const (
	RetrievalNone   RetrievalOutcome = "none"   // filter skipped retrieval
	RetrievalEmpty  RetrievalOutcome = "empty"  // ran but nothing above threshold
	RetrievalChunks RetrievalOutcome = "chunks" // ran and returned context
)

// TurnState is the terminal disposition of a turn.
type TurnState string

const (
	TurnPending   TurnState = "pending"
	TurnAnswered  TurnState = "answered"
	TurnCancelled TurnState = "cancelled"
	TurnFailed    TurnState = "failed"
)

// Turn is one caller utterance plus the agent's response to it.
type Turn struct {
	ID         uint64
	CallerText string
	Finalized  bool
	Retrieval  RetrievalOutcome
	Chunks     []RetrievedChunk
	AgentText  string
	State      TurnState
}

// StaleAgainst reports whether the turn has been superseded by a newer turn
// id. A stale turn's in-flight work is discarded, never merged into output.
func (t *Turn) StaleAgainst(currentTurnID uint64) bool {
	return t.ID < currentTurnID
}
