package copilot

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Local State Types
// ============================================================================

// CaseRecord is the locally cached view of a troubleshooting case. While
// Optimistic is true the CaseID is client-minted and the record exists only
// in local state, pending confirmation by the service.
type CaseRecord struct {
	CaseID     string    `json:"caseId"`
	Title      string    `json:"title"`
	Status     string    `json:"status"`
	OwnerID    string    `json:"ownerId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	Pinned     bool      `json:"pinned,omitempty"`
	Optimistic bool      `json:"optimistic,omitempty"`
}

// ConversationItem is one rendered fragment of a case conversation: a user
// question, an agent response, or a pending placeholder for either.
type ConversationItem struct {
	ID         string    `json:"id"`
	Question   string    `json:"question,omitempty"`
	Response   string    `json:"response,omitempty"`
	TurnNumber int       `json:"turnNumber,omitempty"`
	Optimistic bool      `json:"optimistic,omitempty"`
	Loading    bool      `json:"loading,omitempty"`
	Failed     bool      `json:"failed,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	CaseStatus string    `json:"caseStatus,omitempty"`
}

// CaseThread holds the cached conversation for one case. Hydrated is false
// for placeholders created by recovery: the message bodies have not been
// fetched yet and the first open of the case must do exactly one fetch.
type CaseThread struct {
	Items    []ConversationItem `json:"items"`
	Hydrated bool               `json:"hydrated"`
}

// Title provenance. User titles win over automatically derived ones.
const (
	TitleSourceUser = "user"
	TitleSourceAuto = "auto"
)

// ============================================================================
// Service Wire Types
// ============================================================================

// CaseData is the service's representation of a case.
type CaseData struct {
	CaseID    string `json:"case_id"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	OwnerID   string `json:"owner_id,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Record converts service case data to a local CaseRecord.
func (d *CaseData) Record() CaseRecord {
	return CaseRecord{
		CaseID:    d.CaseID,
		Title:     d.Title,
		Status:    d.Status,
		OwnerID:   d.OwnerID,
		CreatedAt: parseTime(d.CreatedAt),
		UpdatedAt: parseTime(d.UpdatedAt),
	}
}

// TurnData is the service's response to a submitted turn.
type TurnData struct {
	CaseID        string `json:"case_id"`
	AgentResponse string `json:"agent_response"`
	TurnNumber    int    `json:"turn_number"`
	CaseStatus    string `json:"case_status"`
}

// ConversationMessage is one stored message of a case conversation.
type ConversationMessage struct {
	MessageID     string `json:"message_id"`
	Role          string `json:"role"`
	Content       string `json:"content"`
	CreatedAt     string `json:"created_at"`
	TurnNumber    int    `json:"turn_number"`
	CaseStatus    string `json:"case_status,omitempty"`
	ClosureReason string `json:"closure_reason,omitempty"`
	ClosedAt      string `json:"closed_at,omitempty"`
}

// ConversationData is the full conversation payload for one case.
type ConversationData struct {
	Messages       []ConversationMessage `json:"messages"`
	TotalCount     int                   `json:"total_count"`
	RetrievedCount int                   `json:"retrieved_count"`
}

// UploadResult describes a completed case-data upload.
type UploadResult struct {
	UploadID string `json:"upload_id"`
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
}

// SessionData is the response to a session refresh.
type SessionData struct {
	Token     string `json:"token"`
	ExpiresIn string `json:"expires_in,omitempty"`
}

// ListCasesFilters narrows a list-cases request.
type ListCasesFilters struct {
	Status string
	Limit  int
	Offset int
}

// Result is the generic service response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
