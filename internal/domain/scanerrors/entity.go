package scanerrors

import "time"

// ScanError is a persisted failure of one task, or of one tool inside it.
type ScanError struct {
    ID          int64     `json:"id"`
    TaskID      string    `json:"task_id"`
    ProjectID   string    `json:"project_id"`
    Class       string    `json:"class"`
    Stage       string    `json:"stage,omitempty"` // task state the error surfaced in
    Tool        string    `json:"tool,omitempty"`
    Message     string    `json:"message"`
    DetailsJSON string    `json:"details_json,omitempty"` // raw JSON string
    CreatedAt   time.Time `json:"created_at"`
}
