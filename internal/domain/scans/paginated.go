package scans

// PaginatedResult represents a paginated list of task runs with metadata
type PaginatedResult struct {
	Data       []*TaskRun `json:"data"`
	Page       int        `json:"page"`
	PageSize   int        `json:"pageSize"`
	Total      int64      `json:"totalItems"`
	TotalPages int        `json:"totalPages"`
}
