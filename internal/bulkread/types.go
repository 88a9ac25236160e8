// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package bulkread

import (
	"encoding/json"
	"io"
	"strings"
)

// State is a server-side bulk-read job state.
type State string

// Job states reported by the API. "IN PROGRESS" is the documented spelling.
const (
	StateAdded      State = "ADDED"
	StateQueued     State = "QUEUED"
	StateInProgress State = "IN PROGRESS"
	StateCompleted  State = "COMPLETED"
	StateFailure    State = "FAILURE"
)

// Normalize maps spelling variants (IN_PROGRESS, lower case) onto the documented values.
func (s State) Normalize() State {
	return State(strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(string(s))), "_", " "))
}

// Completed reports whether the result is ready for download.
func (s State) Completed() bool { return s.Normalize() == StateCompleted }

// Failed reports whether the server gave up on the job.
func (s State) Failed() bool {
	n := s.Normalize()
	return n == StateFailure || n == "FAILED"
}

// FileTypeCSV is the only export format this client requests.
const FileTypeCSV = "csv"

// Criteria is the API representation of a filter tree.
// A leaf sets APIName, Comparator and Value; a group sets GroupOperator and Group.
type Criteria struct {
	APIName       string      `json:"api_name,omitempty"`
	Comparator    string      `json:"comparator,omitempty"`
	Value         any         `json:"value,omitempty"`
	GroupOperator string      `json:"group_operator,omitempty"`
	Group         []*Criteria `json:"group,omitempty"`
}

// Query selects the records of one page.
type Query struct {
	Module   string    `json:"module"`
	Fields   []string  `json:"fields,omitempty"`
	Page     int       `json:"page,omitempty"`
	Criteria *Criteria `json:"criteria,omitempty"`
}

// CreateJobRequest is the body of a create call.
type CreateJobRequest struct {
	Query    Query  `json:"query"`
	FileType string `json:"file_type,omitempty"`
}

// User identifies the creator of a job.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Result describes a completed job's output.
type Result struct {
	Page        int    `json:"page"`
	Count       int    `json:"count"`
	PerPage     int    `json:"per_page"`
	DownloadURL string `json:"download_url"`
	MoreRecords *bool  `json:"more_records"`
}

// JobDetail is the job view returned by create and status calls.
type JobDetail struct {
	ID          string  `json:"id"`
	Operation   string  `json:"operation"`
	State       State   `json:"state"`
	Query       *Query  `json:"query,omitempty"`
	Result      *Result `json:"result,omitempty"`
	CreatedBy   *User   `json:"created_by,omitempty"`
	CreatedTime string  `json:"created_time,omitempty"`
	FileType    string  `json:"file_type,omitempty"`
}

// UnmarshalJSON accepts the job id as either a JSON string or a number
// without losing precision on 18-digit ids.
func (d *JobDetail) UnmarshalJSON(data []byte) error {
	type alias JobDetail
	aux := struct {
		ID json.RawMessage `json:"id"`
		*alias
	}{alias: (*alias)(d)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	d.ID = rawID(aux.ID)
	return nil
}

// UnmarshalJSON accepts the user id as either a JSON string or a number.
func (u *User) UnmarshalJSON(data []byte) error {
	var aux struct {
		ID   json.RawMessage `json:"id"`
		Name string          `json:"name"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	u.ID, u.Name = rawID(aux.ID), aux.Name
	return nil
}

func rawID(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "null" {
		return ""
	}
	return strings.Trim(s, `"`)
}

// ResultFile is a downloaded job result. The caller must close Body.
type ResultFile struct {
	Name string
	Body io.ReadCloser
}

// actionResponse is one element of the "data" array of a create call.
type actionResponse struct {
	Status  string                     `json:"status"`
	Code    string                     `json:"code"`
	Message string                     `json:"message"`
	Details map[string]json.RawMessage `json:"details"`
}

type envelope struct {
	Data    []json.RawMessage `json:"data"`
	Status  string            `json:"status"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]any    `json:"details"`
}
