package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Log service actions carried over the LogRequests queue.
const (
	ActionListProjects  = "list_projects"
	ActionListLogStores = "list_logstores"
	ActionGetLogs       = "get_logs"
)

// Error codes returned in ErrorInfo.
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

// MaxLogLines caps a single log query.
const MaxLogLines = 100

// LogRequest represents a request to the log service
type LogRequest struct {
	Action    string    `json:"action"`             // list_projects, list_logstores, get_logs
	Project   string    `json:"project,omitempty"`  // required for list_logstores
	Query     *LogQuery `json:"query,omitempty"`    // required for get_logs
	RequestID string    `json:"request_id"`         // Correlation ID
}

// LogResponse represents a response from the log service
type LogResponse struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *ErrorInfo      `json:"error,omitempty"`
	RequestID string          `json:"request_id"`
}

// ErrorInfo describes a failed log service call
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorResponse builds a failed LogResponse.
func ErrorResponse(code, message, requestID string) *LogResponse {
	return &LogResponse{
		Success:   false,
		Error:     &ErrorInfo{Code: code, Message: message},
		RequestID: requestID,
	}
}

// SuccessResponse builds a successful LogResponse around data.
func SuccessResponse(data any, requestID string) (*LogResponse, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding response data: %w", err)
	}
	return &LogResponse{Success: true, Data: raw, RequestID: requestID}, nil
}

// Project is a log project
type Project struct {
	CreateTime         string `json:"createTime"`
	DataRedundancyType string `json:"dataRedundancyType"`
	Description        string `json:"description"`
	LastModifyTime     string `json:"lastModifyTime"`
	Owner              string `json:"owner"`
	ProjectName        string `json:"projectName"`
	Region             string `json:"region"`
	ResourceGroupID    string `json:"resourceGroupId"`
	Status             string `json:"status"`
}

// ProjectList is the list_projects result
type ProjectList struct {
	Count    int       `json:"count"`
	Total    int       `json:"total"`
	Projects []Project `json:"projects"`
}

// LogStoreList is the list_logstores result
type LogStoreList struct {
	Count     int      `json:"count"`
	Total     int      `json:"total"`
	Logstores []string `json:"logstores"`
}

// LogEntry is one log line
type LogEntry struct {
	Time     int64  `json:"__time__"`
	Source   string `json:"__source__"`
	Level    string `json:"level"`
	Message  string `json:"message"`
	Service  string `json:"service"`
	TraceID  string `json:"traceId,omitempty"`
	UserID   string `json:"userId,omitempty"`
	IP       string `json:"ip,omitempty"`
	Duration int    `json:"duration,omitempty"`
	Status   int    `json:"status,omitempty"`
}

// LogQuery selects logs from one logstore. Times are unix seconds.
type LogQuery struct {
	Project  string `json:"project"`
	Logstore string `json:"logstore"`
	From     int64  `json:"from,omitempty"`
	To       int64  `json:"to,omitempty"`
	Query    string `json:"query,omitempty"`
	Topic    string `json:"topic,omitempty"`
	Line     int    `json:"line,omitempty"`
	Offset   int    `json:"offset,omitempty"`
	Reverse  bool   `json:"reverse,omitempty"`
	PowerSQL bool   `json:"powerSql,omitempty"`
}

// WithDefaults fills unset fields: the last hour, query "*", 100 lines.
func (q LogQuery) WithDefaults(now time.Time) LogQuery {
	if q.From == 0 {
		q.From = now.Add(-time.Hour).Unix()
	}
	if q.To == 0 {
		q.To = now.Unix()
	}
	if q.Query == "" {
		q.Query = "*"
	}
	if q.Line <= 0 {
		q.Line = MaxLogLines
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

// Validate checks the fields a get_logs call needs.
func (q LogQuery) Validate() error {
	if q.Project == "" || q.Logstore == "" {
		return fmt.Errorf("project and logstore are required")
	}
	if q.To != 0 && q.From > q.To {
		return fmt.Errorf("from must not be after to")
	}
	return nil
}

// LogResult is the get_logs result
type LogResult struct {
	Project  string     `json:"project"`
	Logstore string     `json:"logstore"`
	Count    int        `json:"count"`
	Progress string     `json:"progress"`
	Logs     []LogEntry `json:"logs"`
}
