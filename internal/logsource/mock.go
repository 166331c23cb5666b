package logsource

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/providentiaww/remote-mcp-server/internal/models"
)

var mockProjects = []models.Project{
	{
		CreateTime:         "2024-01-15T08:00:00Z",
		DataRedundancyType: "LRS",
		Description:        "Production environment logs",
		LastModifyTime:     "2024-10-15T10:30:00Z",
		Owner:              "mock-owner",
		ProjectName:        "prod-logs",
		Region:             "cn-hangzhou",
		ResourceGroupID:    "rg-mock-001",
		Status:             "Normal",
	},
	{
		CreateTime:         "2024-02-20T09:00:00Z",
		DataRedundancyType: "LRS",
		Description:        "Staging environment logs",
		LastModifyTime:     "2024-10-15T09:00:00Z",
		Owner:              "mock-owner",
		ProjectName:        "staging-logs",
		Region:             "cn-hangzhou",
		ResourceGroupID:    "rg-mock-002",
		Status:             "Normal",
	},
	{
		CreateTime:         "2024-03-10T10:00:00Z",
		DataRedundancyType: "LRS",
		Description:        "Development environment logs",
		LastModifyTime:     "2024-10-14T15:00:00Z",
		Owner:              "mock-owner",
		ProjectName:        "dev-logs",
		Region:             "cn-hangzhou",
		ResourceGroupID:    "rg-mock-003",
		Status:             "Normal",
	},
}

var mockLogStores = map[string][]string{
	"prod-logs":    {"app-logs", "nginx-access", "nginx-error", "database-logs", "audit-logs"},
	"staging-logs": {"app-logs", "nginx-access", "nginx-error", "test-logs"},
	"dev-logs":     {"app-logs", "debug-logs", "test-logs"},
}

var (
	logMessages = []string{
		"User login successful",
		"Database query executed",
		"API request processed",
		"Cache hit",
		"Cache miss",
		"Payment processed successfully",
		"Email sent",
		"File uploaded",
		"Background job completed",
		"Authentication failed",
		"Validation error",
		"Connection timeout",
		"Resource not found",
		"Permission denied",
		"Internal server error",
	}
	logServices = []string{"auth-service", "payment-service", "user-service", "notification-service", "file-service"}
	logLevels   = []string{"INFO", "WARN", "ERROR", "DEBUG"}
	logSources  = []string{"server-001", "server-002", "server-003", "server-004", "server-005"}
	logStatuses = []int{200, 201, 400, 404, 500}
)

// Mock generates random but well-formed logs for a fixed set of projects.
type Mock struct {
	mu  sync.Mutex
	rnd *rand.Rand
	now func() time.Time
}

// NewMock creates a mock source. Equal seeds produce equal logs.
func NewMock(seed uint64) *Mock {
	return &Mock{
		rnd: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		now: time.Now,
	}
}

func (m *Mock) ListProjects(_ context.Context) (*models.ProjectList, error) {
	projects := make([]models.Project, len(mockProjects))
	copy(projects, mockProjects)
	return &models.ProjectList{Count: len(projects), Total: len(projects), Projects: projects}, nil
}

// ListLogStores returns an empty list for unknown projects.
func (m *Mock) ListLogStores(_ context.Context, project string) (*models.LogStoreList, error) {
	stores := append([]string{}, mockLogStores[project]...)
	return &models.LogStoreList{Count: len(stores), Total: len(stores), Logstores: stores}, nil
}

func (m *Mock) GetLogs(_ context.Context, query models.LogQuery) (*models.LogResult, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}
	q := query.WithDefaults(m.now())

	count := min(q.Line, models.MaxLogLines)
	span := q.To - q.From

	m.mu.Lock()
	logs := make([]models.LogEntry, 0, count)
	for i := 0; i < count; i++ {
		ts := q.From
		if span > 0 {
			ts += m.rnd.Int64N(span)
		}
		logs = append(logs, models.LogEntry{
			Time:     ts,
			Source:   pick(m.rnd, logSources),
			Level:    pick(m.rnd, logLevels),
			Message:  pick(m.rnd, logMessages),
			Service:  pick(m.rnd, logServices),
			TraceID:  fmt.Sprintf("trace-%016x", m.rnd.Uint64()),
			UserID:   fmt.Sprintf("user-%d", m.rnd.IntN(10000)),
			IP:       fmt.Sprintf("192.168.%d.%d", m.rnd.IntN(256), m.rnd.IntN(256)),
			Duration: m.rnd.IntN(1000),
			Status:   pick(m.rnd, logStatuses),
		})
	}
	m.mu.Unlock()

	sort.SliceStable(logs, func(i, j int) bool {
		if q.Reverse {
			return logs[i].Time > logs[j].Time
		}
		return logs[i].Time < logs[j].Time
	})
	if q.Offset >= len(logs) {
		logs = logs[:0]
	} else {
		logs = logs[q.Offset:]
	}

	return &models.LogResult{
		Project:  q.Project,
		Logstore: q.Logstore,
		Count:    len(logs),
		Progress: "Complete",
		Logs:     logs,
	}, nil
}

func pick[T any](rnd *rand.Rand, values []T) T {
	return values[rnd.IntN(len(values))]
}
