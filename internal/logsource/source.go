// Package logsource provides the log backends behind the log tools and the
// /api/logs routes: an in-process mock generator and an AMQP RPC client for a
// remote log worker.
package logsource

import (
	"context"

	"github.com/providentiaww/remote-mcp-server/internal/models"
)

// Source lists projects and logstores and queries logs.
type Source interface {
	ListProjects(ctx context.Context) (*models.ProjectList, error)
	ListLogStores(ctx context.Context, project string) (*models.LogStoreList, error)
	GetLogs(ctx context.Context, query models.LogQuery) (*models.LogResult, error)
}
