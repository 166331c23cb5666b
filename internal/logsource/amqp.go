package logsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/providentiaww/remote-mcp-server/internal/models"
)

// DefaultQueue is the queue the log worker consumes.
const DefaultQueue = "LogRequests"

// DefaultRPCTimeout is slightly longer than the worker's backend timeout.
const DefaultRPCTimeout = 35 * time.Second

// AMQPSource forwards log calls to a worker over RabbitMQ request/reply.
type AMQPSource struct {
	conn    *amqp.Connection
	queue   string
	timeout time.Duration
	logger  *slog.Logger
}

// DialAMQP connects to the broker and declares the request queue.
func DialAMQP(url, queue string, timeout time.Duration, logger *slog.Logger) (*AMQPSource, error) {
	if queue == "" {
		queue = DefaultQueue
	}
	if timeout <= 0 {
		timeout = DefaultRPCTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring queue %s: %w", queue, err)
	}

	return &AMQPSource{
		conn:    conn,
		queue:   queue,
		timeout: timeout,
		logger:  logger.With("component", "logsource.amqp", "queue", queue),
	}, nil
}

// Close closes the broker connection.
func (s *AMQPSource) Close() error {
	return s.conn.Close()
}

func (s *AMQPSource) ListProjects(ctx context.Context) (*models.ProjectList, error) {
	var out models.ProjectList
	if err := s.call(ctx, models.LogRequest{Action: models.ActionListProjects}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *AMQPSource) ListLogStores(ctx context.Context, project string) (*models.LogStoreList, error) {
	var out models.LogStoreList
	req := models.LogRequest{Action: models.ActionListLogStores, Project: project}
	if err := s.call(ctx, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *AMQPSource) GetLogs(ctx context.Context, query models.LogQuery) (*models.LogResult, error) {
	var out models.LogResult
	req := models.LogRequest{Action: models.ActionGetLogs, Project: query.Project, Query: &query}
	if err := s.call(ctx, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *AMQPSource) call(ctx context.Context, req models.LogRequest, out any) error {
	req.RequestID = uuid.NewString()
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	raw, err := s.roundTrip(ctx, req.RequestID, body)
	if err != nil {
		return err
	}
	s.logger.Debug("rpc response", "action", req.Action, "request_id", req.RequestID, "bytes", len(raw))
	return decodeResponse(raw, out)
}

// roundTrip publishes body and waits for the correlated reply. Each call gets
// its own channel and exclusive reply queue.
func (s *AMQPSource) roundTrip(ctx context.Context, correlationID string, body []byte) ([]byte, error) {
	ch, err := s.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()

	reply, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declaring reply queue: %w", err)
	}
	deliveries, err := ch.Consume(reply.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consuming reply queue: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err = ch.PublishWithContext(ctx, "", s.queue, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: correlationID,
		ReplyTo:       reply.Name,
		Body:          body,
	})
	if err != nil {
		return nil, fmt.Errorf("publishing request: %w", err)
	}

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return nil, errors.New("reply channel closed")
			}
			if d.CorrelationId != correlationID {
				continue
			}
			return d.Body, nil
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("RPC timeout: log service did not respond within %s", s.timeout)
			}
			return nil, ctx.Err()
		}
	}
}

// decodeResponse unwraps a LogResponse envelope into out. A failed response is
// returned as its *models.ErrorInfo.
func decodeResponse(raw []byte, out any) error {
	var resp models.LogResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if !resp.Success {
		if resp.Error != nil {
			return resp.Error
		}
		return &models.ErrorInfo{Code: models.ErrCodeInternal, Message: "request failed"}
	}
	if len(resp.Data) == 0 {
		return errors.New("decoding response: empty data")
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("decoding response data: %w", err)
	}
	return nil
}
