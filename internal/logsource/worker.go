package logsource

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/providentiaww/remote-mcp-server/internal/models"
)

// Worker answers LogRequests from a backing Source.
type Worker struct {
	source  Source
	timeout time.Duration
	logger  *slog.Logger
}

// NewWorker creates a worker. timeout bounds each backend call.
func NewWorker(source Source, timeout time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Worker{
		source:  source,
		timeout: timeout,
		logger:  logger.With("component", "logsource.worker"),
	}
}

// HandleRequest decodes one LogRequest and returns the encoded LogResponse.
func (w *Worker) HandleRequest(ctx context.Context, body []byte) []byte {
	var req models.LogRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return encode(models.ErrorResponse(models.ErrCodeInvalidRequest, err.Error(), req.RequestID))
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	var (
		data any
		err  error
	)
	switch req.Action {
	case models.ActionListProjects:
		data, err = w.source.ListProjects(ctx)
	case models.ActionListLogStores:
		if req.Project == "" {
			return encode(models.ErrorResponse(models.ErrCodeInvalidRequest, "project is required", req.RequestID))
		}
		data, err = w.source.ListLogStores(ctx, req.Project)
	case models.ActionGetLogs:
		if req.Query == nil {
			return encode(models.ErrorResponse(models.ErrCodeInvalidRequest, "query is required", req.RequestID))
		}
		if verr := req.Query.Validate(); verr != nil {
			return encode(models.ErrorResponse(models.ErrCodeInvalidRequest, verr.Error(), req.RequestID))
		}
		data, err = w.source.GetLogs(ctx, *req.Query)
	default:
		return encode(models.ErrorResponse(models.ErrCodeInvalidRequest,
			fmt.Sprintf("unknown action: %s", req.Action), req.RequestID))
	}
	if err != nil {
		w.logger.Error("log request failed", "action", req.Action, "request_id", req.RequestID, "error", err)
		return encode(models.ErrorResponse(models.ErrCodeInternal, err.Error(), req.RequestID))
	}

	resp, err := models.SuccessResponse(data, req.RequestID)
	if err != nil {
		return encode(models.ErrorResponse(models.ErrCodeInternal, err.Error(), req.RequestID))
	}
	return encode(resp)
}

// Serve consumes queue until ctx is done or the connection drops, replying to
// each delivery's ReplyTo with the same correlation id.
func (w *Worker) Serve(ctx context.Context, conn *amqp.Connection, queue string) error {
	if queue == "" {
		queue = DefaultQueue
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring queue %s: %w", queue, err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("setting qos: %w", err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consuming %s: %w", queue, err)
	}

	w.logger.Info("worker listening", "queue", queue)
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			w.reply(ctx, ch, d)
		}
	}
}

func (w *Worker) reply(ctx context.Context, ch *amqp.Channel, d amqp.Delivery) {
	out := w.HandleRequest(ctx, d.Body)
	if d.ReplyTo != "" {
		err := ch.PublishWithContext(ctx, "", d.ReplyTo, false, false, amqp.Publishing{
			ContentType:   "application/json",
			CorrelationId: d.CorrelationId,
			Body:          out,
		})
		if err != nil {
			w.logger.Error("publishing reply failed", "reply_to", d.ReplyTo, "error", err)
		}
	}
	if err := d.Ack(false); err != nil {
		w.logger.Warn("ack failed", "error", err)
	}
}

func encode(resp *models.LogResponse) []byte {
	b, _ := json.Marshal(resp)
	return b
}
