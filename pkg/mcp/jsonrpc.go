package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
)

// JSON-RPC error codes used by the transport.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeInternalError  = -32603
	CodeServerError    = -32000
)

const methodInitialize = "initialize"

var errEmptyBatch = errors.New("empty batch")

// message is a raw inbound JSON-RPC message with just enough decoded to route it.
type message struct {
	raw    json.RawMessage
	method string
	hasID  bool
}

func (m message) isRequest() bool {
	return m.method != "" && m.hasID
}

func (m message) isInitialize() bool {
	return m.method == methodInitialize && m.hasID
}

type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
}

// batch is a parsed POST body. array records whether the client sent a JSON array.
type batch struct {
	messages []message
	array    bool
}

func (b batch) hasRequests() bool {
	for _, m := range b.messages {
		if m.isRequest() {
			return true
		}
	}
	return false
}

func (b batch) hasInitialize() bool {
	for _, m := range b.messages {
		if m.isInitialize() {
			return true
		}
	}
	return false
}

func parseBatch(body []byte) (batch, error) {
	body = bytes.TrimSpace(body)

	var raws []json.RawMessage
	array := len(body) > 0 && body[0] == '['
	if array {
		if err := json.Unmarshal(body, &raws); err != nil {
			return batch{}, err
		}
		if len(raws) == 0 {
			return batch{}, errEmptyBatch
		}
	} else {
		raws = []json.RawMessage{body}
	}

	out := batch{array: array, messages: make([]message, 0, len(raws))}
	for _, raw := range raws {
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return batch{}, err
		}
		out.messages = append(out.messages, message{
			raw:    raw,
			method: env.Method,
			hasID:  len(env.ID) > 0 && !bytes.Equal(env.ID, []byte("null")),
		})
	}
	return out, nil
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcErrorResponse struct {
	JSONRPC string   `json:"jsonrpc"`
	ID      any      `json:"id"`
	Error   rpcError `json:"error"`
}

// writeRPCError writes a JSON-RPC error envelope with a null id. It does
// nothing once the response has started.
func writeRPCError(w http.ResponseWriter, status, code int, msg string, data any) {
	if headerWritten(w) {
		return
	}
	writeJSON(w, status, rpcErrorResponse{
		JSONRPC: "2.0",
		ID:      nil,
		Error:   rpcError{Code: code, Message: msg, Data: data},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// statusWriter remembers whether headers went out so error paths never
// rewrite a response that is already streaming.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func newStatusWriter(w http.ResponseWriter) *statusWriter {
	if sw, ok := w.(*statusWriter); ok {
		return sw
	}
	return &statusWriter{ResponseWriter: w}
}

func (w *statusWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.status = status
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func headerWritten(w http.ResponseWriter) bool {
	sw, ok := w.(*statusWriter)
	return ok && sw.wroteHeader
}
