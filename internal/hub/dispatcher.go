package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jomapps/mcp-story-bible-service/internal/protocol"
	"github.com/jomapps/mcp-story-bible-service/internal/registry"
	"github.com/jomapps/mcp-story-bible-service/internal/svcerr"
)

const (
	CallStatusOK    = "ok"
	CallStatusError = "error"
)

// CallRecord describes one completed call_tool request.
type CallRecord struct {
	ConnectionID  string
	UserID        string
	Tool          string
	CorrelationID string
	Status        string
	Error         string
	StartedAt     time.Time
	Duration      time.Duration
}

type CallRecorder interface {
	RecordCall(ctx context.Context, rec CallRecord) error
}

// Dispatcher turns one inbound frame into one outbound frame for a single
// authenticated connection. It never needs a socket.
type Dispatcher struct {
	registry *registry.Registry
	call     *registry.Call
	recorder CallRecorder
	logger   *slog.Logger
}

func NewDispatcher(reg *registry.Registry, call *registry.Call, recorder CallRecorder, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: reg, call: call, recorder: recorder, logger: logger}
}

// Handle answers raw. The returned frame always carries the request's
// correlation id, or null when none could be read.
func (d *Dispatcher) Handle(ctx context.Context, raw []byte) []byte {
	env, err := protocol.Decode(raw)
	if err == nil && !env.IsRequest() {
		err = fmt.Errorf("%w: expected a request", protocol.ErrMalformedEnvelope)
	}
	if err != nil {
		d.logger.Debug("malformed frame", "conn", d.call.ConnectionID, "error", err)
		return d.marshal(protocol.EncodeError(protocol.CorrelationIDOf(raw), err.Error()))
	}

	switch env.Method {
	case protocol.MethodListTools:
		return d.result(env.ID, map[string]any{"tools": d.registry.List()})
	case protocol.MethodCallTool:
		return d.callTool(ctx, env)
	default:
		return d.marshal(protocol.EncodeError(env.ID, "Unsupported method "+env.Method))
	}
}

func (d *Dispatcher) callTool(ctx context.Context, env protocol.Envelope) []byte {
	params, err := env.CallParams()
	if err != nil {
		return d.marshal(protocol.EncodeError(env.ID, err.Error()))
	}
	if params.Name == "" {
		return d.marshal(protocol.EncodeError(env.ID, "malformed envelope: params.name is required"))
	}

	started := time.Now()
	result, err := d.invoke(ctx, params.Name, params.Arguments)
	rec := CallRecord{
		ConnectionID:  d.call.ConnectionID,
		UserID:        d.call.Identity.ID,
		Tool:          params.Name,
		CorrelationID: string(env.ID),
		Status:        CallStatusOK,
		StartedAt:     started,
		Duration:      time.Since(started),
	}

	var out []byte
	if err != nil {
		msg := d.errorMessage(params.Name, err)
		rec.Status = CallStatusError
		rec.Error = msg
		out = d.marshal(protocol.EncodeError(env.ID, msg))
	} else {
		out = d.result(env.ID, result)
	}
	d.record(ctx, rec)
	return out
}

func (d *Dispatcher) invoke(ctx context.Context, name string, args map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{tool: name, value: r}
		}
	}()
	return d.registry.Invoke(ctx, d.call, name, args)
}

func (d *Dispatcher) errorMessage(tool string, err error) string {
	attrs := []any{"conn", d.call.ConnectionID, "user", d.call.Identity.ID, "tool", tool, "error", err}

	var pe *panicError
	switch {
	case errors.Is(err, registry.ErrUnknownTool):
		d.logger.Info("unknown tool", attrs...)
		return "Unknown tool " + tool
	case errors.As(err, &pe):
		d.logger.Error("tool panicked", attrs...)
		return "internal error"
	case svcerr.IsService(err):
		d.logger.Info("tool call failed", append(attrs, "kind", svcerr.KindOf(err).String())...)
		return err.Error()
	default:
		d.logger.Error("tool call failed unexpectedly", attrs...)
		return err.Error()
	}
}

func (d *Dispatcher) record(ctx context.Context, rec CallRecord) {
	if d.recorder == nil {
		return
	}
	if err := d.recorder.RecordCall(context.WithoutCancel(ctx), rec); err != nil {
		d.logger.Warn("record tool call", "conn", rec.ConnectionID, "tool", rec.Tool, "error", err)
	}
}

func (d *Dispatcher) result(id json.RawMessage, value any) []byte {
	env, err := protocol.EncodeResult(id, value)
	if err != nil {
		d.logger.Error("encode result", "conn", d.call.ConnectionID, "error", err)
		env = protocol.EncodeError(id, "internal error: result could not be encoded")
	}
	return d.marshal(env)
}

func (d *Dispatcher) marshal(env protocol.Envelope) []byte {
	data, err := protocol.Marshal(env)
	if err != nil {
		d.logger.Error("marshal envelope", "conn", d.call.ConnectionID, "error", err)
		data, _ = protocol.Marshal(protocol.EncodeError(env.ID, "internal error"))
	}
	return data
}

type panicError struct {
	tool  string
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("tool %s panicked: %v", e.tool, e.value)
}
