// Package service is the boundary a transport calls into: it lists plugins
// and runs one validated call, reporting failures as classified errors.
package service

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/dshills/ctfever/internal/plugin"
)

// TracerName names the tracer used for call spans.
const TracerName = "github.com/dshills/ctfever/internal/service"

// Runtime is the part of *plugin.Runtime the service uses.
type Runtime interface {
	List() []plugin.Descriptor
	Get(name string) (plugin.Descriptor, bool)
	Capabilities(name string) (plugin.CapabilitySet, error)
	Validate(ctx context.Context, name, method string, args plugin.Args) error
	Invoke(ctx context.Context, name, method string, args plugin.Args) (any, error)
	PluginLogger(name string) (hclog.Logger, bool)
}

// PluginInfo describes a registered plugin and its current capabilities.
type PluginInfo struct {
	Name         string              `json:"name"`
	State        string              `json:"state"`
	Capabilities map[string][]string `json:"methods"`
}

// Response is the result of a successful call.
type Response struct {
	Status int `json:"status"`
	// Elapsed is the call time in seconds, rounded to milliseconds.
	Elapsed      float64 `json:"spent"`
	Result       any     `json:"result"`
	InvocationID string  `json:"invocation_id"`
}

// Service serves list and call requests.
type Service struct {
	rt     Runtime
	logger hclog.Logger
	tracer trace.Tracer
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger hclog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTracer sets the tracer for call spans. The default records nothing.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// New creates a service over rt.
func New(rt Runtime, opts ...Option) *Service {
	s := &Service{
		rt:     rt,
		logger: hclog.NewNullLogger(),
		tracer: noop.NewTracerProvider().Tracer(TracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListPlugins returns the registered plugins in registration order.
func (s *Service) ListPlugins() []PluginInfo {
	descs := s.rt.List()
	out := make([]PluginInfo, 0, len(descs))
	for _, d := range descs {
		set, err := s.rt.Capabilities(d.Name)
		if err != nil {
			// Evicted since List.
			continue
		}
		out = append(out, PluginInfo{Name: d.Name, State: d.State.String(), Capabilities: set.Params()})
	}
	return out
}

// CallPlugin validates and runs one call. argsJSON is a JSON object or empty;
// att, when set, is merged into the bag under plugin.AttachmentKey. Failures
// are returned as *Error. Plugin failures are also logged on the plugin's own
// channel.
func (s *Service) CallPlugin(ctx context.Context, name, method string, argsJSON []byte, att *plugin.Attachment) (*Response, error) {
	id := uuid.NewString()
	ctx, span := s.tracer.Start(ctx, "plugin.call", trace.WithAttributes(
		attribute.String("ctfever.plugin", name),
		attribute.String("ctfever.method", method),
		attribute.String("ctfever.invocation_id", id),
	))
	defer span.End()

	start := time.Now()
	result, err := s.call(ctx, name, method, argsJSON, att)
	if err != nil {
		serr := classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, serr.Class.String())
		s.logFailure(name, method, id, serr)
		return nil, serr
	}
	span.SetStatus(codes.Ok, "")

	return &Response{
		Status:       0,
		Elapsed:      math.Round(time.Since(start).Seconds()*1000) / 1000,
		Result:       result,
		InvocationID: id,
	}, nil
}

func (s *Service) call(ctx context.Context, name, method string, argsJSON []byte, att *plugin.Attachment) (any, error) {
	if _, ok := s.rt.Get(name); !ok {
		return nil, newError(NotFound, plugin.ErrUnknownPlugin, "plugin not found")
	}
	args, err := decodeArgs(argsJSON)
	if err != nil {
		return nil, err
	}
	if att != nil {
		args[plugin.AttachmentKey] = att
	}
	if err := s.rt.Validate(ctx, name, method, args); err != nil {
		return nil, err
	}
	return s.rt.Invoke(ctx, name, method, args)
}

// decodeArgs parses the argument bag. Empty input and null are an empty bag.
func decodeArgs(data []byte) (plugin.Args, error) {
	args := plugin.Args{}
	if len(data) == 0 {
		return args, nil
	}
	if !gjson.ValidBytes(data) {
		return nil, newError(BadRequest, nil, "args is not valid JSON")
	}
	v := gjson.ParseBytes(data)
	switch {
	case v.Type == gjson.Null:
		return args, nil
	case !v.IsObject():
		return nil, newError(BadRequest, nil, "args must be a JSON object")
	}
	for k, val := range v.Map() {
		args[k] = val.Value()
	}
	return args, nil
}

func (s *Service) logFailure(name, method, id string, serr *Error) {
	if serr.Class != Internal {
		s.logger.Debug("call rejected", "plugin", name, "method", method, "invocation_id", id, "class", serr.Class, "error", serr.Message)
		return
	}
	logger, ok := s.rt.PluginLogger(name)
	if !ok {
		// The plugin was evicted by this call.
		logger = s.logger
	}
	logger.Error("call failed", "method", method, "invocation_id", id, "error", serr.Err)
	if errors.Is(serr.Err, plugin.ErrPluginCrashed) {
		s.logger.Warn("plugin crashed during call", "plugin", name, "method", method, "invocation_id", id)
	}
}
