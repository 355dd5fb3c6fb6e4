package toolregistry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"

	"github.com/xpc123/agenic-chatBot-sub001/internal/observability"
	"github.com/xpc123/agenic-chatBot-sub001/internal/tracing"
)

const (
	DefaultTimeout        = 30 * time.Second
	DefaultMaxOutputBytes = 10 * 1024
	truncationMarker      = "\n... [output truncated]"
)

var validTypes = map[string]bool{
	"string": true, "number": true, "boolean": true,
	"object": true, "array": true, "integer": true,
}

// Config configures a Registry.
type Config struct {
	DefaultTimeout time.Duration
	MaxOutputBytes int
	Scorer         SemanticScorer // optional
	SemanticWeight float64        // weight of Scorer in ranking, default 0.5
	Logger         zerolog.Logger
}

type entry struct {
	desc   Descriptor
	schema *gojsonschema.Schema
	doc    map[string]interface{}
	order  int
	stats  Stats
}

// Registry is safe for concurrent use. Selection and invocation take the read
// lock; registration takes the write lock.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]*entry
	nextOrder int

	timeout        time.Duration
	maxOutput      int
	scorer         SemanticScorer
	semanticWeight float64
	logger         zerolog.Logger
}

// New creates an empty Registry.
func New(cfg Config) *Registry {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if cfg.SemanticWeight <= 0 {
		cfg.SemanticWeight = 0.5
	}
	observability.EnsureRegistered()
	return &Registry{
		tools:          make(map[string]*entry),
		timeout:        cfg.DefaultTimeout,
		maxOutput:      cfg.MaxOutputBytes,
		scorer:         cfg.Scorer,
		semanticWeight: cfg.SemanticWeight,
		logger:         cfg.Logger.With().Str("component", "toolregistry").Logger(),
	}
}

// Register adds or replaces a tool.
func (r *Registry) Register(d Descriptor) error {
	if err := validateDescriptor(d); err != nil {
		return fmt.Errorf("invalid tool descriptor: %w", err)
	}
	doc := schemaDocument(d)
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", d.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tools[d.Name]; ok {
		existing.desc = d
		existing.schema = schema
		existing.doc = doc
		r.logger.Info().Str("tool", d.Name).Msg("Tool re-registered")
		return nil
	}

	r.tools[d.Name] = &entry{desc: d, schema: schema, doc: doc, order: r.nextOrder}
	r.nextOrder++
	r.logger.Debug().Str("tool", d.Name).Str("permission", string(d.Permission)).Msg("Tool registered")
	return nil
}

// Unregister removes a tool and reports whether it existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return false
	}
	delete(r.tools, name)
	r.logger.Info().Str("tool", name).Msg("Tool unregistered")
	return true
}

func (r *Registry) Enable(name string) error  { return r.setEnabled(name, true) }
func (r *Registry) Disable(name string) error { return r.setEnabled(name, false) }

func (r *Registry) setEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tools[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	e.desc.Enabled = enabled
	return nil
}

// Get returns the descriptor registered under name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return Descriptor{}, false
	}
	return e.desc, true
}

// List returns all descriptors in registration order.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedLocked(false)
}

// Names returns the enabled tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	descs := r.sortedLocked(true)
	names := make([]string, len(descs))
	for i, d := range descs {
		names[i] = d.Name
	}
	return names
}

func (r *Registry) sortedLocked(enabledOnly bool) []Descriptor {
	entries := make([]*entry, 0, len(r.tools))
	for _, e := range r.tools {
		if enabledOnly && !e.desc.Enabled {
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].order < entries[j].order })
	out := make([]Descriptor, len(entries))
	for i, e := range entries {
		out[i] = e.desc
	}
	return out
}

// Schema returns the JSON schema document of a tool's arguments, as sent to
// LLM providers.
func (r *Registry) Schema(name string) (map[string]interface{}, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return e.doc, true
}

// Stats returns a snapshot of per-tool call counters.
func (r *Registry) Stats() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Stats, len(r.tools))
	for name, e := range r.tools {
		out[name] = e.stats
	}
	return out
}

// Validate checks args against the tool's schema. Failures wrap
// ErrInvalidArguments, ErrToolNotFound or ErrToolDisabled.
func (r *Registry) Validate(name string, args map[string]interface{}) error {
	r.mu.RLock()
	e, ok := r.tools[name]
	var schema *gojsonschema.Schema
	var enabled bool
	if ok {
		schema, enabled = e.schema, e.desc.Enabled
	}
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if !enabled {
		return fmt.Errorf("%w: %s", ErrToolDisabled, name)
	}
	return validateArgs(schema, args)
}

// Invoke validates args and runs the tool under its timeout.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]interface{}) Result {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, tracing.TracerTools, "tools.invoke", attribute.String("tool.name", name))
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, r.logger).With().Str("tool", name).Logger()

	res := r.invoke(ctx, name, args)
	res.Duration = time.Since(start)

	span.SetAttributes(attribute.Bool("tool.success", res.Success))
	if !res.Success {
		tracing.RecordError(span, res.Err)
		logger.Warn().Err(res.Err).Dur("duration", res.Duration).Msg("Tool invocation failed")
	} else {
		logger.Debug().Dur("duration", res.Duration).Bool("truncated", res.Truncated).Msg("Tool invocation completed")
	}

	r.mu.Lock()
	if e, ok := r.tools[name]; ok {
		e.stats.Calls++
		e.stats.TotalDuration += res.Duration
		e.stats.LastCalled = start
		if !res.Success {
			e.stats.Failures++
		}
	}
	r.mu.Unlock()

	observability.RecordToolInvocation(name, res.Duration, res.Success)
	observability.RecordToolAudit(ctx, name, tracing.GetSessionID(ctx), res.Success, map[string]interface{}{
		"duration_ms": res.Duration.Milliseconds(),
	})
	return res
}

func (r *Registry) invoke(ctx context.Context, name string, args map[string]interface{}) Result {
	r.mu.RLock()
	e, ok := r.tools[name]
	var d Descriptor
	var schema *gojsonschema.Schema
	if ok {
		d, schema = e.desc, e.schema
	}
	r.mu.RUnlock()

	if !ok {
		return failure(fmt.Errorf("%w: %s", ErrToolNotFound, name))
	}
	if !d.Enabled {
		return failure(fmt.Errorf("%w: %s", ErrToolDisabled, name))
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	if err := validateArgs(schema, args); err != nil {
		return failure(err)
	}

	timeout := r.timeout
	if d.Timeout > 0 {
		timeout = d.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		out string
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		out, err := d.Invoke(callCtx, args)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				return failure(fmt.Errorf("%w after %v", ErrToolTimeout, timeout))
			}
			return failure(fmt.Errorf("%w: %w", ErrToolExecution, o.err))
		}
		out, truncated := r.truncate(o.out)
		return Result{Success: true, Output: out, Truncated: truncated}
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return failure(fmt.Errorf("%w: %w", ErrToolExecution, ctx.Err()))
		}
		return failure(fmt.Errorf("%w after %v", ErrToolTimeout, timeout))
	}
}

func failure(err error) Result {
	return Result{Success: false, Error: err.Error(), Err: err}
}

func (r *Registry) truncate(s string) (string, bool) {
	if len(s) <= r.maxOutput {
		return s, false
	}
	cut := r.maxOutput
	for cut > 0 && !utf8RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationMarker, true
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }

func validateDescriptor(d Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if strings.ContainsAny(d.Name, " \t\n") {
		return fmt.Errorf("tool name %q cannot contain whitespace", d.Name)
	}
	if d.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if d.Invoke == nil {
		return fmt.Errorf("tool invoke function cannot be nil")
	}
	if !d.Permission.valid() {
		return fmt.Errorf("invalid permission %q", d.Permission)
	}
	seen := make(map[string]bool, len(d.Parameters))
	for _, p := range d.Parameters {
		if p.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate parameter %s", p.Name)
		}
		seen[p.Name] = true
		if !validTypes[p.Type] {
			return fmt.Errorf("invalid parameter type %q for %s", p.Type, p.Name)
		}
		if p.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", p.Name)
		}
	}
	return nil
}

func schemaDocument(d Descriptor) map[string]interface{} {
	properties := make(map[string]interface{}, len(d.Parameters))
	required := []string{}
	for _, p := range d.Parameters {
		prop := map[string]interface{}{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	doc := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

func validateArgs(schema *gojsonschema.Schema, args map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidArguments, strings.Join(msgs, "; "))
	}
	return nil
}
