package scripts

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-appsec/interceptor/socketghost/config"
	"github.com/go-appsec/interceptor/socketghost/protocol"
)

// Broadcaster receives script.run and flow.script_applied events.
type Broadcaster interface {
	Broadcast(event any)
}

// Runner executes the enabled scripts for each flow phase. Every script runs
// on a private snapshot of the flow under a time budget; the snapshot is
// copied back only when the script finished in time and changed it.
type Runner struct {
	scripts []Script
	timeout time.Duration
	events  Broadcaster
	apply   func(Script, *protocol.FlowRecord) bool
}

// NewRunner compiles the enabled definitions in order. Definitions without
// an id are numbered by position so ids stay stable across restarts.
func NewRunner(cfg config.ScriptsConfig, events Broadcaster) (*Runner, error) {
	r := &Runner{timeout: cfg.Timeout, events: events, apply: Script.Apply}
	if r.timeout <= 0 {
		r.timeout = config.DefaultScriptTimeout
	}
	for i, def := range cfg.Definitions {
		if !def.Enabled {
			continue
		}
		if def.ID == "" {
			def.ID = fmt.Sprintf("script-%d", i+1)
		}
		s, err := Compile(def)
		if err != nil {
			return nil, fmt.Errorf("script %s: %w", def.ID, err)
		}
		r.scripts = append(r.scripts, s)
	}
	return r, nil
}

// Scripts returns the active scripts in execution order.
func (r *Runner) Scripts() []Script {
	return r.scripts
}

// RunOnRequest runs request header and body scripts.
func (r *Runner) RunOnRequest(ctx context.Context, flow *protocol.FlowRecord) bool {
	return r.run(ctx, flow, true)
}

// RunOnResponse runs response header and body scripts.
func (r *Runner) RunOnResponse(ctx context.Context, flow *protocol.FlowRecord) bool {
	return r.run(ctx, flow, false)
}

func (r *Runner) run(ctx context.Context, flow *protocol.FlowRecord, request bool) bool {
	var modified bool
	for _, s := range r.scripts {
		if s.requestPhase() != request {
			continue
		}

		start := time.Now()
		out, changed, err := r.execute(ctx, s, flow.Clone())
		duration := time.Since(start)

		event := protocol.ScriptRunEvent{
			V:          protocol.Version,
			Type:       protocol.EventScriptRun,
			ScriptID:   s.ID,
			FlowID:     flow.FlowID,
			PID:        flow.PID,
			DurationMs: duration.Milliseconds(),
			Modified:   changed,
			Timestamp:  time.Now().UTC(),
		}
		if err != nil {
			event.Error = err.Error()
			log.Warn().Err(err).Str("scriptId", s.ID).Str("flowId", flow.FlowID).Msg("scripts: script failed")
		}
		r.broadcast(event)
		if err != nil || !changed {
			continue
		}

		applied := append(flow.ScriptApplied, s.ID)
		*flow = *out
		flow.ScriptApplied = applied
		modified = true
		r.broadcast(protocol.FlowScriptAppliedEvent{
			V:         protocol.Version,
			Type:      protocol.EventFlowScriptApplied,
			FlowID:    flow.FlowID,
			ScriptID:  s.ID,
			Timestamp: time.Now().UTC(),
		})
		log.Debug().Str("scriptId", s.ID).Str("flowId", flow.FlowID).Msg("scripts: flow modified")
	}
	return modified
}

type result struct {
	flow    *protocol.FlowRecord
	changed bool
	err     error
}

// execute runs s on snapshot in its own goroutine. A panic or an exceeded
// budget is reported as an error and the snapshot is discarded.
func (r *Runner) execute(ctx context.Context, s Script, snapshot *protocol.FlowRecord) (*protocol.FlowRecord, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("script panicked: %v", p)}
			}
		}()
		changed := r.apply(s, snapshot)
		done <- result{flow: snapshot, changed: changed}
	}()

	select {
	case res := <-done:
		return res.flow, res.changed, res.err
	case <-ctx.Done():
		return nil, false, fmt.Errorf("script exceeded %s budget: %w", r.timeout, ctx.Err())
	}
}

func (r *Runner) broadcast(event any) {
	if r.events != nil {
		r.events.Broadcast(event)
	}
}
