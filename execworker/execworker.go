// Package execworker implements the Execution Worker (spec §4.4): the
// actor that actually performs one external call — a workflow-platform
// run, an HTTP request, a data_query, or a registered named capability —
// after a preflight check confirms every parameter the target schema
// requires is present and non-empty.
package execworker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"golang.org/x/time/rate"

	"github.com/taskforge/orchestrator/agent"
	"github.com/taskforge/orchestrator/orcherr"
	"github.com/taskforge/orchestrator/task"
	"github.com/taskforge/orchestrator/toolregistry"
)

type (
	// HTTPDoer is the subset of *http.Client the Execution Worker needs;
	// narrowed so tests can stub it.
	HTTPDoer interface {
		Do(req *http.Request) (*http.Response, error)
	}

	// WorkflowRunner dispatches a run to the external workflow platform
	// named by a agent.WorkflowBinding. Kept as an interface so the HTTP
	// transport used to talk to that platform stays swappable.
	WorkflowRunner interface {
		Run(ctx context.Context, binding agent.WorkflowBinding, params map[string]any) (map[string]any, error)
	}

	// DataQueryRunner executes a data_query selector against whatever
	// backing store is configured (spec leaves the concrete store
	// external; this is the seam a deployment wires in).
	DataQueryRunner interface {
		Query(ctx context.Context, params map[string]any) (any, error)
	}

	// Outcome is what Worker.Execute returns: either a result, or a
	// non-fatal NeedInput pause describing what is still missing.
	Outcome struct {
		Result    any
		NeedInput []task.MissingParameter
	}

	// Worker is the Execution Worker. Each call to Execute performs
	// exactly one capability invocation; it holds no state across calls.
	Worker struct {
		Registry *toolregistry.Registry
		Workflow WorkflowRunner
		HTTP     HTTPDoer
		Data     DataQueryRunner

		// RateLimiter, when set, is waited on before every outbound HTTP
		// capability call, bounding the rate at which this worker hits
		// external ERP/workflow-platform endpoints.
		RateLimiter *rate.Limiter
	}
)

// New builds a Worker. http may be nil to use http.DefaultClient.
func New(reg *toolregistry.Registry, workflow WorkflowRunner, httpDoer HTTPDoer, data DataQueryRunner) *Worker {
	if httpDoer == nil {
		httpDoer = http.DefaultClient
	}
	return &Worker{Registry: reg, Workflow: workflow, HTTP: httpDoer, Data: data}
}

// WithRateLimit sets w's outbound HTTP rate limit in requests per second,
// grounded on the teacher's token-bucket approach to outbound throttling
// (features/model/middleware.AdaptiveRateLimiter), simplified to a fixed
// rate since the Execution Worker has no provider backoff signal to adapt
// to.
func (w *Worker) WithRateLimit(requestsPerSecond float64, burst int) *Worker {
	if requestsPerSecond > 0 {
		w.RateLimiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}
	return w
}

// Execute runs the preflight missing-parameter check against selector's
// registered schema, then dispatches to the matching capability branch.
// A non-empty NeedInput in the returned Outcome is not an error: callers
// transition the owning task to NEED_INPUT and persist a Resumption
// Record rather than treating it as a failure.
func (w *Worker) Execute(ctx context.Context, selector string, meta agent.Meta, params map[string]any) (Outcome, error) {
	if w.Registry != nil {
		if missing := w.Registry.MissingRequired(selector, params); len(missing) > 0 {
			out := make([]task.MissingParameter, 0, len(missing))
			for _, name := range missing {
				out = append(out, task.MissingParameter{Name: name, Prompt: w.Registry.PromptFor(selector, name)})
			}
			return Outcome{NeedInput: out}, nil
		}
	}

	switch {
	case meta.HasHTTPBinding():
		// HTTP wins over workflow when both bindings are set (spec §4.5).
		result, err := w.executeHTTP(ctx, *meta.HTTP, params)
		if err != nil {
			return Outcome{}, orcherr.Wrap(orcherr.KindRemote, "http capability call failed", err)
		}
		return Outcome{Result: result}, nil

	case meta.Workflow != nil:
		if w.Workflow == nil {
			return Outcome{}, orcherr.New(orcherr.KindRemote, "execworker: no workflow runner configured")
		}
		result, err := w.Workflow.Run(ctx, *meta.Workflow, params)
		if err != nil {
			return Outcome{}, orcherr.Wrap(orcherr.KindRemote, "workflow capability call failed", err)
		}
		return Outcome{Result: result}, nil

	case selector == string(toolregistry.CapabilityDataQuery):
		if w.Data == nil {
			return Outcome{}, orcherr.New(orcherr.KindRemote, "execworker: no data_query runner configured")
		}
		result, err := w.Data.Query(ctx, params)
		if err != nil {
			return Outcome{}, orcherr.Wrap(orcherr.KindRemote, "data_query call failed", err)
		}
		return Outcome{Result: result}, nil

	default:
		if w.Registry != nil {
			if exec, ok := w.Registry.Named(selector); ok {
				result, err := exec.Execute(ctx, params)
				if err != nil {
					return Outcome{}, orcherr.Wrap(orcherr.KindRemote, fmt.Sprintf("named capability %q failed", selector), err)
				}
				return Outcome{Result: result}, nil
			}
		}
		return Outcome{}, orcherr.New(orcherr.KindRemote, fmt.Sprintf("execworker: no executor bound for selector %q", selector))
	}
}

func (w *Worker) executeHTTP(ctx context.Context, binding agent.HTTPBinding, params map[string]any) (any, error) {
	if w.RateLimiter != nil {
		if err := w.RateLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("execworker: rate limit wait: %w", err)
		}
	}
	base := binding.BaseURL
	if base == "" {
		base = os.Getenv("ERP_API_BASE_URL")
	}
	path := binding.Path
	for k, v := range params {
		placeholder := "{" + k + "}"
		if strings.Contains(path, placeholder) {
			path = strings.ReplaceAll(path, placeholder, fmt.Sprintf("%v", v))
		}
	}

	var body io.Reader
	if binding.Method != http.MethodGet && binding.Method != http.MethodDelete {
		payload, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("execworker: encode request body: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, binding.Method, base+path, body)
	if err != nil {
		return nil, fmt.Errorf("execworker: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range binding.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execworker: http call: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("execworker: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("execworker: http %d: %s", resp.StatusCode, string(raw))
	}

	var decoded any
	if len(raw) > 0 && json.Valid(raw) {
		if err := json.Unmarshal(raw, &decoded); err == nil {
			return decoded, nil
		}
	}
	return string(raw), nil
}

// Resume completes a previously NEED_INPUT capability invocation now that
// the missing parameters have been supplied, merging them over the
// Resumption Record's original parameters before re-dispatching.
func (w *Worker) Resume(ctx context.Context, selector string, meta agent.Meta, record task.ResumptionRecord, supplied map[string]any) (Outcome, error) {
	merged := make(map[string]any, len(record.OriginalParameters)+len(supplied))
	for k, v := range record.OriginalParameters {
		merged[k] = v
	}
	for k, v := range supplied {
		merged[k] = v
	}
	return w.Execute(ctx, selector, meta, merged)
}
