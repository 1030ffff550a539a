// Package pipeline sequences input guard, protected core execution with an
// audit retry loop, and output guard. The input guard and the first core
// execution run speculatively in parallel.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/run-bigpig/llm-guard/pkg/dedup"
	"github.com/run-bigpig/llm-guard/pkg/detection"
	"github.com/run-bigpig/llm-guard/pkg/fingerprint"
	"github.com/run-bigpig/llm-guard/pkg/guardrails"
	"github.com/run-bigpig/llm-guard/pkg/interfaces"
	"github.com/run-bigpig/llm-guard/pkg/logging"
	"github.com/run-bigpig/llm-guard/pkg/metrics"
	"github.com/run-bigpig/llm-guard/pkg/multitenancy"
)

// Stage is a state of the trust pipeline
type Stage string

const (
	StageStart         Stage = "START"
	StageInputGuard    Stage = "INPUT_GUARD"
	StageCoreExecution Stage = "CORE_EXECUTION"
	StageAuditRetry    Stage = "AUDIT_RETRY"
	StageOutputGuard   Stage = "OUTPUT_GUARD"
	StageDone          Stage = "DONE"
	StageBlocked       Stage = "BLOCKED"
)

const (
	// DefaultRetryBudget is the number of core re-executions after a failed audit
	DefaultRetryBudget = 2
	// DefaultCoreTimeout bounds each core execution
	DefaultCoreTimeout = 30 * time.Second

	defaultInputBlocked  = "Request blocked by security policy."
	defaultOutputBlocked = "Response withheld by security policy."
)

// Detector screens a text
type Detector interface {
	Detect(ctx context.Context, text string) (detection.Verdict, error)
}

// Result is the outcome of Process. Stage is INPUT_GUARD or OUTPUT_GUARD
// when the request was blocked there, DONE otherwise.
type Result struct {
	IsTrusted     bool               `json:"is_trusted"`
	Stage         Stage              `json:"stage"`
	Response      string             `json:"response"`
	TrustVerified bool               `json:"trust_verified"`
	Attempts      int                `json:"attempts"`
	InputVerdict  *detection.Verdict `json:"input_verdict,omitempty"`
	OutputVerdict *detection.Verdict `json:"output_verdict,omitempty"`
	RequestID     string             `json:"request_id"`
}

func (r *Result) clone() *Result {
	out := *r
	if r.InputVerdict != nil {
		v := r.InputVerdict.Clone()
		out.InputVerdict = &v
	}
	if r.OutputVerdict != nil {
		v := r.OutputVerdict.Clone()
		out.OutputVerdict = &v
	}
	return &out
}

// CoreExecutionError is a failure of the protected core
type CoreExecutionError struct {
	Attempt int
	Err     error
}

func (e *CoreExecutionError) Error() string {
	return fmt.Sprintf("core execution failed on attempt %d: %v", e.Attempt, e.Err)
}

// Unwrap returns the core's error
func (e *CoreExecutionError) Unwrap() error {
	return e.Err
}

var errInputBlocked = errors.New("input blocked")

// Pipeline is the chain-of-trust state machine. It is safe for concurrent use.
type Pipeline struct {
	enforcer      *guardrails.Enforcer
	input         Detector
	output        Detector
	core          interfaces.CoreExecutor
	auditor       interfaces.Auditor
	requirements  string
	scanner       *guardrails.OutputScanner
	retryBudget   int
	failOpen      bool
	coreTimeout   time.Duration
	inputBlocked  string
	outputBlocked string
	logger        logging.Logger
	metrics       *metrics.Metrics
	tracer        interfaces.Tracer
	group         *dedup.Group[*Result]
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithOutputGuard sets the output detector. Defaults to the input detector.
func WithOutputGuard(d Detector) Option {
	return func(p *Pipeline) {
		p.output = d
	}
}

// WithAuditor enables the audit retry loop
func WithAuditor(auditor interfaces.Auditor, requirements string) Option {
	return func(p *Pipeline) {
		p.auditor = auditor
		p.requirements = requirements
	}
}

// WithRetryBudget sets how many times the core may be re-run after a failed audit
func WithRetryBudget(budget int) Option {
	return func(p *Pipeline) {
		if budget >= 0 {
			p.retryBudget = budget
		}
	}
}

// WithFailOpen lets requests through when detection is unavailable
func WithFailOpen(failOpen bool) Option {
	return func(p *Pipeline) {
		p.failOpen = failOpen
	}
}

// WithCoreTimeout bounds each core execution
func WithCoreTimeout(timeout time.Duration) Option {
	return func(p *Pipeline) {
		p.coreTimeout = timeout
	}
}

// WithOutputScanner sets the scanner applied to responses
func WithOutputScanner(scanner *guardrails.OutputScanner) Option {
	return func(p *Pipeline) {
		p.scanner = scanner
	}
}

// WithBlockedResponses sets the placeholders returned for blocked requests
func WithBlockedResponses(input, output string) Option {
	return func(p *Pipeline) {
		if input != "" {
			p.inputBlocked = input
		}
		if output != "" {
			p.outputBlocked = output
		}
	}
}

// WithLogger sets the logger for the pipeline
func WithLogger(logger logging.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics recorder for the pipeline
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithTracer traces pipeline stages
func WithTracer(tracer interfaces.Tracer) Option {
	return func(p *Pipeline) {
		p.tracer = tracer
	}
}

// New creates a pipeline
func New(enforcer *guardrails.Enforcer, input Detector, core interfaces.CoreExecutor, options ...Option) *Pipeline {
	p := &Pipeline{
		enforcer:      enforcer,
		input:         input,
		core:          core,
		retryBudget:   DefaultRetryBudget,
		coreTimeout:   DefaultCoreTimeout,
		inputBlocked:  defaultInputBlocked,
		outputBlocked: defaultOutputBlocked,
		logger:        logging.NewNop(),
	}
	for _, option := range options {
		option(p)
	}
	if p.output == nil {
		p.output = p.input
	}
	if p.scanner == nil {
		p.scanner = guardrails.NewOutputScanner(guardrails.WithLogger(p.logger))
	}

	m := p.metrics
	p.group = dedup.New[*Result](
		dedup.WithLogger(p.logger),
		dedup.WithSharedHook(func() { m.Shared("process") }),
	)
	return p
}

// Process screens text, runs the core and screens its output. Validation
// failures return a *guardrails.ValidationError and core failures a
// *CoreExecutionError; blocking is a result, not an error.
func (p *Pipeline) Process(ctx context.Context, text string, capabilities []string) (*Result, error) {
	if err := p.enforcer.ValidateRequest(text, capabilities); err != nil {
		p.logger.Info(ctx, "Request rejected by policy", map[string]interface{}{
			"error": err.Error(),
		})
		return nil, err
	}

	key, err := requestKey(ctx, text, capabilities)
	if err != nil {
		return nil, err
	}

	result, _, err := p.group.DoKey(ctx, key, func(ctx context.Context) (*Result, error) {
		return p.run(ctx, text, capabilities)
	})
	if err != nil {
		return nil, err
	}

	out := result.clone()
	out.RequestID = logging.RequestID(ctx)
	if out.RequestID == "" {
		out.RequestID = uuid.NewString()
	}
	return out, nil
}

// requestKey scopes sharing to one tenant; the shared run carries the
// first caller's org ID.
func requestKey(ctx context.Context, text string, capabilities []string) (fingerprint.Fingerprint, error) {
	caps := make([]string, len(capabilities))
	for i, c := range capabilities {
		caps[i] = strings.ToLower(strings.TrimSpace(c))
	}
	sort.Strings(caps)
	orgID, _ := multitenancy.GetOrgID(ctx)
	return fingerprint.OfValue(map[string]interface{}{
		"text":         fingerprint.Normalize(text),
		"capabilities": caps,
		"org_id":       orgID,
	})
}

func (p *Pipeline) run(ctx context.Context, text string, capabilities []string) (*Result, error) {
	ctx, finish := p.span(ctx, "pipeline.process")
	defer finish()

	result, err := p.execute(ctx, text, capabilities)
	if err != nil {
		return nil, err
	}

	p.metrics.PipelineOutcome(string(result.Stage), result.IsTrusted, result.TrustVerified, result.Attempts)
	p.logger.Info(ctx, "Request processed", map[string]interface{}{
		"stage":          string(result.Stage),
		"is_trusted":     result.IsTrusted,
		"trust_verified": result.TrustVerified,
		"attempts":       result.Attempts,
	})
	return result, nil
}

func (p *Pipeline) execute(ctx context.Context, text string, capabilities []string) (*Result, error) {
	p.enter(ctx, StageStart)

	// Speculative start: the input guard and the first core run share one
	// scope; a block cancels the scope and the core output is dropped.
	g, scope := errgroup.WithContext(ctx)
	guardDone := make(chan struct{})

	var (
		inputVerdict *detection.Verdict
		inputErr     error
		firstOutput  string
		firstErr     error
	)

	g.Go(func() error {
		defer close(guardDone)
		p.enter(scope, StageInputGuard)
		v, err := p.input.Detect(scope, text)
		if err != nil {
			inputErr = err
			if p.failOpen && ctx.Err() == nil {
				return nil
			}
			return errInputBlocked
		}
		inputVerdict = &v
		if v.IsThreat {
			return errInputBlocked
		}
		return nil
	})

	g.Go(func() error {
		p.enter(scope, StageCoreExecution)
		firstOutput, firstErr = p.runCore(scope, text, capabilities, "", 1)
		return nil
	})

	<-guardDone

	if inputErr != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.logger.Warn(ctx, "Input detection unavailable", map[string]interface{}{
			"error":     inputErr.Error(),
			"fail_open": p.failOpen,
		})
		if !p.failOpen {
			return p.blocked(StageInputGuard, p.inputBlocked, nil, nil, 0, false), nil
		}
	}

	if inputVerdict != nil && inputVerdict.IsThreat {
		p.logger.Warn(ctx, "Input blocked", map[string]interface{}{
			"threat_type": string(inputVerdict.ThreatType),
			"confidence":  inputVerdict.Confidence,
		})
		return p.blocked(StageInputGuard, p.inputBlocked, inputVerdict, nil, 0, false), nil
	}

	_ = g.Wait()
	if firstErr != nil {
		return nil, &CoreExecutionError{Attempt: 1, Err: firstErr}
	}

	output, attempts, verified, err := p.audit(ctx, text, capabilities, firstOutput)
	if err != nil {
		return nil, err
	}

	if !p.enforcer.Policy().RequireOutputValidation() {
		p.enter(ctx, StageDone)
		return &Result{
			IsTrusted:     true,
			Stage:         StageDone,
			Response:      output,
			TrustVerified: verified,
			Attempts:      attempts,
			InputVerdict:  inputVerdict,
		}, nil
	}

	return p.guardOutput(ctx, output, attempts, verified, inputVerdict)
}

// audit critiques the core output and re-runs the core with the critique as
// guidance until it passes or the retry budget is spent
func (p *Pipeline) audit(ctx context.Context, text string, capabilities []string, output string) (string, int, bool, error) {
	attempts := 1
	if p.auditor == nil {
		return output, attempts, true, nil
	}

	for {
		p.enter(ctx, StageAuditRetry)
		critique, err := p.auditor.Critique(ctx, output, p.requirements)
		if err != nil {
			p.logger.Warn(ctx, "Auditor failed, counting as rejection", map[string]interface{}{
				"error":   err.Error(),
				"attempt": attempts,
			})
			critique = interfaces.Critique{Valid: false, Feedback: err.Error()}
		}
		if critique.Valid {
			return output, attempts, true, nil
		}
		if attempts > p.retryBudget {
			p.logger.Warn(ctx, "Audit retry budget exhausted", map[string]interface{}{
				"attempts": attempts,
				"feedback": critique.Feedback,
			})
			return output, attempts, false, nil
		}

		attempts++
		p.enter(ctx, StageCoreExecution)
		output, err = p.runCore(ctx, text, capabilities, critique.Feedback, attempts)
		if err != nil {
			return "", attempts, false, &CoreExecutionError{Attempt: attempts, Err: err}
		}
	}
}

func (p *Pipeline) guardOutput(ctx context.Context, output string, attempts int, verified bool, inputVerdict *detection.Verdict) (*Result, error) {
	p.enter(ctx, StageOutputGuard)

	var outputVerdict *detection.Verdict
	v, err := p.output.Detect(ctx, output)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		p.logger.Warn(ctx, "Output detection unavailable", map[string]interface{}{
			"error":     err.Error(),
			"fail_open": p.failOpen,
		})
		if !p.failOpen {
			return p.blocked(StageOutputGuard, p.outputBlocked, inputVerdict, nil, attempts, verified), nil
		}
	} else {
		outputVerdict = &v
		if v.IsThreat {
			p.logger.Warn(ctx, "Output blocked", map[string]interface{}{
				"threat_type": string(v.ThreatType),
				"confidence":  v.Confidence,
			})
			return p.blocked(StageOutputGuard, p.outputBlocked, inputVerdict, outputVerdict, attempts, verified), nil
		}
	}

	scan, err := p.scanner.Scan(ctx, output)
	if err != nil {
		return nil, fmt.Errorf("failed to scan output: %w", err)
	}
	if scan.Blocked {
		return p.blocked(StageOutputGuard, p.outputBlocked, inputVerdict, outputVerdict, attempts, verified), nil
	}

	p.enter(ctx, StageDone)
	return &Result{
		IsTrusted:     true,
		Stage:         StageDone,
		Response:      scan.Text,
		TrustVerified: verified,
		Attempts:      attempts,
		InputVerdict:  inputVerdict,
		OutputVerdict: outputVerdict,
	}, nil
}

func (p *Pipeline) runCore(ctx context.Context, text string, capabilities []string, guidance string, attempt int) (string, error) {
	if p.coreTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.coreTimeout)
		defer cancel()
	}
	ctx, finish := p.span(ctx, "pipeline.core")
	defer finish()

	return p.core.Execute(ctx, interfaces.CoreRequest{
		Input:        text,
		Capabilities: capabilities,
		Guidance:     guidance,
		Attempt:      attempt,
	})
}

func (p *Pipeline) blocked(stage Stage, response string, input, output *detection.Verdict, attempts int, verified bool) *Result {
	return &Result{
		IsTrusted:     false,
		Stage:         stage,
		Response:      response,
		TrustVerified: verified,
		Attempts:      attempts,
		InputVerdict:  input,
		OutputVerdict: output,
	}
}

func (p *Pipeline) enter(ctx context.Context, stage Stage) {
	p.logger.Debug(ctx, "Pipeline stage", map[string]interface{}{
		"stage": string(stage),
	})
}

func (p *Pipeline) span(ctx context.Context, name string) (context.Context, func()) {
	if p.tracer == nil {
		return ctx, func() {}
	}
	ctx, span := p.tracer.StartSpan(ctx, name)
	return ctx, span.End
}
