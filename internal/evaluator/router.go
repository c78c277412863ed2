package evaluator

import (
	"context"

	"azazel.dev/azazel/internal/ingest"
	"azazel.dev/azazel/internal/logging"
)

// FollowupResult is a deep-stage result produced asynchronously after
// the router already returned its synchronous decision, tagged
// deep_followup when appended to the decision log.
type FollowupResult struct {
	Event  ingest.Event
	Result Result
}

// Router implements component F: the three-stage evaluation pipeline
// (exception -> rule -> deep-with-retries-and-fallback).
type Router struct {
	exception *ExceptionMatcher
	scorer    *Scorer
	deep      *DeepEvaluator
	logger    *logging.Logger

	followups chan FollowupResult
}

// NewRouter wires the three stages. deep may be nil to disable the
// remote evaluator entirely.
func NewRouter(exception *ExceptionMatcher, scorer *Scorer, deep *DeepEvaluator, logger *logging.Logger) *Router {
	if logger == nil {
		logger = logging.WithComponent("evaluator.router")
	}
	return &Router{
		exception: exception,
		scorer:    scorer,
		deep:      deep,
		logger:    logger,
		followups: make(chan FollowupResult, 64),
	}
}

// Followups exposes the channel background workers should drain to
// append deep_followup entries to the decision log.
func (r *Router) Followups() <-chan FollowupResult {
	return r.followups
}

// Evaluate runs the pipeline for one event:
//  1. exception matcher; a hit short-circuits everything else.
//  2. rule/heuristic scorer; a confidence >= 0.7 result is returned
//     directly.
//  3. the deep evaluator, admission-gated and retried; its result is
//     never missing (4.E guarantees a fallback), so it is always
//     usable when the deep stage runs. When the deep stage isn't
//     admitted, the rule result — always populated, since the scorer
//     computes a score and category for every event — is the answer.
func (r *Router) Evaluate(ctx context.Context, ev ingest.Event) Result {
	if result, ok := r.exception.Match(ev); ok {
		return result
	}

	payload := payloadOf(ev)
	ruleResult := r.scorer.Score(ev, payload)
	if ruleResult.Confidence >= 0.7 {
		return ruleResult
	}

	if r.deep != nil && r.deep.Admit() {
		deepResult := r.deep.Evaluate(ctx, ev)
		r.enqueueFollowup(ev, deepResult)
		return deepResult
	}

	return ruleResult
}

func (r *Router) enqueueFollowup(ev ingest.Event, result Result) {
	select {
	case r.followups <- FollowupResult{Event: ev, Result: result}:
	default:
		r.logger.Debug("followup queue full, dropping deep_followup entry", "src_ip", ev.SrcIP)
	}
}

func payloadOf(ev ingest.Event) string {
	if ev.Details == nil {
		return ""
	}
	if v, ok := ev.Details["payload_printable"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
