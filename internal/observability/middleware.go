package observability

import (
	"context"
	"time"

	"github.com/haasonsaas/drover/internal/llm"
)

// TracingMiddleware wraps the client's complete path in an LLM span. Token
// usage and the finish reason land on the span as attributes; errors are
// recorded and flip the span status.
func TracingMiddleware(tracer *Tracer) llm.Middleware {
	return func(next llm.CompleteFunc) llm.CompleteFunc {
		return func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
			ctx, span := tracer.TraceLLMRequest(ctx, req.Provider, req.Model)
			defer span.End()

			res, err := next(ctx, req)
			if err != nil {
				tracer.RecordError(span, err)
				return nil, err
			}
			tracer.SetAttributes(span,
				"llm.input_tokens", res.Usage.InputTokens,
				"llm.output_tokens", res.Usage.OutputTokens,
				"llm.finish_reason", string(res.FinishReason.Reason),
			)
			return res, nil
		}
	}
}

// TracingStreamMiddleware is the stream-path counterpart. The span stays
// open until the provider closes the event channel, so it covers the full
// streamed response rather than just the dial.
func TracingStreamMiddleware(tracer *Tracer) llm.StreamMiddleware {
	return func(next llm.StreamFunc) llm.StreamFunc {
		return func(ctx context.Context, req *llm.Request) (<-chan llm.StreamEvent, error) {
			ctx, span := tracer.TraceLLMRequest(ctx, req.Provider, req.Model)

			events, err := next(ctx, req)
			if err != nil {
				tracer.RecordError(span, err)
				span.End()
				return nil, err
			}

			out := make(chan llm.StreamEvent)
			go func() {
				defer close(out)
				defer span.End()
				for ev := range events {
					if ev.Err != nil {
						tracer.RecordError(span, ev.Err)
					}
					if ev.Usage != nil {
						tracer.SetAttributes(span,
							"llm.input_tokens", ev.Usage.InputTokens,
							"llm.output_tokens", ev.Usage.OutputTokens,
						)
					}
					out <- ev
				}
			}()
			return out, nil
		}
	}
}

// MetricsMiddleware records request latency, outcome, and token counts for
// every completion the client issues. Install it on clients whose call sites
// do not record usage themselves; the agent session records at its own call
// site and must not also carry this middleware.
func MetricsMiddleware(metrics *Metrics) llm.Middleware {
	return func(next llm.CompleteFunc) llm.CompleteFunc {
		return func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
			start := time.Now()
			res, err := next(ctx, req)
			if err != nil {
				metrics.RecordLLMRequest(req.Provider, req.Model, time.Since(start), 0, 0, err)
				return nil, err
			}
			metrics.RecordLLMRequest(res.Provider, res.Model, time.Since(start),
				res.Usage.InputTokens, res.Usage.OutputTokens, nil)
			return res, nil
		}
	}
}
