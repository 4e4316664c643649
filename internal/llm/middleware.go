package llm

import "context"

// CompleteFunc is the terminal shape of the complete path.
type CompleteFunc func(ctx context.Context, req *Request) (*Response, error)

// Middleware wraps the complete path. The first middleware registered on a
// client is outermost: it sees the request first and the response last.
type Middleware func(next CompleteFunc) CompleteFunc

// StreamFunc is the terminal shape of the stream path.
type StreamFunc func(ctx context.Context, req *Request) (<-chan StreamEvent, error)

// StreamMiddleware wraps the stream path with the same onion ordering.
type StreamMiddleware func(next StreamFunc) StreamFunc

// chainComplete folds the middleware list right-to-left over the terminal so
// the first element ends up outermost.
func chainComplete(mws []Middleware, terminal CompleteFunc) CompleteFunc {
	h := terminal
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func chainStream(mws []StreamMiddleware, terminal StreamFunc) StreamFunc {
	h := terminal
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// AdaptToStream lifts a request-only middleware onto the stream path: the
// middleware runs against a dummy next that captures the transformed
// request, and the real stream is opened with the captured request. Response
// transformations in the middleware are lost; only use this for middleware
// that rewrites requests.
func AdaptToStream(mw Middleware) StreamMiddleware {
	return func(next StreamFunc) StreamFunc {
		return func(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
			captured := req
			probe := mw(func(_ context.Context, transformed *Request) (*Response, error) {
				captured = transformed
				return &Response{}, nil
			})
			if _, err := probe(ctx, req); err != nil {
				return nil, err
			}
			return next(ctx, captured)
		}
	}
}
