package inbetweenies

import "context"

// Transport carries one sync exchange to the server. Implementations wrap
// non-retriable failures (4xx responses, validation rejections) in
// backoff.Permanent so the engine's retry loop stops immediately; transport
// faults and 5xx responses are returned plain and retried.
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, req *Request) (*Response, error)

func (f TransportFunc) Send(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}
