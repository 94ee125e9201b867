package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/ssestream"
	"github.com/openai/openai-go/v3/responses"

	"github.com/izzoa/ccproxy/internal/auth"
	"github.com/izzoa/ccproxy/internal/stream"
)

// SDKBackend dispatches through the openai-go Responses client. Events come
// back as SDK unions; their raw JSON is run through the same classifier the
// SSE parser uses, so both backends produce identical event streams.
type SDKBackend struct {
	client openai.Client
}

// NewSDKBackend builds an SDK backend against the given base URL. Credentials
// are resolved per request so refreshing token sources keep working.
func NewSDKBackend(baseURL string, tokens auth.TokenSource, headers map[string]string) *SDKBackend {
	opts := []option.RequestOption{
		option.WithBaseURL(baseURL),
		option.WithAPIKey("unused"),
		option.WithMaxRetries(1),
	}
	for name, value := range headers {
		opts = append(opts, option.WithHeader(name, value))
	}
	opts = append(opts, option.WithMiddleware(func(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
		token, err := tokens.Token(req.Context())
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return next(req)
	}))
	return &SDKBackend{client: openai.NewClient(opts...)}
}

func (b *SDKBackend) Dispatch(ctx context.Context, req *Request) (EventSource, error) {
	params := buildSDKParams(req)

	if req.Stream {
		s := b.client.Responses.NewStreaming(ctx, params)
		if err := s.Err(); err != nil {
			return nil, mapSDKError(err)
		}
		return &sdkStreamSource{stream: s, cls: stream.NewClassifier()}, nil
	}

	resp, err := b.client.Responses.New(ctx, params)
	if err != nil {
		return nil, mapSDKError(err)
	}
	return synthesizeFromResponse([]byte(resp.RawJSON())), nil
}

func mapSDKError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &UpstreamError{
			StatusCode: apiErr.StatusCode,
			Body:       []byte(apiErr.RawJSON()),
		}
	}
	if ne, ok := underlyingNetError(err); ok && ne.Timeout() {
		return &TimeoutError{Phase: "dispatch"}
	}
	return &DispatchError{Err: err}
}

// sdkStreamSource adapts the SDK event stream to an EventSource.
type sdkStreamSource struct {
	stream  *ssestream.Stream[responses.ResponseStreamEventUnion]
	cls     *stream.Classifier
	pending []stream.Event
}

func (s *sdkStreamSource) Next() (*stream.Event, error) {
	for {
		if len(s.pending) > 0 {
			evt := s.pending[0]
			s.pending = s.pending[1:]
			return &evt, nil
		}
		if s.cls.Done() {
			return nil, io.EOF
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				return nil, mapSDKError(err)
			}
			return nil, io.EOF
		}
		s.pending = s.cls.Feed(s.stream.Current().RawJSON())
	}
}

func (s *sdkStreamSource) Close() error {
	return s.stream.Close()
}
