package llm

import (
	"context"
	"errors"
)

var errLocalMode = errors.New("local LLM mode is not implemented")

// LocalProvider fails every call, which leaves the caller on its
// fallback replies.
type LocalProvider struct{}

func (LocalProvider) Complete(ctx context.Context, req Request) (Response, error) {
	return Response{}, errLocalMode
}

func (LocalProvider) Stream(ctx context.Context, req Request, onDelta func(string) error) (Response, error) {
	return Response{}, errLocalMode
}
