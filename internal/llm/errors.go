package llm

import (
	"errors"
	"fmt"
)

// ErrEmptyResponse means the model finished without text or tool calls.
var ErrEmptyResponse = errors.New("LLM response was empty")

type ErrUnsupportedProvider struct {
	Provider string
}

func (e ErrUnsupportedProvider) Error() string {
	return fmt.Sprintf("unsupported LLM provider: %s", e.Provider)
}
