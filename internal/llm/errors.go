package llm

import (
	"errors"
	"fmt"
)

type ErrUnsupportedProvider struct {
	Provider string
}

func (e ErrUnsupportedProvider) Error() string {
	return fmt.Sprintf("unsupported LLM provider: %s", e.Provider)
}

// ErrInsufficientCredit is reported when a metered backend refuses a request
// because the account balance cannot cover it.
var ErrInsufficientCredit = errors.New("insufficient provider credit")
