package research

import (
	"errors"
	"fmt"
)

var (
	errNoPlanArray = errors.New("plan reply has no JSON array")
	errNotHTTP     = errors.New("not an http(s) url")
	errNotHTML     = errors.New("content type is not html")
)

func errStatus(code int) error {
	return fmt.Errorf("unexpected status %d", code)
}
