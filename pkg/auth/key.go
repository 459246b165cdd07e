package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
)

const (
	FunctionKeyHeader = "x-functions-key"
	FunctionKeyQuery  = "code"
)

// KeyAuthEngine authenticates requests carrying one of a fixed set of
// invocation keys, either in the x-functions-key header or the code query
// parameter.
type KeyAuthEngine struct {
	keys [][]byte
}

// NewKeyAuthEngine creates a KeyAuthEngine accepting any of keys. Empty keys
// are ignored.
func NewKeyAuthEngine(keys ...string) *KeyAuthEngine {
	e := &KeyAuthEngine{}
	for _, k := range keys {
		if k != "" {
			e.keys = append(e.keys, []byte(k))
		}
	}
	return e
}

func (e *KeyAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	presented := r.Header.Get(FunctionKeyHeader)
	if presented == "" {
		presented = r.URL.Query().Get(FunctionKeyQuery)
	}
	if presented == "" {
		return nil, nil
	}

	for _, key := range e.keys {
		if subtle.ConstantTimeCompare([]byte(presented), key) == 1 {
			return &User{Name: "function-key"}, nil
		}
	}

	return nil, nil
}
