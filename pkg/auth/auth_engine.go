package auth

import (
	"context"
	"net/http"
)

type User struct {
	Name string
}

type AuthEngine interface {

	// AuthenticateRequest inspects the given HTTP request for valid
	// authentication credentials. If valid, it returns a User object; otherwise, it
	// returns nil. An error is returned if there was an issue processing
	// the authentication.
	AuthenticateRequest(ctx context.Context, rq *http.Request) (*User, error)
}

// AnonymousAuthEngine accepts every request.
type AnonymousAuthEngine struct{}

func (AnonymousAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	return &User{Name: "anonymous"}, nil
}
