// Package authoriser supplies the Authorization header value attached to
// every dispatched event.
package authoriser

import (
	"context"
	"errors"
)

var ErrNoToken = errors.New("no authorisation token configured")

type Authoriser interface {
	Authorisation(ctx context.Context) (string, error)
}

// Static returns the same token on every call.
type Static struct {
	Token string
}

func (s Static) Authorisation(context.Context) (string, error) {
	if s.Token == "" {
		return "", ErrNoToken
	}
	return s.Token, nil
}
