// Package auth defines the authentication collaborator consumed at handshake
// time. Token verification itself lives outside this service; the transport
// only needs a verified subject identifier per connection.
package auth

import (
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthenticated is returned when no subject could be established for a
// handshake request.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator resolves the verified subject for a handshake request.
type Authenticator interface {
	Authenticate(r *http.Request) (subjectID string, err error)
}

// QueryParam is a development authenticator that trusts a query parameter as
// the subject. It stands in for a real token validator in local setups and
// tests; deployments inject their own Authenticator.
type QueryParam struct {
	// Param is the query parameter carrying the subject, "user" by default.
	Param string
}

// Authenticate implements Authenticator.
func (q QueryParam) Authenticate(r *http.Request) (string, error) {
	param := q.Param
	if param == "" {
		param = "user"
	}
	subject := strings.TrimSpace(r.URL.Query().Get(param))
	if subject == "" {
		return "", ErrUnauthenticated
	}
	return subject, nil
}
