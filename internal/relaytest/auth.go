package relaytest

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"
)

var (
	errBadEncoding = errors.New("invalid base64 encoding")
	errBadFormat   = errors.New("invalid AUTH PLAIN format")
	errRejected    = errors.New("authentication failed")
)

// authenticator checks AUTH PLAIN and AUTH LOGIN credentials against the
// single account the relay accepts.
type authenticator struct {
	username string
	password string
}

func newAuthenticator(username, password string) *authenticator {
	return &authenticator{username: username, password: password}
}

// enabled reports whether the relay demands authentication.
func (a *authenticator) enabled() bool {
	return a.username != "" && a.password != ""
}

// verifyPlain checks base64(authzid \0 authcid \0 password). The
// authorization identity is ignored. It returns the authenticated user.
func (a *authenticator) verifyPlain(encoded string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", errBadEncoding
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return "", errBadFormat
	}
	if !a.match(parts[1], parts[2]) {
		return "", errRejected
	}
	return parts[1], nil
}

// verifyLogin checks the two base64 answers of the LOGIN exchange.
func (a *authenticator) verifyLogin(encodedUser, encodedPass string) (string, error) {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return "", errBadEncoding
	}
	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return "", errBadEncoding
	}
	if !a.match(string(user), string(pass)) {
		return "", errRejected
	}
	return string(user), nil
}

func (a *authenticator) match(user, pass string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(a.password)) == 1
	return userOK && passOK
}
