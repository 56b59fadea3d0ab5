package smtptest

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// Authenticator checks SMTP AUTH credentials against one configured account.
type Authenticator struct {
	username string
	password string
}

// NewAuthenticator creates an Authenticator. If both username and password
// are empty, authentication is disabled.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{
		username: username,
		password: password,
	}
}

// Enabled reports whether credentials are configured.
func (a *Authenticator) Enabled() bool {
	return a.username != "" && a.password != ""
}

// VerifyPlain decodes and verifies an AUTH PLAIN response of the form
// base64(authzid \0 authcid \0 password).
func (a *Authenticator) VerifyPlain(encoded string) error {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("invalid base64 encoding")
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return fmt.Errorf("invalid AUTH PLAIN format")
	}

	if parts[1] != a.username || parts[2] != a.password {
		return fmt.Errorf("authentication failed")
	}
	return nil
}

// VerifyLogin verifies base64-encoded AUTH LOGIN credentials.
func (a *Authenticator) VerifyLogin(encodedUser, encodedPass string) error {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return fmt.Errorf("invalid base64 username")
	}

	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return fmt.Errorf("invalid base64 password")
	}

	if string(user) != a.username || string(pass) != a.password {
		return fmt.Errorf("authentication failed")
	}
	return nil
}

// VerifyCRAMMD5 verifies the base64 response to challenge, which must be
// "username hex(hmac-md5(password, challenge))".
func (a *Authenticator) VerifyCRAMMD5(challenge, encoded string) error {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("invalid base64 encoding")
	}

	user, digest, ok := strings.Cut(string(decoded), " ")
	if !ok {
		return fmt.Errorf("invalid CRAM-MD5 format")
	}

	mac := hmac.New(md5.New, []byte(a.password))
	mac.Write([]byte(challenge))
	want := hex.EncodeToString(mac.Sum(nil))

	if user != a.username || !hmac.Equal([]byte(digest), []byte(want)) {
		return fmt.Errorf("authentication failed")
	}
	return nil
}
