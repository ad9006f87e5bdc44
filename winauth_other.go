//go:build !windows

package fidget

import (
	"errors"

	"github.com/Azure/go-ntlmssp"
)

// ntlmContext is a handshake driven by explicit credentials.
type ntlmContext struct {
	creds *NTLMCredentials
}

func newAuthContext(creds *NTLMCredentials) (authContext, []byte, error) {
	var domain string
	if creds != nil {
		domain = creds.Domain
	}
	token, err := ntlmssp.NewNegotiateMessage(domain, "")
	if err != nil {
		return nil, nil, err
	}
	return &ntlmContext{creds: creds}, token, nil
}

func (c *ntlmContext) respond(challenge []byte) ([]byte, error) {
	if c.creds == nil || c.creds.Username == "" {
		return nil, errors.New("no credentials configured")
	}
	user := c.creds.Username
	domainNeeded := c.creds.Domain != ""
	if c.creds.Domain == "" {
		// Accept DOMAIN\user and user@domain forms.
		user, _, domainNeeded = ntlmssp.GetDomain(user)
	}
	return ntlmssp.ProcessChallenge(challenge, user, c.creds.Password, domainNeeded)
}

func (c *ntlmContext) release() {}
