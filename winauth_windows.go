//go:build windows

package fidget

import (
	"github.com/alexbrainman/sspi"
	"github.com/alexbrainman/sspi/ntlm"
)

// sspiContext is a handshake driven by the Windows security support
// provider.
type sspiContext struct {
	cred *sspi.Credentials
	ctx  *ntlm.ClientContext
}

func newAuthContext(creds *NTLMCredentials) (authContext, []byte, error) {
	var (
		cred *sspi.Credentials
		err  error
	)
	if creds != nil && creds.Username != "" {
		cred, err = ntlm.AcquireUserCredentials(creds.Domain, creds.Username, creds.Password)
	} else {
		cred, err = ntlm.AcquireCurrentUserCredentials()
	}
	if err != nil {
		return nil, nil, err
	}

	ctx, token, err := ntlm.NewClientContext(cred)
	if err != nil {
		_ = cred.Release()
		return nil, nil, err
	}
	return &sspiContext{cred: cred, ctx: ctx}, token, nil
}

func (c *sspiContext) respond(challenge []byte) ([]byte, error) {
	return c.ctx.Update(challenge)
}

func (c *sspiContext) release() {
	_ = c.ctx.Release()
	_ = c.cred.Release()
}
