package fusionsolar

import (
	"context"
	"time"

	"github.com/fusionsolarplus/fusionsolarplus/pkg/captcha"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// Connector creates logged in clients for configured devices.
type Connector struct {
	timeout time.Duration
	solver  *captcha.HTTPSolver
	urlFor  func(subdomain string) string
}

// Configured registers the fusionsolar-timeout flag and returns a Connector
// that answers captchas with solver when it is enabled.
func Configured(solver *captcha.HTTPSolver) *Connector {
	timeout := lflag.Duration("fusionsolar-timeout", time.Minute, "Timeout of a single FusionSolar request")

	cn := &Connector{solver: solver}
	lflag.Do(func() {
		cn.timeout = *timeout
	})
	return cn
}

// NewClient returns a client for the device's account without logging in.
func (cn *Connector) NewClient(d types.Device) *Client {
	cfg := Config{
		Username:  d.Username,
		Password:  d.Password,
		Subdomain: d.SubdomainOrDefault(),
		Timeout:   cn.timeout,
	}
	// keep a nil interface when there is no solver
	if cn.solver.Enabled() {
		cfg.Solver = cn.solver
	}
	c := New(cfg)
	if cn.urlFor != nil {
		c.urlFor = cn.urlFor
	}
	return c
}

// Connect returns a logged in client for the device's account.
func (cn *Connector) Connect(ctx context.Context, d types.Device) (*Client, error) {
	c := cn.NewClient(d)
	if err := c.Login(ctx); err != nil {
		return nil, err
	}
	return c, nil
}
