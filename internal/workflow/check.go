package workflow

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kidoz/esxi-patcher-go/internal/config"
	"github.com/kidoz/esxi-patcher-go/internal/esxcli"
)

// CheckResult is the outcome of a connectivity self-test against one host.
type CheckResult struct {
	Host     string
	Address  string
	Version  string
	Product  string
	ShellErr error
	APIErr   error
}

// OK reports whether both the shell and the management API answered.
func (r CheckResult) OK() bool {
	return r.ShellErr == nil && r.APIErr == nil
}

// Check logs into host over SSH and the management API without changing
// anything, and reports what each side answered.
func (c *Controller) Check(ctx context.Context, host config.HostConfig) CheckResult {
	log := c.log.With(zap.String("host", host.Name), zap.String("address", host.Address))
	res := CheckResult{Host: host.Name, Address: host.Address}

	shell, err := c.dialer.Dial(ctx, c.target(host))
	if err == nil {
		out, runErr := shell.Run(ctx, esxcli.VersionCommand)
		switch {
		case runErr != nil:
			err = runErr
		case !out.OK():
			err = fmt.Errorf("%s exited with %d", esxcli.VersionCommand, out.ExitCode)
		default:
			res.Version = strings.TrimSpace(out.Stdout)
		}
		_ = shell.Close()
	}
	res.ShellErr = err

	api, err := c.connector.Connect(ctx, c.endpoint(host))
	if err == nil {
		res.Product = api.Product()
		if logoutErr := api.Logout(ctx); logoutErr != nil {
			log.Debug("Logout after check failed", zap.Error(logoutErr))
		}
	}
	res.APIErr = err

	if res.OK() {
		log.Info("Connectivity check passed", zap.String("version", res.Version), zap.String("product", res.Product))
	} else {
		log.Warn("Connectivity check failed", zap.NamedError("ssh_error", res.ShellErr), zap.NamedError("api_error", res.APIErr))
	}
	return res
}
