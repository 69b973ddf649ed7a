package tether

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"tethercloak/ops"
)

const (
	defaultProbeURL     = "http://connectivitycheck.gstatic.com/generate_204"
	defaultProxyTimeout = 5 * time.Second
)

// Validator confirms the device-side proxy actually forwards traffic
// before anything is redirected into it.
type Validator interface {
	Validate(ctx context.Context, info InterfaceInfo) error
}

type ProxyValidator struct {
	probeURL string
	timeout  time.Duration
}

func NewProxyValidator(probeURL string, timeout time.Duration) *ProxyValidator {
	if probeURL == "" {
		probeURL = defaultProbeURL
	}
	if timeout <= 0 {
		timeout = defaultProxyTimeout
	}
	return &ProxyValidator{probeURL: probeURL, timeout: timeout}
}

// Validate fetches a no-content probe URL through the device proxy.
// Failures are reported in executor shape under the synthetic
// operation name "proxy-validate" so the catalog can classify them.
func (v *ProxyValidator) Validate(ctx context.Context, info InterfaceInfo) error {
	dest := info.ProxyAddr()
	if !dest.IsValid() || dest.Port == 0 {
		return validationFailure(fmt.Sprintf("invalid proxy endpoint %q", dest.String()))
	}

	proxyURL := &url.URL{Scheme: "http", Host: dest.String()}
	client := &http.Client{
		Transport: &http.Transport{
			Proxy:             http.ProxyURL(proxyURL),
			DisableKeepAlives: true,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Timeout: v.timeout,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.probeURL, nil)
	if err != nil {
		return validationFailure(err.Error())
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return validationFailure(err.Error())
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	// A redirect on a no-content probe means a portal intercepted it.
	if resp.StatusCode >= 300 {
		return validationFailure(fmt.Sprintf("probe returned status %d", resp.StatusCode))
	}
	logrus.Infof("[Validator] proxy %s answered in %s (status %d)", dest, time.Since(start).Round(time.Millisecond), resp.StatusCode)
	return nil
}

func validationFailure(msg string) error {
	return &OpError{Result: ops.Result{
		Op:       ops.Operation{Name: "proxy-validate"},
		ExitCode: 1,
		Stderr:   msg,
	}}
}
