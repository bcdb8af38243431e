package transport

import (
	"context"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/mcp-hub/gateway/internal/config"
	"github.com/mcp-hub/gateway/internal/gatewayerr"
)

// eventBackoff bounds retries of SSE client construction for one EVENT
// candidate URL (initial 1s, cap 30s, ~20% jitter). A stream that drops
// after Handshake is not reconnected here.
var eventBackoff = wait.Backoff{
	Duration: 1 * time.Second,
	Factor:   2.0,
	Jitter:   0.2,
	Steps:    6,
	Cap:      30 * time.Second,
}

// legacyEventSuffix is the compatibility endpoint added as a second
// candidate when the backend opts into legacy probing (spec §4.2's "try
// url then url + /mcp/sse"). The second candidate is used only when the
// client for the primary URL cannot be constructed; a handshake failure
// against the primary URL does not fall back to it.
const legacyEventSuffix = "/mcp/sse"

// newEventClient builds an SSE client for the first candidate URL whose
// client constructs, trying the legacy-compat endpoint second when
// configured (spec §4.2). The stream itself is opened later, by
// Handshake. Companion
// outbound POSTs go to the message endpoint mcp-go's SSE transport
// discovers from the stream's initial "endpoint" event.
func newEventClient(cfg *config.BackendConfig, headers map[string]string, logger Logger) (Client, error) {
	candidates := []string{cfg.URL}
	if cfg.LegacyEventEndpointProbe {
		candidates = append(candidates, cfg.URL+legacyEventSuffix)
	}

	var lastErr error
	for _, url := range candidates {
		inner, err := connectEventCandidate(url, headers)
		if err == nil {
			return newMCPGoClient(cfg.Name, inner, true, logger), nil
		}
		lastErr = err
		logger.Warn("EVENT candidate endpoint failed, trying next", "backend", cfg.Name, "url", url, "error", err)
	}
	return nil, gatewayerr.Transport("transport.newEventClient", gatewayerr.ReasonConnectFailed, lastErr)
}

func connectEventCandidate(url string, headers map[string]string) (*mcpclient.Client, error) {
	var opts []transport.ClientOption
	if len(headers) > 0 {
		opts = append(opts, mcpclient.WithHeaders(headers))
	}
	var inner *mcpclient.Client
	err := wait.ExponentialBackoff(eventBackoff, func() (bool, error) {
		c, connErr := mcpclient.NewSSEMCPClient(url, opts...)
		if connErr != nil {
			return false, nil // retry: client construction failed
		}
		inner = c
		return true, nil
	})
	if err != nil || inner == nil {
		if err == nil {
			err = context.DeadlineExceeded
		}
		return nil, err
	}
	return inner, nil
}
