package transport

import (
	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"

	"github.com/mcp-hub/gateway/internal/config"
	"github.com/mcp-hub/gateway/internal/gatewayerr"
)

// newHTTPClient builds a streamable-HTTP client without continuous
// listening: each call is a single POST/response round trip, and the
// client tolerates SSE-framed streaming replies the same way mcp-go's
// transport does internally (spec §4.1's HTTP transport). This mirrors
// the teacher's upstream.MCPServer.Connect, minus
// transport.WithContinuousListening() which is EVENT-only behavior.
func newHTTPClient(cfg *config.BackendConfig, headers map[string]string, logger Logger) (Client, error) {
	opts := []transport.StreamableHTTPCOption{
		transport.WithHTTPHeaders(headers),
	}
	inner, err := mcpclient.NewStreamableHttpClient(cfg.URL, opts...)
	if err != nil {
		return nil, gatewayerr.Transport("transport.newHTTPClient", gatewayerr.ReasonConnectFailed, err)
	}
	return newMCPGoClient(cfg.Name, inner, true, logger), nil
}
