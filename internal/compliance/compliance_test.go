package compliance

import (
	"io"
	"log/slog"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNormalizeHandshakeEchoesRecognizedVersion(t *testing.T) {
	result := &mcp.InitializeResult{ProtocolVersion: "2024-11-05"}
	normalized := NormalizeHandshake(result, "2024-11-05")
	assert.Equal(t, "2024-11-05", normalized.ProtocolVersion)
}

func TestNormalizeHandshakeFallsBackOnUnrecognizedVersion(t *testing.T) {
	result := &mcp.InitializeResult{ProtocolVersion: "2024-11-05"}
	normalized := NormalizeHandshake(result, "1999-01-01")
	assert.Equal(t, PrimaryProtocolVersion, normalized.ProtocolVersion)
}

func TestNormalizeHandshakeIdempotent(t *testing.T) {
	result := &mcp.InitializeResult{ProtocolVersion: "2024-11-05", Instructions: "hello"}
	once := NormalizeHandshake(result, "2024-11-05")
	twice := NormalizeHandshake(once, "2024-11-05")
	assert.Equal(t, once, twice)
}

func TestNormalizeToolDefDropsUnnamed(t *testing.T) {
	logger := discardLogger()
	assert.Nil(t, NormalizeToolDef(mcp.Tool{}, logger))
}

func TestNormalizeToolDefDefaultsSchema(t *testing.T) {
	logger := discardLogger()
	tool := mcp.Tool{Name: "echo"}
	normalized := NormalizeToolDef(tool, logger)
	require.NotNil(t, normalized)
	assert.Equal(t, "object", normalized.InputSchema.Type)
}

func TestNormalizeToolDefsDropsOnlyUnnamed(t *testing.T) {
	logger := discardLogger()
	tools := []mcp.Tool{{Name: "a"}, {}, {Name: "b"}}
	out := NormalizeToolDefs(tools, logger)
	assert.Len(t, out, 2)
}

func TestErrorCodeForHTTPStatus(t *testing.T) {
	assert.Equal(t, 0, ErrorCodeForHTTPStatus(200))
	assert.True(t, ErrorCodeForHTTPStatus(404) <= -32000 && ErrorCodeForHTTPStatus(404) >= -32099)
	assert.True(t, ErrorCodeForHTTPStatus(500) <= -32000 && ErrorCodeForHTTPStatus(500) >= -32099)
}

func TestRelocateServerInfoInstructionsFromTopLevelEnvelope(t *testing.T) {
	result := &mcp.InitializeResult{ProtocolVersion: "2024-11-05"}
	raw := []byte(`{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2024-11-05","serverInfo":{"name":"s","version":"1","instructions":"read the README"}}}`)
	relocated := RelocateServerInfoInstructions(result, raw)
	assert.Equal(t, "read the README", relocated.Instructions)
}

func TestRelocateServerInfoInstructionsNoopWhenTopLevelAlreadySet(t *testing.T) {
	result := &mcp.InitializeResult{Instructions: "top level wins"}
	raw := []byte(`{"serverInfo":{"instructions":"nested, should be ignored"}}`)
	relocated := RelocateServerInfoInstructions(result, raw)
	assert.Equal(t, "top level wins", relocated.Instructions)
}

func TestRelocateServerInfoInstructionsNoopWhenNothingNested(t *testing.T) {
	result := &mcp.InitializeResult{}
	raw := []byte(`{"serverInfo":{"name":"s","version":"1"}}`)
	relocated := RelocateServerInfoInstructions(result, raw)
	assert.Empty(t, relocated.Instructions)
}

func TestCoerceNullCapabilitiesTurnsNullIntoEmptyObject(t *testing.T) {
	result := &mcp.InitializeResult{}
	raw := []byte(`{"capabilities":{"tools":null,"resources":{"subscribe":true}}}`)
	coerced := CoerceNullCapabilities(result, raw)
	require.NotNil(t, coerced.Capabilities.Tools)
	require.NotNil(t, coerced.Capabilities.Resources)
}

func TestCoerceNullCapabilitiesLeavesAbsentKeysOmitted(t *testing.T) {
	result := &mcp.InitializeResult{}
	raw := []byte(`{"capabilities":{"resources":{}}}`)
	coerced := CoerceNullCapabilities(result, raw)
	assert.Nil(t, coerced.Capabilities.Prompts)
}

func TestCoerceNullCapabilitiesNoopWithoutRawBody(t *testing.T) {
	result := &mcp.InitializeResult{}
	assert.Same(t, result, CoerceNullCapabilities(result, nil))
}

func TestSynthesizeResourcesListIsEmptyNotNil(t *testing.T) {
	result := SynthesizeResourcesList()
	assert.NotNil(t, result.Resources)
	assert.Len(t, result.Resources, 0)

	templates := SynthesizeResourceTemplatesList()
	assert.NotNil(t, templates.ResourceTemplates)
	assert.Len(t, templates.ResourceTemplates, 0)
}
