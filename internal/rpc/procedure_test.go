package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogContainsCoreProcedures(t *testing.T) {
	for _, m := range []Method{MethodCreateRoom, MethodCreateMessage, MethodGetMessages, MethodAuthorize} {
		p, ok := Lookup(m)
		require.Truef(t, ok, "expected %s to be registered", m)
		assert.Equal(t, m, p.Method)
		assert.NotEmpty(t, p.HTTPMethod)
		assert.NotEmpty(t, p.Pattern)
	}
}

func TestLookupUnknownMethod(t *testing.T) {
	_, ok := Lookup(Method("DoesNotExist"))
	assert.False(t, ok)
}

func TestStreamingProceduresFlagged(t *testing.T) {
	p, ok := Lookup(MethodGetMessages)
	require.True(t, ok)
	assert.True(t, p.Streaming)

	p, ok = Lookup(MethodCreateMessage)
	require.True(t, ok)
	assert.False(t, p.Streaming)
}

func TestEndpointMatchesNexusScope(t *testing.T) {
	assert.True(t, EndpointMatches(ScopeNexus, true))
	assert.False(t, EndpointMatches(ScopeNexus, false))
}

func TestEndpointMatchesPartyAndRoomScope(t *testing.T) {
	assert.True(t, EndpointMatches(ScopeParty, false))
	assert.False(t, EndpointMatches(ScopeParty, true))
	assert.True(t, EndpointMatches(ScopeRoom, false))
	assert.False(t, EndpointMatches(ScopeRoom, true))
}

func TestUsersOnlyFlagsSetOnMutatingProcedures(t *testing.T) {
	p, ok := Lookup(MethodCreateMessage)
	require.True(t, ok)
	assert.NotZero(t, p.RequiredFlags&FlagUsersOnly)
}
