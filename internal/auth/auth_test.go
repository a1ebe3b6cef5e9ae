package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "valid", header: "Bearer abc123", want: "abc123"},
		{name: "surrounding spaces", header: "Bearer   abc123  ", want: "abc123"},
		{name: "missing", header: "", wantErr: true},
		{name: "basic scheme", header: "Basic abc", wantErr: true},
		{name: "empty token", header: "Bearer   ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://example.test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractBearerToken(req)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuthenticate(t *testing.T) {
	tokens := []TokenConfig{
		{Token: "reader", Scopes: []string{ScopeInvokeRO, ScopeEventsRO}},
		{Token: "writer", Scopes: []string{" invoke:rw ", ""}},
	}

	p, ok := Authenticate("legacy", "legacy", tokens)
	require.True(t, ok)
	assert.Equal(t, "admin", p.Name)
	assert.True(t, HasAnyScope(p, ScopeStatsRO))

	p, ok = Authenticate("reader", "legacy", tokens)
	require.True(t, ok)
	assert.Equal(t, "token-0", p.Name)
	assert.True(t, HasAnyScope(p, ScopeInvokeRO))
	assert.False(t, HasAnyScope(p, ScopeInvokeRW))

	p, ok = Authenticate("writer", "legacy", tokens)
	require.True(t, ok)
	assert.Equal(t, "token-1", p.Name)
	assert.True(t, HasAnyScope(p, ScopeInvokeRO), "rw implies ro")
	assert.False(t, HasAnyScope(p, ScopeEventsRO))

	_, ok = Authenticate("nope", "legacy", tokens)
	assert.False(t, ok)

	_, ok = Authenticate("", "", nil)
	assert.False(t, ok, "empty legacy key must never match")
}

func TestPrincipalContext(t *testing.T) {
	_, ok := PrincipalFromContext(context.Background())
	assert.False(t, ok)

	ctx := WithPrincipal(context.Background(), Principal{Name: "admin"})
	p, ok := PrincipalFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "admin", p.Name)
}

func TestKnownScope(t *testing.T) {
	for _, s := range []string{ScopeAll, ScopeInvokeRO, ScopeInvokeRW, ScopeEventsRO, ScopeStatsRO, ScopeMetricsRO} {
		assert.True(t, KnownScope(s), s)
	}
	assert.False(t, KnownScope("plugin:rw"))
}
