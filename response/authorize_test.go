package response_test

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.pilab.hu/ssoengine/domain"
	"go.pilab.hu/ssoengine/response"
)

func TestAuthorizeResponse_RedirectURL(t *testing.T) {
	base := response.AuthorizeResponse{
		Code:        "abc",
		State:       "s 1",
		Issuer:      "https://sso.example.com",
		RedirectURI: "https://app.example.com/cb?tenant=7",
	}

	t.Run("query", func(t *testing.T) {
		r := base
		r.ResponseMode = domain.ResponseModeQuery
		raw, err := r.RedirectURL()
		require.NoError(t, err)
		u, err := url.Parse(raw)
		require.NoError(t, err)
		assert.Equal(t, "7", u.Query().Get("tenant"))
		assert.Equal(t, "abc", u.Query().Get("code"))
		assert.Equal(t, "s 1", u.Query().Get("state"))
		assert.Equal(t, "https://sso.example.com", u.Query().Get("iss"))
		assert.Empty(t, u.Fragment)
	})

	t.Run("fragment", func(t *testing.T) {
		r := base
		r.ResponseMode = domain.ResponseModeFragment
		raw, err := r.RedirectURL()
		require.NoError(t, err)
		u, err := url.Parse(raw)
		require.NoError(t, err)
		assert.Equal(t, "tenant=7", u.RawQuery)
		frag, err := url.ParseQuery(u.EscapedFragment())
		require.NoError(t, err)
		assert.Equal(t, "abc", frag.Get("code"))
		assert.Equal(t, "s 1", frag.Get("state"))
	})

	t.Run("form_post", func(t *testing.T) {
		r := base
		r.ResponseMode = domain.ResponseModeFormPost
		_, err := r.RedirectURL()
		require.Error(t, err)
		assert.Equal(t, "abc", r.Parameters().Get("code"))
	})

	t.Run("no state", func(t *testing.T) {
		r := base
		r.State = ""
		assert.False(t, r.Parameters().Has("state"))
	})
}
