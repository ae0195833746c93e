package resources_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.pilab.hu/ssoengine/domain"
	serrors "go.pilab.hu/ssoengine/errors"
	"go.pilab.hu/ssoengine/resources"
	testingclock "k8s.io/utils/clock/testing"
)

func testResources() domain.Resources {
	return domain.Resources{
		IdentityResources: []domain.IdentityResource{
			{Name: "openid", Enabled: true, Required: true, UserClaims: []string{"sub"}},
			{Name: "profile", Enabled: true, UserClaims: []string{"name", "email"}},
			{Name: "legacy", Enabled: false},
		},
		APIScopes: []domain.APIScope{
			{Name: "api1.read", Enabled: true},
			{Name: "api1.write", Enabled: true, UserClaims: []string{"role"}},
			{Name: "shared", Enabled: true},
		},
		APIResources: []domain.APIResource{
			{Name: "api1", Enabled: true, Scopes: []string{"api1.read", "api1.write", "shared"}},
			{Name: "api2", Enabled: true, Scopes: []string{"shared"}},
			{Name: "retired", Enabled: false, Scopes: []string{"api1.read"}},
		},
	}
}

func testClient() *domain.Client {
	return &domain.Client{
		ClientID:           "web1",
		AllowedScopes:      []string{"openid", "profile", "legacy", "api1.read", "api1.write", "shared"},
		AllowOfflineAccess: true,
	}
}

func TestValidator_Resolve(t *testing.T) {
	v := resources.NewValidator(resources.NewMemoryResourceStore(testResources()))
	ctx := context.Background()

	got, err := v.Validate(ctx, testClient(), []string{"openid", "profile", "api1.read", "shared", "offline_access", "openid"}, resources.Options{IdentityAllowed: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"openid", "profile", "api1.read", "shared", "offline_access"}, got.Scopes())
	assert.Equal(t, []string{"api1", "api2"}, got.Audiences())
	assert.True(t, got.HasOpenID())
	assert.Equal(t, []string{"sub", "name", "email"}, got.IdentityClaimTypes())
}

func TestValidator_Rejections(t *testing.T) {
	v := resources.NewValidator(resources.NewMemoryResourceStore(testResources()))
	ctx := context.Background()

	noOffline := testClient()
	noOffline.AllowOfflineAccess = false

	tests := []struct {
		name     string
		client   *domain.Client
		scopes   []string
		opts     resources.Options
		wantCode string
	}{
		{"not allowed", testClient(), []string{"api2.admin"}, resources.Options{}, serrors.InvalidScope},
		{"disabled", testClient(), []string{"openid", "legacy"}, resources.Options{IdentityAllowed: true}, serrors.InvalidScope},
		{"offline not allowed", noOffline, []string{"offline_access"}, resources.Options{}, serrors.InvalidScope},
		{"identity without user", testClient(), []string{"openid"}, resources.Options{}, serrors.InvalidScope},
		{"identity without openid", testClient(), []string{"profile"}, resources.Options{IdentityAllowed: true}, serrors.InvalidScope},
		{"unknown resource indicator", testClient(), []string{"api1.read"}, resources.Options{ResourceIndicators: []string{"api9"}}, serrors.InvalidTarget},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(ctx, tt.client, tt.scopes, tt.opts)
			assert.True(t, serrors.HasCode(err, tt.wantCode), "got %v", err)
		})
	}
}

func TestValidator_ResourceIndicators(t *testing.T) {
	v := resources.NewValidator(resources.NewMemoryResourceStore(testResources()))
	got, err := v.Validate(context.Background(), testClient(), []string{"api1.read", "shared"}, resources.Options{ResourceIndicators: []string{"api2"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"api2"}, got.Audiences())
	assert.Equal(t, []string{"shared"}, got.Scopes())
}

func TestValidator_SupportedScopes(t *testing.T) {
	v := resources.NewValidator(resources.NewMemoryResourceStore(testResources()))
	scopes, err := v.SupportedScopes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"openid", "profile", "api1.read", "api1.write", "shared", "offline_access"}, scopes)
}

func TestCachingResourceStore(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Date(2025, 1, 3, 3, 8, 6, 0, time.UTC))
	mem := resources.NewMemoryResourceStore(testResources())
	cached := resources.NewCachingResourceStore(mem, time.Minute, clk, nil)
	ctx := context.Background()

	res, err := cached.GetAllResources(ctx)
	require.NoError(t, err)
	res.APIScopes = nil

	mem.Replace(domain.Resources{})
	res, err = cached.GetAllResources(ctx)
	require.NoError(t, err)
	assert.Len(t, res.APIScopes, 3, "cached copy is unaffected by caller mutation and source changes")

	clk.Step(time.Minute)
	res, err = cached.GetAllResources(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.APIScopes)
}
