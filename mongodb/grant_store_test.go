package mongodb_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.pilab.hu/ssoengine/mongodb"
	"go.pilab.hu/ssoengine/mongodb/testutil"
	"go.pilab.hu/ssoengine/store"
	"go.pilab.hu/ssoengine/store/storetest"
	testingclock "k8s.io/utils/clock/testing"
)

func TestGrantStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T, clk *testingclock.FakeClock) store.PersistedGrantStore {
		db := testutil.SetupTestMongoDB(t, "grant_store")
		s, err := mongodb.NewGrantStore(context.Background(), db, clk)
		require.NoError(t, err)
		return s
	})
}
