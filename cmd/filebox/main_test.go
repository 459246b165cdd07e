package main

import (
	"bytes"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eteran/filebox/internal/config"
	"github.com/eteran/filebox/pkg/auth"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer

	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	require.Equal(t, version+"\n", out.String())
}

func TestNewAuthEngine(t *testing.T) {
	t.Parallel()

	open := newAuthEngine(config.NewConfig())
	user, err := open.AuthenticateRequest(t.Context(), httptest.NewRequest("GET", "/files", nil))
	require.NoError(t, err)
	require.NotNil(t, user, "no credentials should mean anonymous access")

	guarded := newAuthEngine(config.NewConfig(
		config.WithFunctionKeys("k1"),
		config.WithBasicAuth("admin", "pw"),
	))

	req := httptest.NewRequest("GET", "/files", nil)
	user, err = guarded.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err)
	require.Nil(t, user)

	req = httptest.NewRequest("GET", "/files", nil)
	req.Header.Set(auth.FunctionKeyHeader, "k1")
	user, err = guarded.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err)
	require.NotNil(t, user)

	req = httptest.NewRequest("GET", "/files", nil)
	req.SetBasicAuth("admin", "pw")
	user, err = guarded.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err)
	require.NotNil(t, user)
}

func TestOpenStoreCreatesContainers(t *testing.T) {
	t.Parallel()

	cfg := config.NewConfig(config.WithLocalStorage(t.TempDir()))

	st, err := openStore(t.Context(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.close() })
	require.Nil(t, st.source, "local storage has no notification feed")

	for info, err := range st.ListObjects(t.Context(), cfg.ThumbnailContainer) {
		require.NoError(t, err)
		t.Fatalf("unexpected object %s", info.Key)
	}
}
