package workerclient

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/cuemby/clupy/pkg/config"
	"github.com/cuemby/clupy/pkg/funcs"
	"github.com/cuemby/clupy/pkg/types"
	"github.com/cuemby/clupy/pkg/worker"
	"github.com/stretchr/testify/require"
)

func newTestWorker(t *testing.T) (*httptest.Server, *Client) {
	t.Helper()
	svc := worker.New(config.WorkerConfig{ServerURL: "clupy://unused:0", MasterURL: "clupy://unused:0"}, funcs.DefaultTable())
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(srv.Close)
	return srv, New(srv.URL)
}

func TestCreateSandboxReturnsID(t *testing.T) {
	_, client := newTestWorker(t)

	id, err := client.CreateSandbox("client-a", "exec-1")
	require.NoError(t, err)
	require.NotEmpty(t, id)
}

func TestExecutePrimesSucceeds(t *testing.T) {
	_, client := newTestWorker(t)

	sandboxID, err := client.CreateSandbox("client-a", "exec-1")
	require.NoError(t, err)

	out, err := client.Execute(sandboxID, funcs.PrimesSourceFile, funcs.PrimesFunctionName, map[string]any{"arg0": 10001})
	require.NoError(t, err)
	require.Equal(t, []int{73, 137}, out)
}

func TestExecuteUnknownFunctionFails(t *testing.T) {
	_, client := newTestWorker(t)

	sandboxID, err := client.CreateSandbox("client-a", "exec-1")
	require.NoError(t, err)

	_, err = client.Execute(sandboxID, "nope", "nope", nil)
	require.Error(t, err)
	var remoteErr *types.RemoteExecutionError
	require.True(t, errors.As(err, &remoteErr))
}
