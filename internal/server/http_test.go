package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"datastore/pkg/domain"
)

type countingHandler struct {
	next   http.Handler
	logins atomic.Int32
	calls  atomic.Int32
}

func (c *countingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.calls.Add(1)
	if r.URL.Path == "/api/v1/sessions" && r.Method == http.MethodPost {
		c.logins.Add(1)
	}
	c.next.ServeHTTP(w, r)
}

func newTestServer(t *testing.T) (*Service, *fakeClock, *countingHandler, *Client) {
	t.Helper()
	svc, clock := newSeededService(t)
	counting := &countingHandler{next: NewHandler(svc, prometheus.NewRegistry(), nil)}
	srv := httptest.NewServer(counting)
	t.Cleanup(srv.Close)
	client, err := NewClient(ClientConfig{URL: srv.URL, User: "etl", Password: "secret", Timeout: 5 * time.Second, CacheTTL: time.Minute})
	require.NoError(t, err)
	return svc, clock, counting, client
}

func TestClientRoundTrip(t *testing.T) {
	_, _, _, client := newTestServer(t)
	ctx := context.Background()

	code, err := client.CreateDataSetCode(ctx)
	require.NoError(t, err)
	require.Equal(t, "20240301123045123-1", code)

	sample, ok, err := client.TryGetSample(ctx, s1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "S1", sample.Code)

	_, ok, err = client.TryGetSample(ctx, domain.SampleIdentifier{SpaceCode: "CISD", SampleCode: "NOPE"})
	require.NoError(t, err)
	require.False(t, ok)

	exp, ok, err := client.TryGetExperiment(ctx, expGone)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, exp.IsInvalid())

	e := exp1
	require.NoError(t, client.RegisterDataSet(ctx, domain.NewExternalData{Code: code, DataSetType: "HCS_IMAGE", Location: "identified/a", ExperimentIdentifier: &e}))
	locs, err := client.DataSetLocations(ctx, "")
	require.NoError(t, err)
	require.Len(t, locs, 1)

	require.NoError(t, client.DeleteDataSet(ctx, code, "compensation"))
	err = client.DeleteDataSet(ctx, code, "compensation")
	require.True(t, domain.RemoteError.Has(err))
	require.NoError(t, client.Logout(ctx))
}

func TestClientRejectedRegistrationIsRemoteError(t *testing.T) {
	_, _, _, client := newTestServer(t)
	gone := expGone
	err := client.RegisterDataSet(context.Background(), domain.NewExternalData{Code: "X", DataSetType: "HCS_IMAGE", ExperimentIdentifier: &gone})
	require.True(t, domain.RemoteError.Has(err))
	require.Contains(t, err.Error(), "invalid")
}

func TestClientReloginOnceOnExpiredSession(t *testing.T) {
	_, clock, counting, client := newTestServer(t)
	ctx := context.Background()

	_, err := client.CreateDataSetCode(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, counting.logins.Load())

	clock.Advance(time.Hour)
	_, err = client.CreateDataSetCode(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, counting.logins.Load())
}

func TestClientBadCredentials(t *testing.T) {
	_, _, _, good := newTestServer(t)
	bad, err := NewClient(ClientConfig{URL: good.base.String(), User: "etl", Password: "nope"})
	require.NoError(t, err)
	_, err = bad.CreateDataSetCode(context.Background())
	require.True(t, domain.RemoteError.Has(err))
	require.Equal(t, "remote", domain.ErrorCategory(err))
}

func TestClientCachesHomeInstance(t *testing.T) {
	_, _, counting, client := newTestServer(t)
	ctx := context.Background()
	first, err := client.HomeDatabaseInstance(ctx)
	require.NoError(t, err)
	calls := counting.calls.Load()
	second, err := client.HomeDatabaseInstance(ctx)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, calls, counting.calls.Load())

	types, err := client.DataSetTypes(ctx)
	require.NoError(t, err)
	require.Len(t, types, 1)
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient(ClientConfig{URL: "not a url"})
	require.True(t, domain.ConfigurationError.Has(err))
}

func TestHandlerErrorsAndMetrics(t *testing.T) {
	svc, _ := newSeededService(t)
	reg := prometheus.NewRegistry()
	srv := httptest.NewServer(NewHandler(svc, reg, nil))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/data-set-codes", "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/v1/sessions", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	require.Contains(t, string(body), `datastore_server_requests_total{route="/api/v1/data-set-codes",status="401"} 1`)
}

func TestLocalAdapterRelogsIn(t *testing.T) {
	svc, clock := newSeededService(t)
	local := NewLocal(svc, "etl", "secret")
	ctx := context.Background()

	inst, err := local.HomeDatabaseInstance(ctx)
	require.NoError(t, err)
	require.Equal(t, "TEST", inst.Code)

	clock.Advance(time.Hour)
	_, ok, err := local.TryGetExperiment(ctx, exp1)
	require.NoError(t, err)
	require.True(t, ok)

	gone := expGone
	err = local.RegisterDataSet(ctx, domain.NewExternalData{Code: "X", DataSetType: "HCS_IMAGE", ExperimentIdentifier: &gone})
	require.True(t, domain.RemoteError.Has(err))

	_, err = NewLocal(svc, "etl", "wrong").CreateDataSetCode(ctx)
	require.ErrorIs(t, err, ErrBadCredentials)
}
