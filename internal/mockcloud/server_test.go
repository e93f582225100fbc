package mockcloud

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katasec/dstream-probe/pkg/cdc"
	"github.com/katasec/dstream-probe/pkg/types"
)

func post(t *testing.T, srv *httptest.Server, batch types.ChangeBatch, token string) (*http.Response, types.BatchAck) {
	t.Helper()
	body, err := json.Marshal(batch)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/changes", bytes.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var ack types.BatchAck
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	}
	return resp, ack
}

func batchOf(ids ...string) types.ChangeBatch {
	b := types.ChangeBatch{}
	for i, id := range ids {
		b.Changes = append(b.Changes, cdc.Change{ID: id, Table: "ARTICULOS", Operation: cdc.Insert, SequenceID: int64(i + 1)})
	}
	return b
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(New(WithLogger(hclog.NewNullLogger())).Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPostDeduplicatesAndLists(t *testing.T) {
	mock := New(WithLogger(hclog.NewNullLogger()))
	srv := httptest.NewServer(mock.Handler())
	defer srv.Close()

	_, ack := post(t, srv, batchOf("a", "b"), "")
	assert.Equal(t, []string{"a", "b"}, ack.Accepted)
	_, ack = post(t, srv, batchOf("b", "c"), "")
	assert.Equal(t, []string{"b", "c"}, ack.Accepted)

	assert.Equal(t, 1, mock.Duplicates())
	assert.Equal(t, 2, mock.Requests())

	resp, err := srv.Client().Get(srv.URL + "/api/changes")
	require.NoError(t, err)
	defer resp.Body.Close()
	var listed types.ChangeBatch
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	require.Len(t, listed.Changes, 3)
	assert.Equal(t, "c", listed.Changes[2].ID)
}

func TestFailureInjection(t *testing.T) {
	mock := New(WithLogger(hclog.NewNullLogger()))
	srv := httptest.NewServer(mock.Handler())
	defer srv.Close()

	mock.FailNext(1, http.StatusServiceUnavailable)
	resp, _ := post(t, srv, batchOf("a"), "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp, _ = post(t, srv, batchOf("a"), "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	mock.Reject("x", "bad payload")
	mock.Ignore("y")
	_, ack := post(t, srv, batchOf("x", "y", "z"), "")
	assert.Equal(t, []string{"z"}, ack.Accepted)
	assert.Equal(t, map[string]string{"x": "bad payload"}, ack.Rejected)

	mock.AlwaysFail(http.StatusInternalServerError)
	resp, _ = post(t, srv, batchOf("q"), "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestRequiresToken(t *testing.T) {
	mock := New(WithToken("secret"), WithLogger(hclog.NewNullLogger()))
	srv := httptest.NewServer(mock.Handler())
	defer srv.Close()

	resp, _ := post(t, srv, batchOf("a"), "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = post(t, srv, batchOf("a"), "secret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "secret", BearerToken(mock.Authorizations()[1]))
}
