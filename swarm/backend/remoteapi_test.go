package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexngai/gitswarm-sub001/swarm/store"
)

func remoteRepo() *store.Repo {
	return &store.Repo{
		ID:            "platform",
		Name:          "platform",
		MergeMode:     store.MergeModeGated,
		GitBackend:    store.BackendRemoteAPI,
		BufferBranch:  "integration",
		PromoteTarget: "main",
	}
}

func remoteStream() *store.Stream {
	return &store.Stream{ID: "s1", RepoID: "platform", Branch: "agents/s1"}
}

func TestRemoteAPIMerge(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/repos/platform/merges", r.URL.Path)
		require.Equal(t, "Bearer tkn", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(HostingMergeResponse{Merged: true, Ref: "mr-1"})
	}))
	defer srv.Close()

	b := NewRemoteAPI(NewHTTPHostingClient(srv.URL, "tkn"), nil)

	res, err := b.Merge(context.Background(), remoteStream(), remoteRepo())
	require.NoError(t, err)
	assert.True(t, res.Executed)
	assert.Equal(t, StatusMerged, res.Status)
	assert.Equal(t, "mr-1", res.MergeRef)
	assert.Equal(t, "agents/s1", gotBody["source_branch"])
	assert.Equal(t, "integration", gotBody["target_branch"])
}

func TestRemoteAPIMergeDeclined(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(HostingMergeResponse{Merged: false, Message: "checks pending"})
	}))
	defer srv.Close()

	b := NewRemoteAPI(NewHTTPHostingClient(srv.URL, ""), nil)

	res, err := b.Merge(context.Background(), remoteStream(), remoteRepo())
	require.NoError(t, err, "a declined merge is an outcome, not an error")
	assert.False(t, res.Executed)
	assert.Equal(t, StatusRejected, res.Status)
}

func TestRemoteAPIRevert(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/repos/platform/revert-requests", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"request_ref": "rr-9"})
	}))
	defer srv.Close()

	b := NewRemoteAPI(NewHTTPHostingClient(srv.URL, ""), nil)

	res, err := b.Revert(context.Background(), remoteStream(), remoteRepo())
	require.NoError(t, err)
	assert.False(t, res.Executed, "hosting reverts go through a request, never execute directly")
	assert.Equal(t, StatusRemoteFlagAuthoritative, res.Status)
	assert.Equal(t, "rr-9", res.MergeRef)
}

func TestRemoteAPIRevertTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewHTTPHostingClient(srv.URL, "", WithHostingRetries(1, time.Millisecond))
	b := NewRemoteAPI(client, nil)

	res, err := b.Revert(context.Background(), remoteStream(), remoteRepo())
	require.Error(t, err)
	assert.False(t, res.Executed)
	assert.Equal(t, StatusRemoteFlagAuthoritative, res.Status,
		"the remote flag stays authoritative even when the request cannot be delivered")
}

func TestRemoteAPIPromoteRecordsIntentOnly(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	b := NewRemoteAPI(NewHTTPHostingClient(srv.URL, ""), nil)

	res, err := b.FastForwardPromote(context.Background(), remoteStream(), remoteRepo())
	require.NoError(t, err)
	assert.False(t, res.Executed)
	assert.Equal(t, StatusIntentRecorded, res.Status)
	assert.Zero(t, hits.Load(), "promotion under the hosting backend must not call the API")
}

func TestHostingClientRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(HostingMergeResponse{Merged: true, Ref: "mr-2"})
	}))
	defer srv.Close()

	client := NewHTTPHostingClient(srv.URL, "", WithHostingRetries(3, time.Millisecond))

	resp, err := client.MergeBranch(context.Background(), "platform", "agents/s1", "integration")
	require.NoError(t, err)
	assert.Equal(t, "mr-2", resp.Ref)
	assert.Equal(t, int32(3), hits.Load())
}

func TestHostingClientDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	client := NewHTTPHostingClient(srv.URL, "", WithHostingRetries(3, time.Millisecond))

	_, err := client.CreateRevertRequest(context.Background(), "platform", "agents/s1")
	require.ErrorIs(t, err, ErrHostingRequest)
	assert.Equal(t, int32(1), hits.Load())
}

func TestHostingClientExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewHTTPHostingClient(srv.URL, "", WithHostingRetries(2, time.Millisecond))

	_, err := client.MergeBranch(context.Background(), "platform", "a", "b")
	require.ErrorIs(t, err, ErrHostingUnavailable)
}
