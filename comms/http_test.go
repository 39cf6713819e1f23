package comms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opslattice/dirigent/errors"
	"github.com/opslattice/dirigent/job"
	"github.com/opslattice/dirigent/target"
)

func httpAction(t *testing.T, params HTTPRequestParams) job.Action {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	return job.Action{Type: job.ActionHTTPRequest, Params: raw}
}

func TestHTTPExecutorSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/restart", r.URL.Path)
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("restarting"))
	}))
	defer srv.Close()

	exec, err := newHTTPExecutor(json.RawMessage(`{"base_url":"` + srv.URL + `"}`))
	require.NoError(t, err)

	cred := &target.Credential{Kind: target.CredentialToken, Secret: "s3cret"}
	action := httpAction(t, HTTPRequestParams{Method: http.MethodPost, Path: "/api/restart"})

	result, err := exec.Execute(context.Background(), action, cred)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, result.ExitCode)
	assert.Equal(t, "restarting", result.Output)
}

func TestHTTPExecutorBasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "ops", user)
		assert.Equal(t, "hunter2", pass)
	}))
	defer srv.Close()

	exec, err := newHTTPExecutor(json.RawMessage(`{"base_url":"` + srv.URL + `"}`))
	require.NoError(t, err)

	cred := &target.Credential{Kind: target.CredentialPassword, Username: "ops", Secret: "hunter2"}
	_, err = exec.Execute(context.Background(), httpAction(t, HTTPRequestParams{Path: "/"}), cred)
	require.NoError(t, err)
}

func TestHTTPExecutorAuthRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	exec, err := newHTTPExecutor(json.RawMessage(`{"base_url":"` + srv.URL + `"}`))
	require.NoError(t, err)

	result, err := exec.Execute(context.Background(),
		httpAction(t, HTTPRequestParams{Path: "/secure"}),
		&target.Credential{Kind: target.CredentialToken, Secret: "expired"})
	require.Error(t, err)
	assert.True(t, errors.HasKind(err, errors.KindAuthentication))
	assert.Equal(t, http.StatusUnauthorized, result.ExitCode)
}

func TestHTTPExecutorUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	exec, err := newHTTPExecutor(json.RawMessage(`{"base_url":"` + srv.URL + `"}`))
	require.NoError(t, err)

	cred := &target.Credential{Kind: target.CredentialToken, Secret: "tok"}
	_, err = exec.Execute(context.Background(), httpAction(t, HTTPRequestParams{Path: "/"}), cred)
	require.Error(t, err)
	assert.True(t, errors.HasKind(err, errors.KindCommandExecution))
}

func TestHTTPExecutorExpectStatusOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	exec, err := newHTTPExecutor(json.RawMessage(`{"base_url":"` + srv.URL + `"}`))
	require.NoError(t, err)

	// A 404 is a pass when the action says so, e.g. verifying deletion.
	cred := &target.Credential{Kind: target.CredentialToken, Secret: "tok"}
	result, err := exec.Execute(context.Background(),
		httpAction(t, HTTPRequestParams{Path: "/gone", ExpectStatus: []int{404}}), cred)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, result.ExitCode)
}

func TestHTTPExecutorTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	exec, err := newHTTPExecutor(json.RawMessage(`{"base_url":"` + srv.URL + `"}`))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	cred := &target.Credential{Kind: target.CredentialToken, Secret: "tok"}
	_, err = exec.Execute(ctx, httpAction(t, HTTPRequestParams{Path: "/slow"}), cred)
	require.Error(t, err)
	assert.True(t, errors.HasKind(err, errors.KindTimeout))
}

func TestHTTPExecutorCancellationPassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	exec, err := newHTTPExecutor(json.RawMessage(`{"base_url":"` + srv.URL + `"}`))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	cred := &target.Credential{Kind: target.CredentialToken, Secret: "tok"}
	_, err = exec.Execute(ctx, httpAction(t, HTTPRequestParams{Path: "/slow"}), cred)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.HasKind(err, errors.KindTimeout))
}

func TestHTTPExecutorRejectsRelativeBaseURL(t *testing.T) {
	_, err := newHTTPExecutor(json.RawMessage(`{"base_url":"/just/a/path"}`))
	require.Error(t, err)
	assert.True(t, errors.HasKind(err, errors.KindValidation))
}

func TestHTTPExecutorRejectsShellActions(t *testing.T) {
	exec, err := newHTTPExecutor(json.RawMessage(`{"base_url":"http://localhost:9"}`))
	require.NoError(t, err)

	cred := &target.Credential{Kind: target.CredentialToken, Secret: "tok"}
	_, err = exec.Execute(context.Background(), job.Action{Type: job.ActionScript}, cred)
	require.Error(t, err)
	assert.True(t, errors.HasKind(err, errors.KindValidation))
}
