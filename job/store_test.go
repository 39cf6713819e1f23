package job

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opslattice/dirigent/errors"
	dbtest "github.com/opslattice/dirigent/internal/testing"
)

func sampleJob(serial string) *Job {
	return New(serial, "rotate logs", "rotate and compress application logs", []Action{
		{Type: ActionCommand, Params: json.RawMessage(`{"command":"logrotate -f /etc/logrotate.conf"}`)},
		{Type: ActionScript, Params: json.RawMessage(`{"script":"du -sh /var/log"}`), TimeoutSeconds: 30},
	})
}

func TestCreateAndGetJob(t *testing.T) {
	store := NewStore(dbtest.CreateTestDB(t))
	j := sampleJob("JOB-2026-000001")
	require.NoError(t, store.Create(j))

	got, err := store.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.Serial, got.Serial)
	assert.Equal(t, j.Name, got.Name)
	require.Len(t, got.Actions, 2)

	// Actions come back densely numbered in definition order.
	assert.Equal(t, 1, got.Actions[0].Order)
	assert.Equal(t, ActionCommand, got.Actions[0].Type)
	assert.Equal(t, 2, got.Actions[1].Order)
	assert.Equal(t, 30, got.Actions[1].TimeoutSeconds)

	bySerial, err := store.GetBySerial(j.Serial)
	require.NoError(t, err)
	assert.Equal(t, j.ID, bySerial.ID)
}

func TestGetMissingJob(t *testing.T) {
	store := NewStore(dbtest.CreateTestDB(t))
	_, err := store.Get("no-such-id")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestDuplicateSerialRejected(t *testing.T) {
	store := NewStore(dbtest.CreateTestDB(t))
	require.NoError(t, store.Create(sampleJob("JOB-2026-000001")))
	err := store.Create(sampleJob("JOB-2026-000001"))
	require.Error(t, err, "serials are permanent and unique")
}

func TestArchiveJob(t *testing.T) {
	store := NewStore(dbtest.CreateTestDB(t))
	j := sampleJob("JOB-2026-000001")
	require.NoError(t, store.Create(j))

	require.NoError(t, store.Archive(j.ID))

	// Archived jobs stay resolvable; they only drop out of active lists.
	got, err := store.Get(j.ID)
	require.NoError(t, err)
	assert.True(t, got.Archived)

	active, err := store.List(false, 10)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := store.List(true, 10)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestArchiveMissingJob(t *testing.T) {
	store := NewStore(dbtest.CreateTestDB(t))
	err := store.Archive("no-such-id")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestNewRenumbersActions(t *testing.T) {
	j := New("JOB-2026-000007", "probe", "", []Action{
		{Order: 40, Type: ActionCommand},
		{Order: 2, Type: ActionHTTPRequest},
	})
	require.Len(t, j.Actions, 2)
	assert.Equal(t, 1, j.Actions[0].Order)
	assert.Equal(t, 2, j.Actions[1].Order)
	assert.Equal(t, j.ID, j.Actions[0].JobID)
	assert.NotEmpty(t, j.Actions[0].ID)
}

func TestActionTimeoutFallback(t *testing.T) {
	a := Action{Type: ActionCommand}
	assert.Equal(t, 300*time.Second, a.Timeout(300*time.Second))
	a.TimeoutSeconds = 5
	assert.Equal(t, 5*time.Second, a.Timeout(300*time.Second))
}
