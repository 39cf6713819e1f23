package comms

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opslattice/dirigent/errors"
	"github.com/opslattice/dirigent/job"
	"github.com/opslattice/dirigent/target"
)

func TestRegistrySelectsExecutorByKind(t *testing.T) {
	registry := NewRegistry()

	cases := []struct {
		kind     target.MethodKind
		settings string
	}{
		{target.MethodSSH, `{"host":"db01.internal"}`},
		{target.MethodWinRM, `{"host":"win01.internal"}`},
		{target.MethodHTTP, `{"base_url":"https://app.internal"}`},
		{target.MethodDatabase, `{"host":"pg01.internal","database":"inventory"}`},
		{target.MethodSMTP, `{"host":"mail.internal"}`},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			exec, err := registry.Executor(&target.CommunicationMethod{
				Kind:     tc.kind,
				Settings: json.RawMessage(tc.settings),
			})
			require.NoError(t, err)
			assert.Equal(t, tc.kind, exec.Kind())
		})
	}
}

func TestRegistryRejectsUnknownKind(t *testing.T) {
	_, err := NewRegistry().Executor(&target.CommunicationMethod{
		Kind:     target.MethodKind("telnet"),
		Settings: json.RawMessage(`{}`),
	})
	require.Error(t, err)
	assert.True(t, errors.HasKind(err, errors.KindValidation))
}

func TestRegistryRejectsIncompleteSettings(t *testing.T) {
	cases := []struct {
		name     string
		kind     target.MethodKind
		settings string
	}{
		{"ssh without host", target.MethodSSH, `{}`},
		{"winrm without host", target.MethodWinRM, `{"port":5986}`},
		{"http without base_url", target.MethodHTTP, `{}`},
		{"database without host", target.MethodDatabase, `{"database":"inventory"}`},
		{"smtp without host", target.MethodSMTP, `{"port":25}`},
		{"malformed json", target.MethodSSH, `{host}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewRegistry().Executor(&target.CommunicationMethod{
				Kind:     tc.kind,
				Settings: json.RawMessage(tc.settings),
			})
			require.Error(t, err)
			assert.True(t, errors.HasKind(err, errors.KindValidation))
		})
	}
}

func TestDecodeParamsMalformed(t *testing.T) {
	action := job.Action{Type: job.ActionCommand, Params: json.RawMessage(`{"command":`)}

	var params CommandParams
	err := decodeParams(action, &params)
	require.Error(t, err)
	assert.True(t, errors.HasKind(err, errors.KindValidation))
}

func TestDecodeParamsEmptyDefaults(t *testing.T) {
	var params HTTPRequestParams
	require.NoError(t, decodeParams(job.Action{Type: job.ActionHTTPRequest}, &params))
	assert.Empty(t, params.Method)
	assert.Empty(t, params.Path)
}

func TestStatusAccepted(t *testing.T) {
	assert.True(t, statusAccepted(200, nil))
	assert.True(t, statusAccepted(299, nil))
	assert.False(t, statusAccepted(301, nil))
	assert.False(t, statusAccepted(500, nil))

	assert.True(t, statusAccepted(404, []int{200, 404}))
	assert.False(t, statusAccepted(200, []int{404}))
}
