package comms

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/masterzen/winrm"

	"github.com/opslattice/dirigent/errors"
	"github.com/opslattice/dirigent/job"
	"github.com/opslattice/dirigent/target"
)

// WinRMSettings is the typed configuration of a winrm communication method.
type WinRMSettings struct {
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	UseHTTPS bool   `json:"use_https,omitempty"`
	Insecure bool   `json:"insecure,omitempty"`
}

type winRMExecutor struct {
	settings WinRMSettings
}

func newWinRMExecutor(raw json.RawMessage) (*winRMExecutor, error) {
	var settings WinRMSettings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "malformed winrm settings"), errors.KindValidation)
	}
	if settings.Host == "" {
		return nil, errors.Markf(errors.KindValidation, "winrm settings missing host")
	}
	if settings.Port == 0 {
		if settings.UseHTTPS {
			settings.Port = 5986
		} else {
			settings.Port = 5985
		}
	}
	return &winRMExecutor{settings: settings}, nil
}

func (e *winRMExecutor) Kind() target.MethodKind { return target.MethodWinRM }

func (e *winRMExecutor) Execute(ctx context.Context, action job.Action, cred *target.Credential) (Result, error) {
	if cred.Kind != target.CredentialPassword {
		return Result{}, errors.Markf(errors.KindValidation, "winrm does not support %s credentials", cred.Kind)
	}

	var command string
	switch action.Type {
	case job.ActionCommand:
		var params CommandParams
		if err := decodeParams(action, &params); err != nil {
			return Result{}, err
		}
		command = params.Command

	case job.ActionScript:
		var params ScriptParams
		if err := decodeParams(action, &params); err != nil {
			return Result{}, err
		}
		// Scripts run through PowerShell with the payload base64-encoded
		// so quoting survives the shell boundary.
		command = winrm.Powershell(params.Script)

	default:
		return Result{}, unsupportedAction("winrm", action)
	}

	timeout := 60 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	endpoint := winrm.NewEndpoint(
		e.settings.Host, e.settings.Port,
		e.settings.UseHTTPS, e.settings.Insecure,
		nil, nil, nil, timeout,
	)

	client, err := winrm.NewClient(endpoint, cred.Username, cred.Secret)
	if err != nil {
		return Result{}, errors.Mark(errors.Wrap(err, "failed to build winrm client"), errors.KindCommunication)
	}

	stdout, stderr, exitCode, err := client.RunWithContextWithString(ctx, command, "")
	output := stdout
	if stderr != "" {
		output += stderr
	}
	result := Result{Output: output, ExitCode: exitCode}

	if err != nil {
		if cerr := ctxError(ctx, err); cerr != nil {
			return result, cerr
		}
		if strings.Contains(err.Error(), "401") || strings.Contains(strings.ToLower(err.Error()), "unauthorized") {
			return result, errors.Mark(errors.Wrapf(err, "winrm authentication to %s failed", e.settings.Host), errors.KindAuthentication)
		}
		return result, errors.Mark(errors.Wrapf(err, "winrm call to %s failed", e.settings.Host), errors.KindCommunication)
	}

	if exitCode != 0 {
		return result, errors.Mark(
			errors.Newf("remote command exited with status %d", exitCode),
			errors.KindCommandExecution)
	}
	return result, nil
}
