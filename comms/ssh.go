package comms

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/opslattice/dirigent/errors"
	"github.com/opslattice/dirigent/job"
	"github.com/opslattice/dirigent/target"
)

// SSHSettings is the typed configuration of an ssh communication method.
type SSHSettings struct {
	Host string `json:"host"`
	Port int    `json:"port,omitempty"`
	// HostKey pins the server's public key (authorized_keys format).
	// Empty accepts any host key.
	HostKey string `json:"host_key,omitempty"`
}

type sshExecutor struct {
	settings SSHSettings
}

func newSSHExecutor(raw json.RawMessage) (*sshExecutor, error) {
	var settings SSHSettings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "malformed ssh settings"), errors.KindValidation)
	}
	if settings.Host == "" {
		return nil, errors.Markf(errors.KindValidation, "ssh settings missing host")
	}
	if settings.Port == 0 {
		settings.Port = 22
	}
	return &sshExecutor{settings: settings}, nil
}

func (e *sshExecutor) Kind() target.MethodKind { return target.MethodSSH }

func (e *sshExecutor) Execute(ctx context.Context, action job.Action, cred *target.Credential) (Result, error) {
	client, err := e.dial(ctx, cred)
	if err != nil {
		return Result{}, err
	}
	defer client.Close()

	// Tear down the connection when the context fires so a hung remote
	// command cannot outlive its deadline.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-done:
		}
	}()

	switch action.Type {
	case job.ActionCommand:
		var params CommandParams
		if err := decodeParams(action, &params); err != nil {
			return Result{}, err
		}
		return e.run(ctx, client, params.Command, "")

	case job.ActionScript:
		var params ScriptParams
		if err := decodeParams(action, &params); err != nil {
			return Result{}, err
		}
		interpreter := params.Interpreter
		if interpreter == "" {
			interpreter = "/bin/sh"
		}
		return e.run(ctx, client, interpreter, params.Script)

	case job.ActionFileTransfer:
		var params FileTransferParams
		if err := decodeParams(action, &params); err != nil {
			return Result{}, err
		}
		return e.transfer(ctx, client, params)

	default:
		return Result{}, unsupportedAction("ssh", action)
	}
}

// dial opens the TCP connection and completes the SSH handshake, separating
// reachability failures from credential failures.
func (e *sshExecutor) dial(ctx context.Context, cred *target.Credential) (*ssh.Client, error) {
	auth, err := sshAuth(cred)
	if err != nil {
		return nil, err
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if e.settings.HostKey != "" {
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(e.settings.HostKey))
		if err != nil {
			return nil, errors.Mark(errors.Wrap(err, "malformed pinned host key"), errors.KindValidation)
		}
		hostKeyCallback = ssh.FixedHostKey(key)
	}

	config := &ssh.ClientConfig{
		User:            cred.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
	}
	if deadline, ok := ctx.Deadline(); ok {
		config.Timeout = time.Until(deadline)
	}

	addr := net.JoinHostPort(e.settings.Host, fmt.Sprintf("%d", e.settings.Port))
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if cerr := ctxError(ctx, err); cerr != nil {
			return nil, cerr
		}
		return nil, errors.Mark(errors.Wrapf(err, "ssh connect to %s failed", addr), errors.KindCommunication)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		if cerr := ctxError(ctx, err); cerr != nil {
			return nil, cerr
		}
		if strings.Contains(err.Error(), "unable to authenticate") ||
			strings.Contains(err.Error(), "permission denied") {
			return nil, errors.Mark(errors.Wrapf(err, "ssh authentication to %s failed", addr), errors.KindAuthentication)
		}
		return nil, errors.Mark(errors.Wrapf(err, "ssh handshake with %s failed", addr), errors.KindCommunication)
	}

	return ssh.NewClient(sshConn, chans, reqs), nil
}

func sshAuth(cred *target.Credential) ([]ssh.AuthMethod, error) {
	switch cred.Kind {
	case target.CredentialPrivateKey:
		signer, err := ssh.ParsePrivateKey([]byte(cred.Secret))
		if err != nil {
			return nil, errors.Mark(errors.Wrap(err, "malformed ssh private key"), errors.KindAuthentication)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	case target.CredentialPassword:
		return []ssh.AuthMethod{ssh.Password(cred.Secret)}, nil
	default:
		return nil, errors.Markf(errors.KindValidation, "ssh does not support %s credentials", cred.Kind)
	}
}

func (e *sshExecutor) run(ctx context.Context, client *ssh.Client, command, stdin string) (Result, error) {
	session, err := client.NewSession()
	if err != nil {
		if cerr := ctxError(ctx, err); cerr != nil {
			return Result{}, cerr
		}
		return Result{}, errors.Mark(errors.Wrap(err, "failed to open ssh session"), errors.KindCommunication)
	}
	defer session.Close()

	if stdin != "" {
		session.Stdin = strings.NewReader(stdin)
	}

	output, err := session.CombinedOutput(command)
	result := Result{Output: string(output)}
	if err != nil {
		if cerr := ctxError(ctx, err); cerr != nil {
			return result, cerr
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, errors.Mark(
				errors.Newf("remote command exited with status %d", exitErr.ExitStatus()),
				errors.KindCommandExecution)
		}
		return result, errors.Mark(errors.Wrap(err, "ssh command failed"), errors.KindCommunication)
	}
	return result, nil
}

func (e *sshExecutor) transfer(ctx context.Context, client *ssh.Client, params FileTransferParams) (Result, error) {
	if params.RemotePath == "" {
		return Result{}, errors.Markf(errors.KindValidation, "file_transfer action missing remote_path")
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		if cerr := ctxError(ctx, err); cerr != nil {
			return Result{}, cerr
		}
		return Result{}, errors.Mark(errors.Wrap(err, "failed to open sftp subsystem"), errors.KindCommunication)
	}
	defer sftpClient.Close()

	if dir := path.Dir(params.RemotePath); dir != "." && dir != "/" {
		if err := sftpClient.MkdirAll(dir); err != nil {
			return Result{}, errors.Mark(errors.Wrapf(err, "failed to create remote directory %s", dir), errors.KindCommandExecution)
		}
	}

	f, err := sftpClient.Create(params.RemotePath)
	if err != nil {
		return Result{}, errors.Mark(errors.Wrapf(err, "failed to create remote file %s", params.RemotePath), errors.KindCommandExecution)
	}

	if _, err := f.Write([]byte(params.Content)); err != nil {
		f.Close()
		return Result{}, errors.Mark(errors.Wrapf(err, "failed to write remote file %s", params.RemotePath), errors.KindCommandExecution)
	}
	if err := f.Close(); err != nil {
		return Result{}, errors.Mark(errors.Wrapf(err, "failed to close remote file %s", params.RemotePath), errors.KindCommandExecution)
	}

	if params.Mode != 0 {
		if err := sftpClient.Chmod(params.RemotePath, os.FileMode(params.Mode)); err != nil {
			return Result{}, errors.Mark(errors.Wrapf(err, "failed to chmod remote file %s", params.RemotePath), errors.KindCommandExecution)
		}
	}

	return Result{Output: fmt.Sprintf("transferred %d bytes to %s", len(params.Content), params.RemotePath)}, nil
}
