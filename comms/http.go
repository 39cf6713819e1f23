package comms

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/opslattice/dirigent/errors"
	"github.com/opslattice/dirigent/job"
	"github.com/opslattice/dirigent/target"
)

// maxResponseBytes caps the captured response body per action.
const maxResponseBytes = 256 * 1024

// HTTPSettings is the typed configuration of an http communication method.
type HTTPSettings struct {
	BaseURL string `json:"base_url"`
}

type httpExecutor struct {
	settings HTTPSettings
	client   *http.Client
}

func newHTTPExecutor(raw json.RawMessage) (*httpExecutor, error) {
	var settings HTTPSettings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "malformed http settings"), errors.KindValidation)
	}
	u, err := url.Parse(settings.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Markf(errors.KindValidation, "http settings need an absolute base_url, got %q", settings.BaseURL)
	}
	return &httpExecutor{
		settings: settings,
		client:   cleanhttp.DefaultPooledClient(),
	}, nil
}

func (e *httpExecutor) Kind() target.MethodKind { return target.MethodHTTP }

func (e *httpExecutor) Execute(ctx context.Context, action job.Action, cred *target.Credential) (Result, error) {
	if action.Type != job.ActionHTTPRequest && action.Type != job.ActionCommand {
		return Result{}, unsupportedAction("http", action)
	}

	var params HTTPRequestParams
	if err := decodeParams(action, &params); err != nil {
		return Result{}, err
	}
	if params.Method == "" {
		params.Method = http.MethodGet
	}

	reqURL := strings.TrimRight(e.settings.BaseURL, "/") + "/" + strings.TrimLeft(params.Path, "/")
	var body io.Reader
	if params.Body != "" {
		body = strings.NewReader(params.Body)
	}

	req, err := http.NewRequestWithContext(ctx, params.Method, reqURL, body)
	if err != nil {
		return Result{}, errors.Mark(errors.Wrapf(err, "failed to build %s request", params.Method), errors.KindValidation)
	}
	for k, v := range params.Headers {
		req.Header.Set(k, v)
	}
	switch cred.Kind {
	case target.CredentialToken:
		req.Header.Set("Authorization", "Bearer "+cred.Secret)
	case target.CredentialPassword:
		req.SetBasicAuth(cred.Username, cred.Secret)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if cerr := ctxError(ctx, err); cerr != nil {
			return Result{}, cerr
		}
		return Result{}, errors.Mark(errors.Wrapf(err, "http request to %s failed", reqURL), errors.KindCommunication)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if cerr := ctxError(ctx, err); cerr != nil {
			return Result{}, cerr
		}
		return Result{}, errors.Mark(errors.Wrap(err, "failed to read response body"), errors.KindCommunication)
	}

	result := Result{Output: string(payload), ExitCode: resp.StatusCode}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return result, errors.Mark(
			errors.Newf("request rejected with status %d", resp.StatusCode),
			errors.KindAuthentication)
	}
	if !statusAccepted(resp.StatusCode, params.ExpectStatus) {
		return result, errors.Mark(
			errors.Newf("unexpected response status %d", resp.StatusCode),
			errors.KindCommandExecution)
	}
	return result, nil
}

// statusAccepted treats 2xx as success unless the action names explicit
// expected statuses.
func statusAccepted(status int, expected []int) bool {
	if len(expected) == 0 {
		return status >= 200 && status < 300
	}
	for _, s := range expected {
		if status == s {
			return true
		}
	}
	return false
}
