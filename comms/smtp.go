package comms

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/wneessen/go-mail"

	"github.com/opslattice/dirigent/errors"
	"github.com/opslattice/dirigent/job"
	"github.com/opslattice/dirigent/target"
)

// SMTPSettings is the typed configuration of an smtp communication method.
type SMTPSettings struct {
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	StartTLS bool   `json:"start_tls,omitempty"`
}

type smtpExecutor struct {
	settings SMTPSettings
}

func newSMTPExecutor(raw json.RawMessage) (*smtpExecutor, error) {
	var settings SMTPSettings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "malformed smtp settings"), errors.KindValidation)
	}
	if settings.Host == "" {
		return nil, errors.Markf(errors.KindValidation, "smtp settings missing host")
	}
	if settings.Port == 0 {
		settings.Port = 587
	}
	return &smtpExecutor{settings: settings}, nil
}

func (e *smtpExecutor) Kind() target.MethodKind { return target.MethodSMTP }

func (e *smtpExecutor) Execute(ctx context.Context, action job.Action, cred *target.Credential) (Result, error) {
	if action.Type != job.ActionMailMessage {
		return Result{}, unsupportedAction("smtp", action)
	}

	var params MailMessageParams
	if err := decodeParams(action, &params); err != nil {
		return Result{}, err
	}
	if params.From == "" || len(params.To) == 0 {
		return Result{}, errors.Markf(errors.KindValidation, "mail_message action needs from and to")
	}

	msg := mail.NewMsg()
	if err := msg.From(params.From); err != nil {
		return Result{}, errors.Mark(errors.Wrapf(err, "invalid from address %s", params.From), errors.KindValidation)
	}
	if err := msg.To(params.To...); err != nil {
		return Result{}, errors.Mark(errors.Wrap(err, "invalid recipient address"), errors.KindValidation)
	}
	msg.Subject(params.Subject)
	msg.SetBodyString(mail.TypeTextPlain, params.Body)

	tlsPolicy := mail.TLSOpportunistic
	if e.settings.StartTLS {
		tlsPolicy = mail.TLSMandatory
	}

	opts := []mail.Option{
		mail.WithPort(e.settings.Port),
		mail.WithTLSPolicy(tlsPolicy),
	}
	if cred.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cred.Username),
			mail.WithPassword(cred.Secret),
		)
	}

	client, err := mail.NewClient(e.settings.Host, opts...)
	if err != nil {
		return Result{}, errors.Mark(errors.Wrap(err, "failed to build smtp client"), errors.KindCommunication)
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		if cerr := ctxError(ctx, err); cerr != nil {
			return Result{}, cerr
		}
		low := strings.ToLower(err.Error())
		if strings.Contains(low, "535") || strings.Contains(low, "auth") {
			return Result{}, errors.Mark(errors.Wrapf(err, "smtp authentication to %s failed", e.settings.Host), errors.KindAuthentication)
		}
		if strings.Contains(low, "550") || strings.Contains(low, "rejected") {
			return Result{}, errors.Mark(errors.Wrap(err, "message rejected by server"), errors.KindCommandExecution)
		}
		return Result{}, errors.Mark(errors.Wrapf(err, "smtp delivery via %s failed", e.settings.Host), errors.KindCommunication)
	}

	return Result{Output: "message accepted for delivery"}, nil
}
