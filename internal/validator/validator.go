// Package validator decides whether a held token is still usable, contacting
// the collaborator only for remote tokens.
package validator

import (
	"context"
	"errors"

	"github.com/Skotchmaster/rbe_session/internal/apierr"
	"github.com/Skotchmaster/rbe_session/internal/domain"
	"github.com/Skotchmaster/rbe_session/internal/metrics"
	"github.com/Skotchmaster/rbe_session/pkg/authclient"
	"github.com/Skotchmaster/rbe_session/pkg/logging"
)

type Outcome int

const (
	OutcomeMissingToken Outcome = iota
	OutcomeLocalDev
	// OutcomeNoCollaborator fails open so offline deployments keep working.
	OutcomeNoCollaborator
	OutcomeAccepted
	OutcomeRejected
	OutcomeDisabled
	OutcomeMalformed
	// OutcomeTransportFailed fails closed.
	OutcomeTransportFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMissingToken:
		return "missing_token"
	case OutcomeLocalDev:
		return "local_dev"
	case OutcomeNoCollaborator:
		return "no_collaborator"
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejected:
		return "rejected"
	case OutcomeDisabled:
		return "disabled"
	case OutcomeMalformed:
		return "malformed"
	case OutcomeTransportFailed:
		return "transport_failed"
	default:
		return "unknown"
	}
}

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeLocalDev, OutcomeNoCollaborator, OutcomeAccepted:
		return true
	}
	return false
}

type Validator struct {
	remote  *authclient.Client
	metrics *metrics.Metrics
}

// New returns a validator. A nil remote means no collaborator is configured.
func New(remote *authclient.Client, m *metrics.Metrics) *Validator {
	return &Validator{remote: remote, metrics: m}
}

func (v *Validator) Validate(ctx context.Context, token string) Outcome {
	o := v.validate(ctx, token)
	v.metrics.RecordValidation(o.String())
	return o
}

// IsValid reduces Validate to a boolean.
func (v *Validator) IsValid(ctx context.Context, token string) bool {
	return v.Validate(ctx, token).Valid()
}

func (v *Validator) validate(ctx context.Context, token string) Outcome {
	switch {
	case token == "":
		return OutcomeMissingToken
	case domain.IsLocalDevToken(token):
		return OutcomeLocalDev
	case v.remote == nil:
		return OutcomeNoCollaborator
	}

	l := logging.FromContext(ctx).With("svc", "session.validate")

	status, acc, err := v.remote.Me(ctx, token)
	switch {
	case errors.Is(err, apierr.ErrParse):
		l.Warn("session validation failed", "reason", "malformed body", "status", status, "error", err)
		return OutcomeMalformed
	case err != nil:
		l.Warn("session validation failed", "reason", "transport", "error", err)
		return OutcomeTransportFailed
	case acc == nil:
		l.Info("session rejected", "status", status)
		return OutcomeRejected
	case acc.IsDisabled():
		l.Info("session rejected", "reason", "account disabled")
		return OutcomeDisabled
	}
	return OutcomeAccepted
}
