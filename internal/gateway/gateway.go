// Package gateway turns credentials into a token and user, trying the remote
// collaborator first and the local directory second. It never commits the
// result anywhere; callers decide what to do with it.
package gateway

import (
	"context"
	"strings"

	"github.com/Skotchmaster/rbe_session/internal/apierr"
	"github.com/Skotchmaster/rbe_session/internal/directory"
	"github.com/Skotchmaster/rbe_session/internal/domain"
	"github.com/Skotchmaster/rbe_session/internal/metrics"
	"github.com/Skotchmaster/rbe_session/pkg/authclient"
	"github.com/Skotchmaster/rbe_session/pkg/logging"
)

type Source string

const (
	SourceRemote Source = "remote"
	SourceLocal  Source = "local"
)

type Result struct {
	Token  string
	User   domain.User
	Source Source
}

type Gateway struct {
	remote  *authclient.Client
	local   *directory.Directory
	metrics *metrics.Metrics
}

// New returns a gateway. A nil remote skips straight to the local directory.
func New(remote *authclient.Client, local *directory.Directory, m *metrics.Metrics) *Gateway {
	if local == nil {
		local, _ = directory.New(nil)
	}
	return &Gateway{remote: remote, local: local, metrics: m}
}

func (g *Gateway) Login(ctx context.Context, username, password string) (*Result, error) {
	if err := requireCredentials(username, password, "username"); err != nil {
		return nil, err
	}
	return g.authenticate(ctx, "auth.login", authclient.LoginPath,
		authclient.LoginRequest{Username: username, Password: password}, username, password)
}

// MemberLogin accepts a member number or email as identifier.
func (g *Gateway) MemberLogin(ctx context.Context, identifier, password string) (*Result, error) {
	if err := requireCredentials(identifier, password, "identifier"); err != nil {
		return nil, err
	}
	return g.authenticate(ctx, "auth.member_login", authclient.MemberLoginPath,
		authclient.MemberLoginRequest{Identifier: identifier, Password: password}, identifier, password)
}

func requireCredentials(id, password, idName string) error {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(password) == "" {
		return apierr.Validation(idName + " and password are required")
	}
	return nil
}

func (g *Gateway) authenticate(ctx context.Context, svc, path string, body any, id, password string) (*Result, error) {
	l := logging.FromContext(ctx).With("svc", svc)

	if g.remote != nil {
		resp, err := g.remote.Login(ctx, path, body)
		if err == nil {
			g.metrics.RecordLogin(string(SourceRemote), true)
			return &Result{Token: resp.Token, User: resp.User.Normalized(), Source: SourceRemote}, nil
		}
		l.Warn("remote login unavailable, trying local directory", "status", apierr.StatusOf(err), "error", err)
	}

	u, ok := g.local.Authenticate(id, password)
	g.metrics.RecordLogin(string(SourceLocal), ok)
	if !ok {
		l.Warn("login failed", "reason", "invalid credentials")
		return nil, apierr.ErrInvalidCredentials
	}
	l.Info("local login", "username", u.Username)
	return &Result{Token: domain.LocalDevToken(u.Username), User: u, Source: SourceLocal}, nil
}
