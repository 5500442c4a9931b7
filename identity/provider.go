// Package identity defines the port to the external identity provider that
// owns authentication state. Account records live in the datastore; sign-in
// capability and sessions live with the provider.
package identity

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Provider disables and re-enables sign-in for individual users.
type Provider interface {
	DisableUser(ctx context.Context, userID string) error
	EnableUser(ctx context.Context, userID string) error
	RevokeSessions(ctx context.Context, userID string) error
}

// LogProvider is a development stand-in that records calls without talking
// to a real provider.
type LogProvider struct {
	Log *logrus.Logger
}

func (p *LogProvider) DisableUser(ctx context.Context, userID string) error {
	p.Log.WithField("user_id", userID).Info("identity: disable user")
	return nil
}

func (p *LogProvider) EnableUser(ctx context.Context, userID string) error {
	p.Log.WithField("user_id", userID).Info("identity: enable user")
	return nil
}

func (p *LogProvider) RevokeSessions(ctx context.Context, userID string) error {
	p.Log.WithField("user_id", userID).Info("identity: revoke sessions")
	return nil
}
