// Package extensions holds the collaboration server extensions that authenticate connections and
// persist documents to the cache and the repository.
package extensions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/astromechza/newsdoc-sync/pkg/auth"
	"github.com/astromechza/newsdoc-sync/pkg/collab"
)

// Auth validates connection tokens and token refreshes sent as stateless auth messages.
type Auth struct {
	Validator auth.Validator
}

func (a *Auth) OnAuthenticate(ctx context.Context, p collab.AuthenticatePayload) (*collab.Context, error) {
	user, err := a.Validator.Validate(ctx, p.Token)
	if err != nil {
		return nil, err
	}
	return &collab.Context{Agent: collab.AgentUser, AccessToken: p.Token, User: user}, nil
}

// OnStatelessMessage replaces the connection context when a new token validates. A token that
// does not validate ends the session.
func (a *Auth) OnStatelessMessage(ctx context.Context, p collab.StatelessPayload) error {
	var msg collab.ControlMessage
	if err := json.Unmarshal(p.Payload, &msg); err != nil {
		return fmt.Errorf("failed to decode stateless message: %w", err)
	}
	if msg.Type != collab.MessageAuth {
		return nil
	}
	user, err := a.Validator.Validate(ctx, msg.Token)
	if err != nil {
		return err
	}
	next := p.Context
	next.AccessToken = msg.Token
	next.User = user
	p.Replace(next)
	p.Reply(collab.ControlMessage{Type: collab.MessageAuthenticated})
	return nil
}
