// Package collab is a websocket collaboration server for shared newsdoc documents.
//
// Behaviour around the document lifecycle is provided by extensions. An extension is any value
// implementing one or more of the hook interfaces below; hooks run in the order the extensions
// were configured.
package collab

import (
	"context"
	"encoding/json"

	"github.com/astromechza/newsdoc-sync/pkg/auth"
	"github.com/astromechza/newsdoc-sync/pkg/shareddoc"
)

type Agent string

const (
	AgentUser   Agent = "user"
	AgentServer Agent = "server"
)

// Context is attached to every connection. It is never persisted.
type Context struct {
	Agent           Agent
	AccessToken     string
	User            auth.User
	LoadedFromCache bool
	Disconnected    bool
}

// Valid reports whether the context carries enough to act on behalf of someone.
func (c *Context) Valid() bool {
	return c != nil && c.Agent != "" && c.AccessToken != ""
}

type AuthenticatePayload struct {
	DocumentName string
	ConnectionID string
	Token        string
}

type StatelessPayload struct {
	DocumentName string
	ConnectionID string
	Context      Context
	Payload      json.RawMessage
	// Replace swaps the live context of the connection.
	Replace func(Context)
	// Reply sends a stateless message back to the connection.
	Reply func(payload any)
}

type LoadPayload struct {
	DocumentName string
	Document     *shareddoc.Document
	// Context belongs to the connection that caused the load; hooks may annotate it.
	Context *Context
}

type StorePayload struct {
	DocumentName string
	Document     *shareddoc.Document
	// Context belongs to the connection that made the last change.
	Context      Context
	ClientsCount int
	// Transact changes the document as the server agent. The change is pushed to the clients and
	// the store hooks run again straight away.
	Transact func(message string, fn func(tx *shareddoc.Tx) error) error
}

type DisconnectPayload struct {
	DocumentName string
	Document     *shareddoc.Document
	Context      Context
	// ClientsCount is the number of clients still connected to the document.
	ClientsCount int
}

// Authenticator turns a token into a connection context. An error rejects the connection.
type Authenticator interface {
	OnAuthenticate(ctx context.Context, p AuthenticatePayload) (*Context, error)
}

// StatelessHandler receives stateless messages. An error terminates the session.
type StatelessHandler interface {
	OnStatelessMessage(ctx context.Context, p StatelessPayload) error
}

// Loader populates a freshly created document. An error fails the load for every waiting
// connection.
type Loader interface {
	OnLoadDocument(ctx context.Context, p LoadPayload) error
}

// Storer persists a changed document. Calls are debounced by the server.
type Storer interface {
	OnStoreDocument(ctx context.Context, p StorePayload) error
}

type DisconnectHandler interface {
	OnDisconnect(ctx context.Context, p DisconnectPayload) error
}
