// Package credentials supplies the bearer tokens remote backends
// authenticate with.
package credentials

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	syncerr "github.com/alexjbarnes/treesync/internal/errors"
)

// Credentials authenticate one account against a remote.
type Credentials struct {
	AccountID string
	Token     string
}

// Provider returns current credentials. A provider that cannot produce
// credentials returns a Fatal error wrapping ErrAuth.
type Provider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// Static always returns the same credentials.
type Static Credentials

// Credentials implements Provider.
func (s Static) Credentials(context.Context) (Credentials, error) {
	if s.Token == "" {
		return Credentials{}, syncerr.Fatal(fmt.Errorf("no token for account %s: %w", s.AccountID, syncerr.ErrAuth))
	}

	return Credentials(s), nil
}

// Env reads the token from an environment variable on every call, so a
// rotated token is picked up by the next run.
type Env struct {
	AccountID string
	Var       string

	lookup func(string) (string, bool)
}

// NewEnv creates an Env provider for the named variable.
func NewEnv(accountID, variable string) *Env {
	return &Env{AccountID: accountID, Var: variable, lookup: os.LookupEnv}
}

// Credentials implements Provider.
func (e *Env) Credentials(context.Context) (Credentials, error) {
	lookup := e.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}

	token, ok := lookup(e.Var)
	token = strings.TrimSpace(token)

	if !ok || token == "" {
		return Credentials{}, syncerr.Fatal(fmt.Errorf("environment variable %s is not set: %w", e.Var, syncerr.ErrAuth))
	}

	return Credentials{AccountID: e.AccountID, Token: token}, nil
}

// Cached wraps a provider and reuses its last credentials until
// Invalidate is called, typically after the remote rejected them.
type Cached struct {
	inner Provider

	mu    sync.Mutex
	creds *Credentials
}

// NewCached wraps p.
func NewCached(p Provider) *Cached {
	return &Cached{inner: p}
}

// Credentials implements Provider.
func (c *Cached) Credentials(ctx context.Context) (Credentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.creds != nil {
		return *c.creds, nil
	}

	creds, err := c.inner.Credentials(ctx)
	if err != nil {
		return Credentials{}, err
	}

	c.creds = &creds

	return creds, nil
}

// Invalidate drops the cached credentials.
func (c *Cached) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.creds = nil
}
