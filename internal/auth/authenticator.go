package auth

import "context"

// Authenticator bundles the credential store and authorization resolver
// internal/session consults once per connection (bearer header) and again
// on every login/createAccount message (spec.md §4.5).
type Authenticator struct {
	Credentials CredentialStore
	Resolver    *Resolver
}

// NewAuthenticator constructs an Authenticator over creds and resolver.
func NewAuthenticator(creds CredentialStore, resolver *Resolver) *Authenticator {
	return &Authenticator{Credentials: creds, Resolver: resolver}
}

// Login verifies user/password against the configured credential store.
func (a *Authenticator) Login(ctx context.Context, user, password string) error {
	if a.Credentials == nil {
		return ErrInvalidCredentials
	}
	return a.Credentials.Verify(ctx, user, password)
}

// CreateAccount provisions a new account, subject to allowAddingUsers.
func (a *Authenticator) CreateAccount(ctx context.Context, user, password, email string) error {
	if a.Credentials == nil {
		return ErrAddingUsersDisabled
	}
	return a.Credentials.Create(ctx, user, password, email)
}
