package oauth2

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"net/url"
	"strings"
	"time"

	"github.com/roach88/nebula/internal/credential"
	"github.com/roach88/nebula/internal/fault"
	"github.com/roach88/nebula/internal/secret"
)

// Credential type names.
const (
	TypeClientCredentials = "oauth2_client_credentials"
	TypeAuthorizationCode = "oauth2_authorization_code"
)

// State is the sealed state of an OAuth2 credential. Fields under "pending"
// are set only while an authorization-code flow waits for its callback.
type State struct {
	TokenURL     string    `json:"token_url"`
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"client_secret,omitempty"`
	AuthStyle    AuthStyle `json:"auth_style,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`

	AccessToken  string     `json:"access_token,omitempty"`
	TokenType    string     `json:"token_type,omitempty"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	IssuedAt     time.Time  `json:"issued_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`

	RedirectURL  string `json:"redirect_url,omitempty"`
	CodeVerifier string `json:"code_verifier,omitempty"`
	CSRFState    string `json:"csrf_state,omitempty"`
}

func (s State) auth() ClientAuth {
	return ClientAuth{ID: s.ClientID, Secret: s.ClientSecret, Style: s.AuthStyle}
}

func (s State) apply(tr tokenResponse) State {
	s.AccessToken = tr.AccessToken
	s.TokenType = tr.TokenType
	if tr.RefreshToken != "" {
		s.RefreshToken = tr.RefreshToken
	}
	if tr.Scope != "" {
		s.Scopes = strings.Fields(tr.Scope)
	}
	s.IssuedAt = tr.IssuedAt
	s.ExpiresAt = credential.Expiry(tr.IssuedAt, tr.ExpiresIn)
	s.CodeVerifier = ""
	s.CSRFState = ""
	return s
}

// token builds the access token for a completed state.
func token(s State) (credential.AccessToken, error) {
	if s.AccessToken == "" {
		return credential.AccessToken{}, fault.New(fault.Validation, "oauth2 credential has no access token")
	}
	tok := credential.AccessToken{
		Secret:    secret.NewText(s.AccessToken),
		Kind:      credential.Bearer,
		IssuedAt:  s.IssuedAt,
		ExpiresAt: s.ExpiresAt,
		Scopes:    append([]string(nil), s.Scopes...),
	}
	return credential.WithJWTClaims(tok), nil
}

// refreshGrant uses the refresh token when there is one, otherwise calls
// fallback.
func (c *Client) refreshGrant(ctx context.Context, s State, fallback func() (tokenResponse, error)) (State, error) {
	if s.RefreshToken == "" {
		if fallback == nil {
			return s, fault.New(fault.Authentication, "oauth2 credential has no refresh token; authorize again")
		}
		tr, err := fallback()
		if err != nil {
			return s, err
		}
		return s.apply(tr), nil
	}
	form := url.Values{"grant_type": {"refresh_token"}, "refresh_token": {s.RefreshToken}}
	if len(s.Scopes) > 0 {
		form.Set("scope", strings.Join(s.Scopes, " "))
	}
	tr, err := c.exchange(ctx, s.TokenURL, s.auth(), form)
	if err != nil {
		return s, err
	}
	return s.apply(tr), nil
}

// ClientCredentialsInput creates a client-credentials credential.
type ClientCredentialsInput struct {
	TokenURL     string    `json:"token_url" validate:"required,url"`
	ClientID     string    `json:"client_id" validate:"required"`
	ClientSecret string    `json:"client_secret" validate:"required"`
	Scopes       []string  `json:"scopes,omitempty"`
	AuthStyle    AuthStyle `json:"auth_style,omitempty" validate:"omitempty,oneof=body header"`
}

// ClientCredentials is the machine-to-machine grant.
type ClientCredentials struct {
	Client *Client
}

// Type implements credential.Flow.
func (ClientCredentials) Type() string { return TypeClientCredentials }

func (f ClientCredentials) grant(ctx context.Context, s State) (tokenResponse, error) {
	form := url.Values{"grant_type": {"client_credentials"}}
	if len(s.Scopes) > 0 {
		form.Set("scope", strings.Join(s.Scopes, " "))
	}
	return f.Client.exchange(ctx, s.TokenURL, s.auth(), form)
}

// Initialize requests the first token.
func (f ClientCredentials) Initialize(ctx context.Context, in ClientCredentialsInput) (credential.Init[State], error) {
	s := State{
		TokenURL:     in.TokenURL,
		ClientID:     in.ClientID,
		ClientSecret: in.ClientSecret,
		AuthStyle:    in.AuthStyle,
		Scopes:       in.Scopes,
	}
	tr, err := f.grant(ctx, s)
	if err != nil {
		return credential.Init[State]{}, err
	}
	return credential.Init[State]{State: s.apply(tr)}, nil
}

// Continue implements credential.Flow; the grant is never interactive.
func (ClientCredentials) Continue(_ context.Context, s State, _ map[string]string) (State, error) {
	return s, fault.New(fault.Validation, "client credentials flow has no callback step")
}

// Refresh uses the refresh token when the server issued one and otherwise
// repeats the grant.
func (f ClientCredentials) Refresh(ctx context.Context, s State) (State, error) {
	return f.Client.refreshGrant(ctx, s, func() (tokenResponse, error) { return f.grant(ctx, s) })
}

// Token implements credential.Flow.
func (ClientCredentials) Token(s State) (credential.AccessToken, error) { return token(s) }

// AuthorizationCodeInput creates an authorization-code credential.
type AuthorizationCodeInput struct {
	AuthURL      string    `json:"auth_url" validate:"required,url"`
	TokenURL     string    `json:"token_url" validate:"required,url"`
	ClientID     string    `json:"client_id" validate:"required"`
	ClientSecret string    `json:"client_secret,omitempty"`
	RedirectURL  string    `json:"redirect_url" validate:"required,url"`
	Scopes       []string  `json:"scopes,omitempty"`
	AuthStyle    AuthStyle `json:"auth_style,omitempty" validate:"omitempty,oneof=body header"`
	// DisablePKCE turns off the S256 code challenge for servers that reject it.
	DisablePKCE bool `json:"disable_pkce,omitempty"`
}

// AuthorizationCode is the user-consent grant with PKCE.
type AuthorizationCode struct {
	Client *Client
}

// Type implements credential.Flow.
func (AuthorizationCode) Type() string { return TypeAuthorizationCode }

// Initialize builds the authorization URL. The verifier and CSRF state stay
// in the sealed partial state.
func (AuthorizationCode) Initialize(_ context.Context, in AuthorizationCodeInput) (credential.Init[State], error) {
	authURL, err := url.Parse(in.AuthURL)
	if err != nil {
		return credential.Init[State]{}, fault.Wrap(fault.Validation, err, "parse auth_url")
	}
	csrf, err := randomToken(16)
	if err != nil {
		return credential.Init[State]{}, err
	}
	s := State{
		TokenURL:     in.TokenURL,
		ClientID:     in.ClientID,
		ClientSecret: in.ClientSecret,
		AuthStyle:    in.AuthStyle,
		Scopes:       in.Scopes,
		RedirectURL:  in.RedirectURL,
		CSRFState:    csrf,
	}

	q := authURL.Query()
	q.Set("response_type", "code")
	q.Set("client_id", in.ClientID)
	q.Set("redirect_uri", in.RedirectURL)
	q.Set("state", csrf)
	if len(in.Scopes) > 0 {
		q.Set("scope", strings.Join(in.Scopes, " "))
	}
	if !in.DisablePKCE {
		verifier, err := randomToken(32)
		if err != nil {
			return credential.Init[State]{}, err
		}
		s.CodeVerifier = verifier
		q.Set("code_challenge", Challenge(verifier))
		q.Set("code_challenge_method", "S256")
	}
	authURL.RawQuery = q.Encode()

	return credential.Init[State]{
		State:   s,
		Pending: &credential.Pending{Next: credential.Redirect{URL: authURL.String(), State: csrf}},
	}, nil
}

// Continue exchanges the callback's code for tokens.
func (f AuthorizationCode) Continue(ctx context.Context, s State, params map[string]string) (State, error) {
	if e := params["error"]; e != "" {
		return s, fault.Annotate(fault.Newf(fault.Authentication, "authorization denied: %s", e),
			map[string]string{"oauth_error": e})
	}
	if s.CSRFState != "" && subtle.ConstantTimeCompare([]byte(params["state"]), []byte(s.CSRFState)) != 1 {
		return s, fault.New(fault.Validation, "authorization callback state mismatch")
	}
	code := params["code"]
	if code == "" {
		return s, fault.New(fault.Validation, "authorization callback has no code")
	}
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {s.RedirectURL},
	}
	if s.CodeVerifier != "" {
		form.Set("code_verifier", s.CodeVerifier)
	}
	tr, err := f.Client.exchange(ctx, s.TokenURL, s.auth(), form)
	if err != nil {
		return s, err
	}
	return s.apply(tr), nil
}

// Refresh uses the refresh-token grant.
func (f AuthorizationCode) Refresh(ctx context.Context, s State) (State, error) {
	return f.Client.refreshGrant(ctx, s, nil)
}

// Token implements credential.Flow.
func (AuthorizationCode) Token(s State) (credential.AccessToken, error) { return token(s) }

// Challenge is the S256 PKCE challenge for verifier.
func Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fault.Wrap(fault.Fatal, err, "generate random token")
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Register installs both flows in r.
func Register(r *credential.FactoryRegistry, c *Client) {
	r.Register(credential.Adapt[ClientCredentialsInput, State](ClientCredentials{Client: c}))
	r.Register(credential.Adapt[AuthorizationCodeInput, State](AuthorizationCode{Client: c}))
}
