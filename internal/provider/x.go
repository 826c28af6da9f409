// Package provider talks to the X (Twitter) API v2: the OAuth 2.0 endpoints
// and the few REST calls we make with a user's token.
//
// OAUTH 2.0 AUTHORIZATION CODE FLOW WITH PKCE:
//  1. We redirect the user to the authorization endpoint with our client id,
//     the scopes, a state nonce and the S256 code challenge.
//  2. The user approves (or denies) on X.
//  3. X redirects back to our callback with a short-lived "code".
//  4. We exchange code + code verifier for an access/refresh token pair
//     (server-to-server, authenticated with our client secret).
//  5. We call /2/users/me with the access token to learn who linked.
//
// Access tokens live about two hours. With the offline.access scope X also
// returns a refresh token, which the token manager trades for a new pair.
//
// ERROR CLASSIFICATION:
// Everything that leaves this package is one of
//   - ErrGrantRejected: the refresh token is dead (reauthorization needed)
//   - apperror.ErrAuthorizationFailed: the code exchange was refused
//   - apperror.ErrPublishFailed: X refused a post (status + message kept)
//   - apperror.ErrTransient: network error, timeout, 429 or 5xx
//
// Raw response bodies never go into error messages; they may echo tokens.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"time"

	"golang.org/x/oauth2"

	"github.com/sakif/postlink/internal/apperror"
	"github.com/sakif/postlink/internal/config"
	"github.com/sakif/postlink/internal/model"
	"github.com/sakif/postlink/internal/pkce"
)

// ErrGrantRejected means X answered a refresh with invalid_grant,
// invalid_request or unauthorized_client. Retrying will not help.
var ErrGrantRejected = errors.New("provider: refresh grant rejected")

// DefaultTokenLifetime is used when a token response has no expires_in.
const DefaultTokenLifetime = 2 * time.Hour

// maxErrorBody bounds how much of an error response we read.
const maxErrorBody = 64 << 10

// revokedGrantCodes are the OAuth error codes that mean the stored refresh
// token can never work again.
var revokedGrantCodes = []string{"invalid_grant", "invalid_request", "unauthorized_client"}

// XClient wraps golang.org/x/oauth2 and net/http for the X API.
//
// It is safe for concurrent use: it holds only read-only configuration and
// an *http.Client.
type XClient struct {
	cfg        config.Provider
	httpClient *http.Client
}

// NewXClient creates a client. timeout bounds every outgoing request; a
// request that hits it is reported as transient.
func NewXClient(cfg config.Provider, timeout time.Duration) *XClient {
	return &XClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// oauthConfig builds the oauth2.Config. X is a confidential client here, so
// credentials go in the Basic auth header.
func (c *XClient) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		RedirectURL:  c.cfg.CallbackURL,
		Scopes:       c.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.cfg.AuthURL,
			TokenURL:  c.cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

// withHTTPClient makes x/oauth2 use our timeout-bounded client instead of
// http.DefaultClient.
func (c *XClient) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// AuthURL returns the authorization URL the browser is redirected to.
//
// The challenge is passed in rather than derived here because cross-device
// links reuse the challenge stored with the link session.
func (c *XClient) AuthURL(state, challenge string) (string, error) {
	if err := c.cfg.Validate(); err != nil {
		return "", err
	}
	return c.oauthConfig().AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", pkce.Method),
	), nil
}

// Exchange trades the authorization code and PKCE verifier for tokens.
func (c *XClient) Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}

	tok, err := c.oauthConfig().Exchange(c.withHTTPClient(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil && isClientError(re.Response.StatusCode) {
			reason := re.ErrorCode
			if reason == "" {
				reason = http.StatusText(re.Response.StatusCode)
			}
			return nil, fmt.Errorf("provider: exchanging code: %w", apperror.AuthorizationFailed(reason))
		}
		return nil, fmt.Errorf("provider: exchanging code: %w", apperror.Transient("code exchange", tokenEndpointCause(err)))
	}

	return withDefaultExpiry(tok), nil
}

// Refresh trades a refresh token for a new pair. X rotates refresh tokens,
// so the returned token usually carries a new RefreshToken; if it does not,
// x/oauth2 keeps the old one.
func (c *XClient) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}

	// A token with no access token is never Valid(), so the TokenSource goes
	// straight to the refresh grant.
	src := c.oauthConfig().TokenSource(c.withHTTPClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, classifyRefreshError(err)
	}

	return withDefaultExpiry(tok), nil
}

func classifyRefreshError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		status := re.Response.StatusCode
		if isClientError(status) && slices.Contains(revokedGrantCodes, re.ErrorCode) {
			return fmt.Errorf("provider: refreshing token: %w (%s)", ErrGrantRejected, re.ErrorCode)
		}
	}
	return fmt.Errorf("provider: refreshing token: %w", apperror.Transient("token refresh", tokenEndpointCause(err)))
}

// tokenEndpointCause strips the response body x/oauth2 puts into a
// RetrieveError's text, keeping only the status and OAuth error code.
// Other errors (timeouts, refused connections) carry no body and pass through.
func tokenEndpointCause(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) || re.Response == nil {
		return err
	}
	if re.ErrorCode != "" {
		return fmt.Errorf("token endpoint: status %d: %s", re.Response.StatusCode, re.ErrorCode)
	}
	return fmt.Errorf("token endpoint: status %d", re.Response.StatusCode)
}

// isClientError is 4xx minus 429, which is a throttle and worth retrying.
func isClientError(status int) bool {
	return status >= 400 && status < 500 && status != http.StatusTooManyRequests
}

func withDefaultExpiry(tok *oauth2.Token) *oauth2.Token {
	if tok.Expiry.IsZero() {
		tok.Expiry = time.Now().Add(DefaultTokenLifetime)
	}
	return tok
}

// meResponse is the portion of GET /2/users/me we care about.
//
// X API docs: https://docs.x.com/x-api/users/user-lookup-me
type meResponse struct {
	Data struct {
		ID              string `json:"id"`
		Name            string `json:"name"`
		Username        string `json:"username"`
		ProfileImageURL string `json:"profile_image_url"`
	} `json:"data"`
}

// Me fetches the profile of the account that owns accessToken.
func (c *XClient) Me(ctx context.Context, tok *oauth2.Token) (*model.ExternalProfile, error) {
	u := c.cfg.APIBaseURL + "/2/users/me?" + url.Values{"user.fields": {"profile_image_url"}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("provider: building users/me request: %w", err)
	}
	tok.SetAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider: calling users/me: %w", apperror.Transient("profile lookup", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if isClientError(resp.StatusCode) {
			return nil, fmt.Errorf("provider: users/me: %w", apperror.AuthorizationFailed("profile_unavailable"))
		}
		return nil, fmt.Errorf("provider: users/me: %w",
			apperror.Transient("profile lookup", fmt.Errorf("status %d", resp.StatusCode)))
	}

	var me meResponse
	if err := json.NewDecoder(resp.Body).Decode(&me); err != nil {
		return nil, fmt.Errorf("provider: decoding users/me response: %w", err)
	}
	if me.Data.ID == "" {
		return nil, fmt.Errorf("provider: users/me returned no account id: %w", apperror.AuthorizationFailed("profile_unavailable"))
	}

	return &model.ExternalProfile{
		ID:          me.Data.ID,
		Username:    me.Data.Username,
		DisplayName: me.Data.Name,
		AvatarURL:   me.Data.ProfileImageURL,
	}, nil
}

type createPostRequest struct {
	Text  string     `json:"text"`
	Reply *postReply `json:"reply,omitempty"`
}

type postReply struct {
	InReplyToTweetID string `json:"in_reply_to_tweet_id"`
}

type createPostResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
}

// CreatePost publishes text, optionally as a reply to inReplyTo.
func (c *XClient) CreatePost(ctx context.Context, token *model.AccessToken, text, inReplyTo string) (*model.PostResult, error) {
	body := createPostRequest{Text: text}
	if inReplyTo != "" {
		body.Reply = &postReply{InReplyToTweetID: inReplyTo}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("provider: encoding post: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIBaseURL+"/2/tweets", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("provider: building post request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	(&oauth2.Token{AccessToken: token.Value, TokenType: token.TokenType}).SetAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider: calling tweets: %w", apperror.Transient("publish", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider: tweets: %w",
			apperror.PublishFailed(resp.StatusCode, errorMessage(resp)))
	}

	var out createPostResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		// The post may well exist; the chain must stop with a typed reason.
		return nil, fmt.Errorf("provider: decoding post response: %w",
			apperror.PublishFailed(resp.StatusCode, "unreadable response; post may have been created"))
	}
	if out.Data.ID == "" {
		return nil, fmt.Errorf("provider: tweets: %w",
			apperror.PublishFailed(resp.StatusCode, "response carried no post id"))
	}

	return &model.PostResult{ID: out.Data.ID, Text: out.Data.Text}, nil
}

// apiError covers both X error shapes: RFC 7807 problem details
// ({"title","detail"}) and the older {"errors":[{"message"}]} list.
type apiError struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// errorMessage extracts a short, human-readable reason from an error
// response. It falls back to the status text.
func errorMessage(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var e apiError
	if json.Unmarshal(raw, &e) == nil {
		switch {
		case e.Detail != "":
			return truncate(e.Detail)
		case len(e.Errors) > 0 && e.Errors[0].Message != "":
			return truncate(e.Errors[0].Message)
		case e.Title != "":
			return truncate(e.Title)
		}
	}
	return http.StatusText(resp.StatusCode)
}

func truncate(s string) string {
	const max = 200
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
