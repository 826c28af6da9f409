package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/sakif/postlink/internal/apperror"
	"github.com/sakif/postlink/internal/model"
	"github.com/sakif/postlink/internal/pkce"
	"github.com/sakif/postlink/internal/repository"
)

// =========================================================================
// FAKES AND HELPERS
// =========================================================================

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeSessionRepo is an in-memory repository.LinkSessionRepository.
type fakeSessionRepo struct {
	sessions  map[string]*model.LinkSession
	expired   []string
	createErr error
	getErr    error
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: make(map[string]*model.LinkSession)}
}

func (f *fakeSessionRepo) CreateLinkSession(ctx context.Context, s *model.LinkSession) error {
	if f.createErr != nil {
		return f.createErr
	}
	copied := *s
	f.sessions[s.ID] = &copied
	return nil
}

func (f *fakeSessionRepo) GetLinkSession(ctx context.Context, id string) (*model.LinkSession, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	s, ok := f.sessions[id]
	if !ok {
		return nil, apperror.NotFound("link session", id)
	}
	copied := *s
	return &copied, nil
}

func (f *fakeSessionRepo) ExpireLinkSession(ctx context.Context, id string) error {
	f.expired = append(f.expired, id)
	if s, ok := f.sessions[id]; ok && s.Status == model.LinkSessionPending {
		s.Status = model.LinkSessionExpired
	}
	return nil
}

// fakeCompleter records what CompleteLink was asked to persist.
type fakeCompleter struct {
	completions []repository.LinkCompletion
	err         error
}

func (f *fakeCompleter) CompleteLink(ctx context.Context, c repository.LinkCompletion) (*model.LinkedAccount, error) {
	f.completions = append(f.completions, c)
	if f.err != nil {
		return nil, f.err
	}
	return &model.LinkedAccount{
		ID:                "acct-1",
		AppUserID:         c.AppUserID,
		ExternalAccountID: c.Profile.ID,
		Username:          c.Profile.Username,
		IsPrimary:         true,
	}, nil
}

// fakeAuthProvider stands in for the X client. Call counters let tests prove
// the provider was never contacted.
type fakeAuthProvider struct {
	authURLErr  error
	exchangeErr error
	meErr       error
	token       *oauth2.Token
	profile     *model.ExternalProfile

	lastState     string
	lastChallenge string
	lastCode      string
	lastVerifier  string
	exchangeCalls int
	meCalls       int
}

func newFakeAuthProvider() *fakeAuthProvider {
	tok := (&oauth2.Token{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		TokenType:    "bearer",
		Expiry:       time.Now().Add(2 * time.Hour),
	}).WithExtra(map[string]any{"scope": "tweet.read tweet.write"})

	return &fakeAuthProvider{
		token:   tok,
		profile: &model.ExternalProfile{ID: "2244994945", Username: "xdevelopers", DisplayName: "Developers"},
	}
}

func (f *fakeAuthProvider) AuthURL(state, challenge string) (string, error) {
	if f.authURLErr != nil {
		return "", f.authURLErr
	}
	f.lastState = state
	f.lastChallenge = challenge
	return "https://x.example/authorize?state=" + state, nil
}

func (f *fakeAuthProvider) Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	f.exchangeCalls++
	f.lastCode = code
	f.lastVerifier = verifier
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return f.token, nil
}

func (f *fakeAuthProvider) Me(ctx context.Context, tok *oauth2.Token) (*model.ExternalProfile, error) {
	f.meCalls++
	if f.meErr != nil {
		return nil, f.meErr
	}
	return f.profile, nil
}

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLinkService(sessions *fakeSessionRepo, completer *fakeCompleter, prov *fakeAuthProvider) *LinkService {
	svc := NewLinkService(sessions, completer, prov, 10*time.Minute, testLogger())
	svc.now = func() time.Time { return testNow }
	return svc
}

// seedSession stores a pending session owned by user-1 and returns it.
func seedSession(repo *fakeSessionRepo, id string, expiresAt time.Time) *model.LinkSession {
	verifier := pkce.NewVerifier()
	s := &model.LinkSession{
		ID:            id,
		AppUserID:     "user-1",
		CodeVerifier:  verifier,
		CodeChallenge: pkce.Challenge(verifier),
		Status:        model.LinkSessionPending,
		CreatedAt:     testNow.Add(-time.Minute),
		ExpiresAt:     expiresAt,
	}
	repo.sessions[id] = s
	return s
}

// =========================================================================
// LINK SESSION TESTS
// =========================================================================

func TestCreateLinkSession(t *testing.T) {
	repo := newFakeSessionRepo()
	svc := newTestLinkService(repo, &fakeCompleter{}, newFakeAuthProvider())

	s, err := svc.CreateLinkSession(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("CreateLinkSession() error = %v", err)
	}

	if s.ID == "" {
		t.Fatal("CreateLinkSession() returned empty ID")
	}
	if s.Status != model.LinkSessionPending {
		t.Errorf("Status = %q, want %q", s.Status, model.LinkSessionPending)
	}
	if got := pkce.Challenge(s.CodeVerifier); got != s.CodeChallenge {
		t.Errorf("CodeChallenge = %q, want S256 of verifier %q", s.CodeChallenge, got)
	}
	if !s.ExpiresAt.Equal(testNow.Add(10 * time.Minute)) {
		t.Errorf("ExpiresAt = %v, want now+ttl", s.ExpiresAt)
	}
	if _, ok := repo.sessions[s.ID]; !ok {
		t.Error("session was not persisted")
	}
}

func TestCreateLinkSession_BlankUser(t *testing.T) {
	svc := newTestLinkService(newFakeSessionRepo(), &fakeCompleter{}, newFakeAuthProvider())

	_, err := svc.CreateLinkSession(context.Background(), "  ")
	if !errors.Is(err, apperror.ErrValidation) {
		t.Errorf("error = %v, want ErrValidation", err)
	}
}

func TestLinkSessionStatus_OtherUser(t *testing.T) {
	repo := newFakeSessionRepo()
	seedSession(repo, "s1", testNow.Add(time.Minute))
	svc := newTestLinkService(repo, &fakeCompleter{}, newFakeAuthProvider())

	_, err := svc.LinkSessionStatus(context.Background(), "user-2", "s1")
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestLinkSessionStatus_ExpiresLazily(t *testing.T) {
	repo := newFakeSessionRepo()
	seedSession(repo, "s1", testNow)
	svc := newTestLinkService(repo, &fakeCompleter{}, newFakeAuthProvider())

	s, err := svc.LinkSessionStatus(context.Background(), "user-1", "s1")
	if err != nil {
		t.Fatalf("LinkSessionStatus() error = %v", err)
	}
	if s.Status != model.LinkSessionExpired {
		t.Errorf("Status = %q, want expired", s.Status)
	}
	if len(repo.expired) != 1 {
		t.Errorf("ExpireLinkSession calls = %d, want 1", len(repo.expired))
	}
}

// =========================================================================
// BEGIN TESTS
// =========================================================================

func TestBeginDirectLink(t *testing.T) {
	prov := newFakeAuthProvider()
	svc := newTestLinkService(newFakeSessionRepo(), &fakeCompleter{}, prov)

	pending, url, err := svc.BeginDirectLink(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("BeginDirectLink() error = %v", err)
	}

	if url == "" {
		t.Error("BeginDirectLink() returned empty URL")
	}
	if pending.Action != model.ActionDirect {
		t.Errorf("Action = %q, want direct", pending.Action)
	}
	if pending.AppUserID != "user-1" {
		t.Errorf("AppUserID = %q, want user-1", pending.AppUserID)
	}
	if prov.lastState != pending.State {
		t.Errorf("provider state = %q, pending state = %q", prov.lastState, pending.State)
	}
	if prov.lastChallenge != pkce.Challenge(pending.CodeVerifier) {
		t.Error("challenge sent to provider does not match the stored verifier")
	}
	if _, ok := model.ParseCrossDeviceState(pending.State); ok {
		t.Error("direct state must not parse as a cross-device state")
	}
}

func TestBeginDirectLink_ProviderNotConfigured(t *testing.T) {
	prov := newFakeAuthProvider()
	prov.authURLErr = apperror.Configuration("X_CLIENT_ID")
	svc := newTestLinkService(newFakeSessionRepo(), &fakeCompleter{}, prov)

	_, _, err := svc.BeginDirectLink(context.Background(), "user-1")
	if !errors.Is(err, apperror.ErrConfiguration) {
		t.Errorf("error = %v, want ErrConfiguration", err)
	}
}

func TestBeginCrossDeviceLink(t *testing.T) {
	repo := newFakeSessionRepo()
	session := seedSession(repo, "s1", testNow.Add(time.Minute))
	prov := newFakeAuthProvider()
	svc := newTestLinkService(repo, &fakeCompleter{}, prov)

	pending, _, err := svc.BeginCrossDeviceLink(context.Background(), "s1")
	if err != nil {
		t.Fatalf("BeginCrossDeviceLink() error = %v", err)
	}

	if prov.lastChallenge != session.CodeChallenge {
		t.Errorf("challenge = %q, want the session's %q", prov.lastChallenge, session.CodeChallenge)
	}
	id, ok := model.ParseCrossDeviceState(pending.State)
	if !ok || id != "s1" {
		t.Errorf("ParseCrossDeviceState(%q) = %q, %v", pending.State, id, ok)
	}
	if pending.Action != model.ActionCrossDevice || pending.SessionID != "s1" {
		t.Errorf("pending = %+v", pending)
	}
}

func TestBeginCrossDeviceLink_Unusable(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(repo *fakeSessionRepo)
		id      string
		wantErr error
	}{
		{"unknown", func(*fakeSessionRepo) {}, "missing", apperror.ErrSessionNotFound},
		{"blank id", func(*fakeSessionRepo) {}, "", apperror.ErrSessionNotFound},
		{"completed", func(r *fakeSessionRepo) {
			seedSession(r, "s1", testNow.Add(time.Minute)).Status = model.LinkSessionCompleted
		}, "s1", apperror.ErrSessionNotFound},
		{"already expired", func(r *fakeSessionRepo) {
			seedSession(r, "s1", testNow.Add(-time.Minute)).Status = model.LinkSessionExpired
		}, "s1", apperror.ErrSessionExpired},
		{"past ttl", func(r *fakeSessionRepo) {
			seedSession(r, "s1", testNow.Add(-time.Second))
		}, "s1", apperror.ErrSessionExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newFakeSessionRepo()
			tt.setup(repo)
			prov := newFakeAuthProvider()
			svc := newTestLinkService(repo, &fakeCompleter{}, prov)

			_, _, err := svc.BeginCrossDeviceLink(context.Background(), tt.id)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if prov.lastState != "" {
				t.Error("an authorization URL was built for an unusable session")
			}
		})
	}
}

// =========================================================================
// CALLBACK TESTS
// =========================================================================

func directPending() *model.PendingAuthorization {
	return &model.PendingAuthorization{
		CodeVerifier: "verifier-direct",
		State:        "state-direct",
		Action:       model.ActionDirect,
		AppUserID:    "user-1",
	}
}

func TestCompleteAuthorization_Direct(t *testing.T) {
	prov := newFakeAuthProvider()
	completer := &fakeCompleter{}
	svc := newTestLinkService(newFakeSessionRepo(), completer, prov)

	account, err := svc.CompleteAuthorization(context.Background(),
		CallbackParams{Code: "code-1", State: "state-direct"}, directPending())
	if err != nil {
		t.Fatalf("CompleteAuthorization() error = %v", err)
	}

	if account.ExternalAccountID != "2244994945" {
		t.Errorf("ExternalAccountID = %q", account.ExternalAccountID)
	}
	if prov.lastCode != "code-1" || prov.lastVerifier != "verifier-direct" {
		t.Errorf("exchange got code=%q verifier=%q", prov.lastCode, prov.lastVerifier)
	}
	if len(completer.completions) != 1 {
		t.Fatalf("CompleteLink calls = %d, want 1", len(completer.completions))
	}

	c := completer.completions[0]
	if c.AppUserID != "user-1" || c.SessionID != "" {
		t.Errorf("completion user=%q session=%q", c.AppUserID, c.SessionID)
	}
	if c.Credential.AccessToken != "access-1" || c.Credential.RefreshToken != "refresh-1" {
		t.Error("credential does not carry the exchanged tokens")
	}
	if c.Credential.Scope != "tweet.read tweet.write" {
		t.Errorf("Scope = %q", c.Credential.Scope)
	}
	if c.Credential.ExternalAccountID != "2244994945" {
		t.Errorf("credential keyed by %q", c.Credential.ExternalAccountID)
	}
}

func TestCompleteAuthorization_CrossDevice(t *testing.T) {
	repo := newFakeSessionRepo()
	session := seedSession(repo, "s1", testNow.Add(time.Minute))
	prov := newFakeAuthProvider()
	completer := &fakeCompleter{}
	svc := newTestLinkService(repo, completer, prov)

	state := model.CrossDeviceState("s1", "nonce")
	pending := &model.PendingAuthorization{
		State:     state,
		Action:    model.ActionCrossDevice,
		SessionID: "s1",
	}

	_, err := svc.CompleteAuthorization(context.Background(), CallbackParams{Code: "c", State: state}, pending)
	if err != nil {
		t.Fatalf("CompleteAuthorization() error = %v", err)
	}

	if prov.lastVerifier != session.CodeVerifier {
		t.Error("exchange did not use the verifier stored with the session")
	}
	c := completer.completions[0]
	if c.SessionID != "s1" || c.AppUserID != "user-1" {
		t.Errorf("completion session=%q user=%q", c.SessionID, c.AppUserID)
	}
}

func TestCompleteAuthorization_RejectedBeforeExchange(t *testing.T) {
	crossState := model.CrossDeviceState("s1", "nonce")

	tests := []struct {
		name    string
		params  CallbackParams
		pending *model.PendingAuthorization
		wantErr error
	}{
		{
			name:    "state mismatch",
			params:  CallbackParams{Code: "c", State: "forged"},
			pending: directPending(),
			wantErr: apperror.ErrCSRFMismatch,
		},
		{
			name:    "no pending cookie",
			params:  CallbackParams{Code: "c", State: "state-direct"},
			pending: nil,
			wantErr: apperror.ErrCSRFMismatch,
		},
		{
			name:    "empty state",
			params:  CallbackParams{Code: "c"},
			pending: &model.PendingAuthorization{Action: model.ActionDirect, AppUserID: "u", CodeVerifier: "v"},
			wantErr: apperror.ErrCSRFMismatch,
		},
		{
			name:    "user denied",
			params:  CallbackParams{State: "state-direct", Error: "access_denied"},
			pending: directPending(),
			wantErr: apperror.ErrAuthorizationFailed,
		},
		{
			name:    "missing code",
			params:  CallbackParams{State: "state-direct"},
			pending: directPending(),
			wantErr: apperror.ErrAuthorizationFailed,
		},
		{
			name:   "cookie session differs from state",
			params: CallbackParams{Code: "c", State: crossState},
			pending: &model.PendingAuthorization{
				State: crossState, Action: model.ActionCrossDevice, SessionID: "other",
			},
			wantErr: apperror.ErrCSRFMismatch,
		},
		{
			name:   "unknown session",
			params: CallbackParams{Code: "c", State: model.CrossDeviceState("missing", "n")},
			pending: &model.PendingAuthorization{
				State: model.CrossDeviceState("missing", "n"), Action: model.ActionCrossDevice,
			},
			wantErr: apperror.ErrSessionNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newFakeSessionRepo()
			seedSession(repo, "s1", testNow.Add(time.Minute))
			prov := newFakeAuthProvider()
			completer := &fakeCompleter{}
			svc := newTestLinkService(repo, completer, prov)

			_, err := svc.CompleteAuthorization(context.Background(), tt.params, tt.pending)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if prov.exchangeCalls != 0 {
				t.Errorf("Exchange calls = %d, want 0", prov.exchangeCalls)
			}
			if len(completer.completions) != 0 {
				t.Error("something was persisted")
			}
		})
	}
}

func TestCompleteAuthorization_ExpiredSession(t *testing.T) {
	repo := newFakeSessionRepo()
	seedSession(repo, "s1", testNow)
	prov := newFakeAuthProvider()
	svc := newTestLinkService(repo, &fakeCompleter{}, prov)

	state := model.CrossDeviceState("s1", "nonce")
	_, err := svc.CompleteAuthorization(context.Background(),
		CallbackParams{Code: "c", State: state},
		&model.PendingAuthorization{State: state, Action: model.ActionCrossDevice, SessionID: "s1"})

	if !errors.Is(err, apperror.ErrSessionExpired) {
		t.Errorf("error = %v, want ErrSessionExpired", err)
	}
	if prov.exchangeCalls != 0 {
		t.Error("code was exchanged for an expired session")
	}
}

func TestCompleteAuthorization_ProviderFailures(t *testing.T) {
	tests := []struct {
		name        string
		exchangeErr error
		meErr       error
		wantErr     error
	}{
		{"code rejected", apperror.AuthorizationFailed("invalid_grant"), nil, apperror.ErrAuthorizationFailed},
		{"token endpoint down", apperror.Transient("exchange", errors.New("503")), nil, apperror.ErrTransient},
		{"profile unavailable", nil, apperror.AuthorizationFailed("profile_unavailable"), apperror.ErrAuthorizationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prov := newFakeAuthProvider()
			prov.exchangeErr = tt.exchangeErr
			prov.meErr = tt.meErr
			completer := &fakeCompleter{}
			svc := newTestLinkService(newFakeSessionRepo(), completer, prov)

			_, err := svc.CompleteAuthorization(context.Background(),
				CallbackParams{Code: "c", State: "state-direct"}, directPending())
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if len(completer.completions) != 0 {
				t.Error("nothing may be persisted when the provider fails")
			}
		})
	}
}

func TestCompleteAuthorization_SessionConsumedConcurrently(t *testing.T) {
	repo := newFakeSessionRepo()
	seedSession(repo, "s1", testNow.Add(time.Minute))
	completer := &fakeCompleter{err: apperror.SessionNotFound("s1")}
	svc := newTestLinkService(repo, completer, newFakeAuthProvider())

	state := model.CrossDeviceState("s1", "nonce")
	_, err := svc.CompleteAuthorization(context.Background(),
		CallbackParams{Code: "c", State: state},
		&model.PendingAuthorization{State: state, Action: model.ActionCrossDevice, SessionID: "s1"})

	if !errors.Is(err, apperror.ErrSessionNotFound) {
		t.Errorf("error = %v, want ErrSessionNotFound", err)
	}
}
