package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sakif/postlink/internal/apperror"
	"github.com/sakif/postlink/internal/model"
)

// =========================================================================
// FAKES AND HELPERS
// =========================================================================

// fakeTokenSource returns errs[i] on the i-th call (0-based) when set.
type fakeTokenSource struct {
	calls int
	errs  map[int]error
}

func (f *fakeTokenSource) GetValidToken(ctx context.Context, id string) (*model.AccessToken, error) {
	n := f.calls
	f.calls++
	if err := f.errs[n]; err != nil {
		return nil, err
	}
	return &model.AccessToken{ExternalAccountID: id, Value: "tok", TokenType: "bearer"}, nil
}

type sentPost struct {
	text      string
	inReplyTo string
}

// fakePoster assigns ids "p1", "p2", ... and fails the call numbered failAt.
type fakePoster struct {
	sent    []sentPost
	failAt  int
	failErr error
}

func newFakePoster() *fakePoster {
	return &fakePoster{failAt: -1}
}

func (f *fakePoster) CreatePost(ctx context.Context, token *model.AccessToken, text, inReplyTo string) (*model.PostResult, error) {
	n := len(f.sent)
	f.sent = append(f.sent, sentPost{text: text, inReplyTo: inReplyTo})
	if n == f.failAt {
		return nil, f.failErr
	}
	return &model.PostResult{ID: fmt.Sprintf("p%d", n+1), Text: text}, nil
}

type waitRecorder struct {
	delays []time.Duration
	err    error
}

func (w *waitRecorder) wait(ctx context.Context, d time.Duration) error {
	w.delays = append(w.delays, d)
	return w.err
}

func newTestPublisher(tokens *fakeTokenSource, poster *fakePoster, waits *waitRecorder) *Publisher {
	p := NewPublisher(tokens, poster, time.Second, testLogger())
	p.wait = waits.wait
	return p
}

// =========================================================================
// PublishSingle TESTS
// =========================================================================

func TestPublishSingle(t *testing.T) {
	tokens := &fakeTokenSource{}
	poster := newFakePoster()
	p := newTestPublisher(tokens, poster, &waitRecorder{})

	result, err := p.PublishSingle(context.Background(), "ext-1", "hello")
	if err != nil {
		t.Fatalf("PublishSingle() error = %v", err)
	}
	if result.ID != "p1" {
		t.Errorf("ID = %q, want p1", result.ID)
	}
	if poster.sent[0].inReplyTo != "" {
		t.Errorf("single post sent as a reply to %q", poster.sent[0].inReplyTo)
	}
}

func TestPublishSingle_Validation(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"whitespace only", " \n\t "},
		{"281 runes", strings.Repeat("a", 281)},
		{"281 multibyte runes", strings.Repeat("é", 281)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens := &fakeTokenSource{}
			poster := newFakePoster()
			p := newTestPublisher(tokens, poster, &waitRecorder{})

			_, err := p.PublishSingle(context.Background(), "ext-1", tt.text)
			if !errors.Is(err, apperror.ErrValidation) {
				t.Errorf("error = %v, want ErrValidation", err)
			}
			if tokens.calls != 0 || len(poster.sent) != 0 {
				t.Error("validation failure reached the token manager or provider")
			}
		})
	}
}

func TestPublishSingle_LimitCountsRunes(t *testing.T) {
	p := newTestPublisher(&fakeTokenSource{}, newFakePoster(), &waitRecorder{})

	// 280 two-byte runes is 560 bytes but still within the limit.
	if _, err := p.PublishSingle(context.Background(), "ext-1", strings.Repeat("é", 280)); err != nil {
		t.Errorf("PublishSingle(280 runes) error = %v", err)
	}
}

func TestPublishSingle_Failures(t *testing.T) {
	t.Run("needs reauth", func(t *testing.T) {
		tokens := &fakeTokenSource{errs: map[int]error{0: apperror.NeedsReauth("ext-1")}}
		poster := newFakePoster()
		p := newTestPublisher(tokens, poster, &waitRecorder{})

		_, err := p.PublishSingle(context.Background(), "ext-1", "hi")
		if !errors.Is(err, apperror.ErrNeedsReauth) {
			t.Errorf("error = %v, want ErrNeedsReauth", err)
		}
		if len(poster.sent) != 0 {
			t.Error("post sent without a token")
		}
	})

	t.Run("provider rejects", func(t *testing.T) {
		poster := newFakePoster()
		poster.failAt = 0
		poster.failErr = apperror.PublishFailed(403, "duplicate content")
		p := newTestPublisher(&fakeTokenSource{}, poster, &waitRecorder{})

		_, err := p.PublishSingle(context.Background(), "ext-1", "hi")
		var appErr *apperror.AppError
		if !errors.As(err, &appErr) || appErr.StatusCode != 403 {
			t.Errorf("error = %v, want PublishFailed with status 403", err)
		}
	})
}

// =========================================================================
// PublishChain TESTS
// =========================================================================

func TestPublishChain_RepliesToPrevious(t *testing.T) {
	poster := newFakePoster()
	waits := &waitRecorder{}
	p := newTestPublisher(&fakeTokenSource{}, poster, waits)

	result, err := p.PublishChain(context.Background(), "ext-1", []string{"one", "two", "three"}, model.ChainOptions{})
	if err != nil {
		t.Fatalf("PublishChain() error = %v", err)
	}

	if !result.Complete() || result.PostedCount != 3 {
		t.Fatalf("result = %+v, want 3 posted", result)
	}
	wantReplies := []string{"", "p1", "p2"}
	for i, want := range wantReplies {
		if poster.sent[i].inReplyTo != want {
			t.Errorf("item %d inReplyTo = %q, want %q", i, poster.sent[i].inReplyTo, want)
		}
	}
	if len(waits.delays) != 2 {
		t.Errorf("delays = %d, want 2 (between items only)", len(waits.delays))
	}
	for _, d := range waits.delays {
		if d != time.Second {
			t.Errorf("delay = %v, want 1s", d)
		}
	}
}

func TestPublishChain_InReplyTo(t *testing.T) {
	poster := newFakePoster()
	p := newTestPublisher(&fakeTokenSource{}, poster, &waitRecorder{})

	_, err := p.PublishChain(context.Background(), "ext-1", []string{"a", "b"}, model.ChainOptions{InReplyTo: "999"})
	if err != nil {
		t.Fatalf("PublishChain() error = %v", err)
	}
	if poster.sent[0].inReplyTo != "999" {
		t.Errorf("first item inReplyTo = %q, want 999", poster.sent[0].inReplyTo)
	}
	if poster.sent[1].inReplyTo != "p1" {
		t.Errorf("second item inReplyTo = %q, want p1", poster.sent[1].inReplyTo)
	}
}

func TestPublishChain_PartialFailure(t *testing.T) {
	poster := newFakePoster()
	poster.failAt = 2
	poster.failErr = apperror.PublishFailed(429, "Too Many Requests")
	p := newTestPublisher(&fakeTokenSource{}, poster, &waitRecorder{})

	items := []string{"a", "b", "c", "d", "e"}
	result, err := p.PublishChain(context.Background(), "ext-1", items, model.ChainOptions{})
	if err != nil {
		t.Fatalf("PublishChain() error = %v, want partial result", err)
	}

	if result.PostedCount != 2 || len(result.Posted) != 2 {
		t.Errorf("PostedCount = %d, Posted = %d, want 2", result.PostedCount, len(result.Posted))
	}
	if result.StoppedAtIndex == nil || *result.StoppedAtIndex != 2 {
		t.Errorf("StoppedAtIndex = %v, want 2", result.StoppedAtIndex)
	}
	if !errors.Is(result.Err, apperror.ErrPublishFailed) {
		t.Errorf("Err = %v, want ErrPublishFailed", result.Err)
	}
	if len(poster.sent) != 3 {
		t.Errorf("provider calls = %d, want 3 (no items after the failure)", len(poster.sent))
	}
	if result.Complete() {
		t.Error("partial result reported complete")
	}
}

func TestPublishChain_TokenFailureMidChain(t *testing.T) {
	tokens := &fakeTokenSource{errs: map[int]error{1: apperror.NeedsReauth("ext-1")}}
	poster := newFakePoster()
	p := newTestPublisher(tokens, poster, &waitRecorder{})

	result, err := p.PublishChain(context.Background(), "ext-1", []string{"a", "b", "c"}, model.ChainOptions{})
	if err != nil {
		t.Fatalf("PublishChain() error = %v", err)
	}
	if result.PostedCount != 1 || *result.StoppedAtIndex != 1 {
		t.Errorf("result = %+v, want 1 posted, stopped at 1", result)
	}
	if !errors.Is(result.Err, apperror.ErrNeedsReauth) {
		t.Errorf("Err = %v, want ErrNeedsReauth", result.Err)
	}
	if tokens.calls != 2 {
		t.Errorf("token requests = %d, want 2", tokens.calls)
	}
}

func TestPublishChain_FirstItemFails(t *testing.T) {
	poster := newFakePoster()
	poster.failAt = 0
	poster.failErr = apperror.Transient("create post", errors.New("timeout"))
	p := newTestPublisher(&fakeTokenSource{}, poster, &waitRecorder{})

	result, err := p.PublishChain(context.Background(), "ext-1", []string{"a", "b"}, model.ChainOptions{})
	if err != nil {
		t.Fatalf("PublishChain() error = %v", err)
	}
	if result.PostedCount != 0 || result.Posted == nil {
		t.Errorf("Posted = %v, want empty non-nil slice", result.Posted)
	}
	if *result.StoppedAtIndex != 0 {
		t.Errorf("StoppedAtIndex = %d, want 0", *result.StoppedAtIndex)
	}
}

func TestPublishChain_CancelledDuringDelay(t *testing.T) {
	poster := newFakePoster()
	waits := &waitRecorder{err: context.Canceled}
	p := newTestPublisher(&fakeTokenSource{}, poster, waits)

	result, err := p.PublishChain(context.Background(), "ext-1", []string{"a", "b"}, model.ChainOptions{})
	if err != nil {
		t.Fatalf("PublishChain() error = %v", err)
	}
	if result.PostedCount != 1 || *result.StoppedAtIndex != 1 {
		t.Errorf("result = %+v", result)
	}
	if !errors.Is(result.Err, apperror.ErrTransient) {
		t.Errorf("Err = %v, want ErrTransient", result.Err)
	}
	if len(poster.sent) != 1 {
		t.Errorf("provider calls = %d, want 1", len(poster.sent))
	}
}

func TestPublishChain_Validation(t *testing.T) {
	tooMany := make([]string, 26)
	for i := range tooMany {
		tooMany[i] = "x"
	}

	tests := []struct {
		name      string
		items     []string
		wantField string
	}{
		{"nil", nil, "items"},
		{"empty", []string{}, "items"},
		{"26 items", tooMany, "items"},
		{"blank item", []string{"ok", "  "}, "items[1]"},
		{"long item", []string{"ok", "ok", strings.Repeat("b", 281)}, "items[2]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens := &fakeTokenSource{}
			poster := newFakePoster()
			p := newTestPublisher(tokens, poster, &waitRecorder{})

			result, err := p.PublishChain(context.Background(), "ext-1", tt.items, model.ChainOptions{})
			if !errors.Is(err, apperror.ErrValidation) {
				t.Fatalf("error = %v, want ErrValidation", err)
			}
			if result != nil {
				t.Error("validation failure returned a result")
			}

			var appErr *apperror.AppError
			if errors.As(err, &appErr) && appErr.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", appErr.Field, tt.wantField)
			}
			if tokens.calls != 0 || len(poster.sent) != 0 {
				t.Error("nothing may be published when any item is invalid")
			}
		})
	}
}

func TestPublishChain_MaxLength(t *testing.T) {
	items := make([]string, 25)
	for i := range items {
		items[i] = fmt.Sprintf("item %d", i)
	}
	p := newTestPublisher(&fakeTokenSource{}, newFakePoster(), &waitRecorder{})

	result, err := p.PublishChain(context.Background(), "ext-1", items, model.ChainOptions{})
	if err != nil {
		t.Fatalf("PublishChain(25 items) error = %v", err)
	}
	if result.PostedCount != 25 {
		t.Errorf("PostedCount = %d, want 25", result.PostedCount)
	}
}

func TestSleepContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := sleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("sleepContext(cancelled) = %v, want context.Canceled", err)
	}
	if err := sleepContext(context.Background(), time.Millisecond); err != nil {
		t.Errorf("sleepContext(1ms) = %v", err)
	}
}
