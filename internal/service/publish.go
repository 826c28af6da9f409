package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/sakif/postlink/internal/apperror"
	"github.com/sakif/postlink/internal/metrics"
	"github.com/sakif/postlink/internal/model"
)

// DefaultPublishDelay separates successive posts of a chain.
const DefaultPublishDelay = time.Second

// TokenSource hands out valid access tokens. *TokenManager implements it.
type TokenSource interface {
	GetValidToken(ctx context.Context, externalAccountID string) (*model.AccessToken, error)
}

// PostCreator publishes one post. *provider.XClient implements it.
type PostCreator interface {
	CreatePost(ctx context.Context, token *model.AccessToken, text, inReplyTo string) (*model.PostResult, error)
}

// singlePost and chainPost only exist to carry validation tags.
type singlePost struct {
	Text string `validate:"notblank,max=280"`
}

type chainPost struct {
	Items []string `validate:"required,min=1,max=25,dive,notblank,max=280"`
}

// Publisher posts single items and reply chains.
//
// VALIDATION FIRST:
// Every rule that can be checked locally (blank text, 280 runes, 25 items) is
// checked before a token is requested or a request is sent. A chain with one
// bad item posts nothing.
//
// CHAINS ARE SEQUENTIAL:
// Item i replies to item i-1's id, which only exists once item i-1 is posted.
// There is nothing to parallelize. The first failure stops the chain; what was
// already posted stays posted and is reported in the ChainResult.
type Publisher struct {
	tokens   TokenSource
	poster   PostCreator
	validate *validator.Validate
	delay    time.Duration
	wait     func(ctx context.Context, d time.Duration) error
	logger   *slog.Logger
}

func NewPublisher(tokens TokenSource, poster PostCreator, delay time.Duration, logger *slog.Logger) *Publisher {
	if delay < 0 {
		delay = DefaultPublishDelay
	}
	return &Publisher{
		tokens:   tokens,
		poster:   poster,
		validate: newPostValidator(),
		delay:    delay,
		wait:     sleepContext,
		logger:   logger,
	}
}

func newPostValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("notblank", validateNotBlank)
	return v
}

// validateNotBlank rejects strings that are empty after trimming whitespace.
func validateNotBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

// PublishSingle validates and posts one item.
func (p *Publisher) PublishSingle(ctx context.Context, externalAccountID, text string) (*model.PostResult, error) {
	if err := p.validate.Struct(singlePost{Text: text}); err != nil {
		return nil, validationError(err)
	}

	result, err := p.post(ctx, externalAccountID, text, "")
	if err != nil {
		return nil, err
	}

	p.logger.Info("post published",
		slog.String("externalAccountID", externalAccountID),
		slog.String("postID", result.ID),
	)
	return result, nil
}

// PublishChain posts items in order, each replying to the previous one.
//
// The error return is only for validation: once publishing starts the
// outcome, partial or not, is in the ChainResult.
func (p *Publisher) PublishChain(ctx context.Context, externalAccountID string, items []string, opts model.ChainOptions) (*model.ChainResult, error) {
	if err := p.validate.Struct(chainPost{Items: items}); err != nil {
		return nil, validationError(err)
	}

	result := &model.ChainResult{Posted: make([]model.PostResult, 0, len(items))}
	replyTo := opts.InReplyTo

	for i, text := range items {
		if i > 0 {
			if err := p.wait(ctx, p.delay); err != nil {
				p.stop(result, i, apperror.Transient("chain delay", err))
				break
			}
		}

		posted, err := p.post(ctx, externalAccountID, text, replyTo)
		if err != nil {
			p.stop(result, i, err)
			break
		}

		result.Posted = append(result.Posted, *posted)
		result.PostedCount++
		replyTo = posted.ID
	}

	if result.Complete() {
		metrics.ChainsPublished.WithLabelValues(metrics.ResultSuccess).Inc()
		p.logger.Info("chain published",
			slog.String("externalAccountID", externalAccountID),
			slog.Int("posted", result.PostedCount),
		)
	} else {
		label := metrics.ResultPartial
		if result.PostedCount == 0 {
			label = metrics.ResultFor(result.Err)
		}
		metrics.ChainsPublished.WithLabelValues(label).Inc()
		metrics.ChainStopIndex.Observe(float64(*result.StoppedAtIndex))
		p.logger.Warn("chain stopped",
			slog.String("externalAccountID", externalAccountID),
			slog.Int("posted", result.PostedCount),
			slog.Int("stoppedAt", *result.StoppedAtIndex),
			slog.String("error", result.Err.Error()),
		)
	}

	return result, nil
}

func (p *Publisher) stop(result *model.ChainResult, index int, err error) {
	result.StoppedAtIndex = &index
	result.Err = err
}

// post fetches a token and publishes one item. A fresh token is requested per
// item: a long chain can outlive the token it started with.
func (p *Publisher) post(ctx context.Context, externalAccountID, text, inReplyTo string) (*model.PostResult, error) {
	token, err := p.tokens.GetValidToken(ctx, externalAccountID)
	if err != nil {
		metrics.PostsPublished.WithLabelValues(metrics.ResultFor(err)).Inc()
		return nil, err
	}

	result, err := p.poster.CreatePost(ctx, token, text, inReplyTo)
	metrics.PostsPublished.WithLabelValues(metrics.ResultFor(err)).Inc()
	if err != nil {
		return nil, err
	}
	return result, nil
}

// validationError turns validator output into an apperror naming the first
// offending field. Text content is never echoed back.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperror.ValidationFailed("text", "invalid request")
	}

	e := verrs[0]
	field := strings.ToLower(e.Field())
	switch e.Tag() {
	case "required", "notblank":
		if field == "items" {
			return apperror.ValidationFailed(field, "at least one item is required")
		}
		return apperror.ValidationFailed(field, "text must not be blank")
	case "min":
		return apperror.ValidationFailed(field, fmt.Sprintf("must have at least %s items", e.Param()))
	case "max":
		if field == "items" {
			return apperror.ValidationFailed(field, fmt.Sprintf("must have at most %s items", e.Param()))
		}
		return apperror.ValidationFailed(field, fmt.Sprintf("must be at most %s characters", e.Param()))
	default:
		return apperror.ValidationFailed(field, "invalid value")
	}
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
