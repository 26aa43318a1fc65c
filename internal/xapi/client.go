// Package xapi issues the platform calls used after login: posting, mention search and timeline browsing.
package xapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xpersona/xpersona/internal/apierrors"
	"github.com/xpersona/xpersona/internal/queue"
	"github.com/xpersona/xpersona/internal/session"
	"github.com/xpersona/xpersona/internal/timing"
)

const (
	// DefaultMentionPageSize bounds a single mention search.
	DefaultMentionPageSize = 20
	// MaxPostLength is the platform's post length in runes.
	MaxPostLength = 280

	defaultPostDelayMinimum = 2 * time.Second
	defaultPostDelayMaximum = 5 * time.Second
	timelinePageSize        = 20
	searchQuerySource       = "typed_query"
	searchProduct           = "Latest"
	refererHeader           = "Referer"
	placeholderPrefix       = "local-"

	errMessageEmptyText      = "post text is empty"
	errMessageEmptyUsername  = "username is required to search mentions"
	errMessageEncodePayload  = "failed to encode request payload"
	errMessagePostFailed     = "create post failed"
	errMessageSearchFailed   = "mention search failed"
	errMessageTimelineFailed = "timeline browse failed"

	logMessagePosted          = "post created"
	logMessagePostedUnknownID = "post created but response carried no id"
	logMessageMentionsFetched = "fetched mentions"
	logMessagePostDelay       = "pausing after post"

	taskNameCreatePost = "create_post"
	dialOperation      = "dial"
	taskNameMentions   = "fetch_mentions"
	taskNameTimeline   = "browse_timeline"
)

// PostResult is the outcome of a successful CreatePost call. Callers branch on Posted and PostedUnknownID.
type PostResult interface {
	// ReferenceID returns the id to record locally for the post.
	ReferenceID() string
	isPostResult()
}

// Posted carries the id the platform assigned.
type Posted struct {
	ID string
}

// ReferenceID returns the platform id.
func (result Posted) ReferenceID() string { return result.ID }

func (Posted) isPostResult() {}

// PostedUnknownID reports a post the platform accepted without returning an id.
type PostedUnknownID struct {
	Fallback string
}

// ReferenceID returns the locally generated placeholder.
func (result PostedUnknownID) ReferenceID() string { return result.Fallback }

func (PostedUnknownID) isPostResult() {}

// Mention is an inbound post that references the account.
type Mention struct {
	ID              string
	Text            string
	CreatedAt       time.Time
	AuthorID        string
	AuthorHandle    string
	AuthorName      string
	InReplyToID     string
	InReplyToUserID string
}

// Config wires a Client.
type Config struct {
	Session *session.Session
	Queue   *queue.Queue
	// PostDelayMinimum and PostDelayMaximum bound the pause held after each post. Negative disables it.
	PostDelayMinimum time.Duration
	PostDelayMaximum time.Duration
	Random           *timing.Random
	Sleep            timing.SleepFunc
	Logger           *zap.Logger
}

// Client performs queued platform calls on an authenticated session.
type Client struct {
	session          *session.Session
	queue            *queue.Queue
	postDelayMinimum time.Duration
	postDelayMaximum time.Duration
	random           *timing.Random
	sleep            timing.SleepFunc
	logger           *zap.Logger
}

// New constructs a Client.
func New(config Config) *Client {
	postDelayMinimum := config.PostDelayMinimum
	postDelayMaximum := config.PostDelayMaximum
	if postDelayMinimum == 0 && postDelayMaximum == 0 {
		postDelayMinimum = defaultPostDelayMinimum
		postDelayMaximum = defaultPostDelayMaximum
	}
	random := config.Random
	if random == nil {
		random = timing.NewRandom(0)
	}
	sleep := config.Sleep
	if sleep == nil {
		sleep = timing.Wait
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		session:          config.Session,
		queue:            config.Queue,
		postDelayMinimum: postDelayMinimum,
		postDelayMaximum: postDelayMaximum,
		random:           random,
		sleep:            sleep,
		logger:           logger,
	}
}

// CreatePost publishes text, optionally as a reply to replyToID.
func (client *Client) CreatePost(ctx context.Context, text string, replyToID string) (PostResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%s: %w", errMessagePostFailed, apierrors.NewProtocolShapeError(errMessageEmptyText))
	}
	variables := map[string]any{
		"tweet_text":   text,
		"dark_request": false,
		"media": map[string]any{
			"media_entities":     []any{},
			"possibly_sensitive": false,
		},
		"semantic_annotation_ids": []any{},
	}
	if replyToID != "" {
		variables["reply"] = map[string]any{
			"in_reply_to_tweet_id":   replyToID,
			"exclude_reply_user_ids": []any{},
		}
	}
	payload := map[string]any{
		"variables":    variables,
		"features":     createPostFeatures,
		"fieldToggles": map[string]any{},
	}
	request, err := session.NewJSONRequest(http.MethodPost, client.graphQLURL(createPostOperation), payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageEncodePayload, err)
	}
	request.Header = http.Header{}
	request.Header.Set(refererHeader, client.session.WebBaseURL()+"/home")

	result, err := queue.Submit(ctx, client.queue, taskNameCreatePost, func(taskCtx context.Context) (PostResult, error) {
		response, sendErr := client.session.Send(taskCtx, request)
		if sendErr != nil {
			if mayHaveBeenApplied(sendErr) {
				return nil, &apierrors.UnconfirmedError{Op: taskNameCreatePost, Err: sendErr}
			}
			return nil, sendErr
		}
		postResult, parseErr := parseCreatePost(response.Body)
		if parseErr != nil {
			return nil, parseErr
		}
		if delay := client.postDelay(); delay > 0 {
			client.logger.Debug(logMessagePostDelay, zap.Duration("delay", delay))
			if sleepErr := client.sleep(taskCtx, delay); sleepErr != nil {
				client.logger.Debug(logMessagePostDelay, zap.Error(sleepErr))
			}
		}
		return postResult, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessagePostFailed, err)
	}
	switch posted := result.(type) {
	case Posted:
		client.logger.Info(logMessagePosted, zap.String("post_id", posted.ID), zap.String("reply_to", replyToID))
	case PostedUnknownID:
		client.logger.Warn(logMessagePostedUnknownID, zap.String("fallback_id", posted.Fallback), zap.String("reply_to", replyToID))
	}
	return result, nil
}

// mayHaveBeenApplied reports whether a failed send could still have created the post: the
// platform answered with a server error, or the connection failed after it was established.
func mayHaveBeenApplied(err error) bool {
	var sessionErr *apierrors.SessionError
	if !errors.As(err, &sessionErr) {
		return false
	}
	if sessionErr.StatusCode >= http.StatusInternalServerError {
		return true
	}
	if sessionErr.StatusCode != 0 || apierrors.Classify(err) != apierrors.KindTransientNetwork {
		return false
	}
	var opErr *net.OpError
	return !errors.As(err, &opErr) || opErr.Op != dialOperation
}

// FetchMentions searches the latest posts mentioning username, sorted ascending by id.
func (client *Client) FetchMentions(ctx context.Context, username string, count int) ([]Mention, error) {
	handle := strings.TrimPrefix(strings.TrimSpace(username), "@")
	if handle == "" {
		return nil, fmt.Errorf("%s: %s", errMessageSearchFailed, errMessageEmptyUsername)
	}
	if count <= 0 {
		count = DefaultMentionPageSize
	}
	variables, err := json.Marshal(map[string]any{
		"rawQuery":    "@" + handle,
		"count":       count,
		"querySource": searchQuerySource,
		"product":     searchProduct,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageEncodePayload, err)
	}
	features, err := json.Marshal(searchFeatures)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageEncodePayload, err)
	}
	query := url.Values{}
	query.Set("variables", string(variables))
	query.Set("features", string(features))
	query.Set("fieldToggles", `{"withArticleRichContentState":false}`)

	refererQuery := url.Values{}
	refererQuery.Set("q", "@"+handle)
	refererQuery.Set("src", searchQuerySource)
	request := session.Request{
		Method: http.MethodGet,
		URL:    client.graphQLURL(searchOperation) + "?" + query.Encode(),
		Header: http.Header{},
	}
	request.Header.Set(refererHeader, client.session.WebBaseURL()+"/search?"+refererQuery.Encode())

	mentions, err := queue.Submit(ctx, client.queue, taskNameMentions, func(taskCtx context.Context) ([]Mention, error) {
		response, sendErr := client.session.Send(taskCtx, request)
		if sendErr != nil {
			return nil, sendErr
		}
		return parseSearchTimeline(response.Body)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageSearchFailed, err)
	}
	client.logger.Info(logMessageMentionsFetched, zap.String("username", handle), zap.Int("count", len(mentions)))
	return mentions, nil
}

// BrowseTimeline fetches the home timeline and discards it, as a reader would before posting.
func (client *Client) BrowseTimeline(ctx context.Context) error {
	request := session.Request{
		Method: http.MethodGet,
		URL:    client.session.WebBaseURL() + homeTimelinePath + "?count=" + strconv.Itoa(timelinePageSize),
		Header: http.Header{},
	}
	request.Header.Set(refererHeader, client.session.WebBaseURL()+"/home")
	err := client.queue.Do(ctx, taskNameTimeline, func(taskCtx context.Context) error {
		_, sendErr := client.session.Send(taskCtx, request)
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageTimelineFailed, err)
	}
	return nil
}

// SelfUserID returns the numeric id of the logged-in account from the twid cookie, if known.
func (client *Client) SelfUserID() string {
	value, found := client.session.Cookie(session.TwidCookieName)
	if !found {
		return ""
	}
	if unescaped, err := url.QueryUnescape(value); err == nil {
		value = unescaped
	}
	return strings.TrimPrefix(strings.Trim(value, `"`), "u=")
}

func (client *Client) graphQLURL(operation string) string {
	return client.session.WebBaseURL() + graphQLPathPrefix + operation
}

func (client *Client) postDelay() time.Duration {
	if client.postDelayMinimum < 0 || client.postDelayMaximum <= 0 {
		return 0
	}
	return client.random.Uniform(client.postDelayMinimum, client.postDelayMaximum)
}

// NewPlaceholderID returns a locally unique id for posts whose platform id is unknown.
func NewPlaceholderID() string {
	return placeholderPrefix + uuid.NewString()
}
