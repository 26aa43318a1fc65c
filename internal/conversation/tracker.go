package conversation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xpersona/xpersona/internal/content"
	"github.com/xpersona/xpersona/internal/xapi"
)

const (
	defaultPageSize           = xapi.DefaultMentionPageSize
	defaultSenderHistoryLimit = 3

	errMessageNoPlatform   = "tracker requires a platform client"
	errMessageNoSource     = "tracker requires a content source"
	errMessageNoUsername   = "tracker requires the account username"
	errMessageNoStores     = "tracker requires thread and processed stores"
	errMessageFetch        = "failed to fetch mentions"
	errMessageGenerate     = "failed to generate reply"
	errMessageEmptyReply   = "content source returned an empty reply"
	errMessagePostReply    = "failed to post reply"
	errMessageRecordThread = "failed to record thread"

	logMessageMentionHandled  = "replied to mention"
	logMessageMentionFailed   = "mention processing failed, will retry next cycle"
	logMessageMentionsChecked = "checked mentions"
	logMessageThreadCreated   = "opened conversation thread"
	logMessageReplyUnknownID  = "reply posted without an id, using placeholder"
	logMessagePersistFailed   = "failed to persist conversation state"
)

// Platform is the subset of the API client the tracker uses.
type Platform interface {
	FetchMentions(ctx context.Context, username string, count int) ([]xapi.Mention, error)
	CreatePost(ctx context.Context, text string, replyToID string) (xapi.PostResult, error)
	SelfUserID() string
}

// TrackerConfig wires a Tracker.
type TrackerConfig struct {
	Username  string
	Platform  Platform
	Source    content.Source
	Threads   *ThreadStore
	Processed *ProcessedStore
	// PageSize bounds each mention fetch.
	PageSize int
	// SenderHistoryLimit caps how many earlier threads with the sender accompany a reply request.
	SenderHistoryLimit int
	Now                func() time.Time
	Logger             *zap.Logger
}

// Tracker replies to new mentions and records every exchange.
type Tracker struct {
	checkMutex         sync.Mutex
	username           string
	platform           Platform
	source             content.Source
	threads            *ThreadStore
	processed          *ProcessedStore
	pageSize           int
	senderHistoryLimit int
	now                func() time.Time
	logger             *zap.Logger
}

// NewTracker constructs a Tracker.
func NewTracker(config TrackerConfig) (*Tracker, error) {
	if config.Platform == nil {
		return nil, errors.New(errMessageNoPlatform)
	}
	if config.Source == nil {
		return nil, errors.New(errMessageNoSource)
	}
	username := strings.TrimPrefix(strings.TrimSpace(config.Username), "@")
	if username == "" {
		return nil, errors.New(errMessageNoUsername)
	}
	if config.Threads == nil || config.Processed == nil {
		return nil, errors.New(errMessageNoStores)
	}
	pageSize := config.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	senderHistoryLimit := config.SenderHistoryLimit
	if senderHistoryLimit == 0 {
		senderHistoryLimit = defaultSenderHistoryLimit
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		username:           username,
		platform:           config.Platform,
		source:             config.Source,
		threads:            config.Threads,
		processed:          config.Processed,
		pageSize:           pageSize,
		senderHistoryLimit: senderHistoryLimit,
		now:                now,
		logger:             logger,
	}, nil
}

// Threads exposes the thread store.
func (tracker *Tracker) Threads() *ThreadStore {
	return tracker.threads
}

// Processed exposes the processed-id store.
func (tracker *Tracker) Processed() *ProcessedStore {
	return tracker.processed
}

// RecordOriginalPost opens a thread for one of the bot's own original posts.
func (tracker *Tracker) RecordOriginalPost(postID string, text string, at time.Time) error {
	tracker.threads.OpenOriginal(postID, text, at)
	if err := tracker.threads.Save(); err != nil {
		return fmt.Errorf("%s: %w", errMessageRecordThread, err)
	}
	return nil
}

// CheckMentions replies to every unprocessed mention and returns how many were handled.
// A mention that fails is logged and left for the next call.
func (tracker *Tracker) CheckMentions(ctx context.Context) (int, error) {
	tracker.checkMutex.Lock()
	defer tracker.checkMutex.Unlock()

	mentions, err := tracker.platform.FetchMentions(ctx, tracker.username, tracker.pageSize)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", errMessageFetch, err)
	}
	sort.SliceStable(mentions, func(left, right int) bool {
		return xapi.CompareIDs(mentions[left].ID, mentions[right].ID) < 0
	})
	selfUserID := tracker.platform.SelfUserID()
	handled := 0
	for _, mention := range mentions {
		if ctx.Err() != nil {
			break
		}
		if tracker.processed.Contains(mention.ID) || tracker.isOwn(mention, selfUserID) {
			continue
		}
		if err := tracker.handleMention(ctx, mention); err != nil {
			tracker.logger.Warn(logMessageMentionFailed, zap.String("mention_id", mention.ID), zap.Error(err))
			continue
		}
		handled++
	}
	tracker.logger.Info(logMessageMentionsChecked,
		zap.Int("fetched", len(mentions)),
		zap.Int("handled", handled),
		zap.String("last_seen_id", tracker.processed.LastSeenID()),
	)
	return handled, ctx.Err()
}

func (tracker *Tracker) isOwn(mention xapi.Mention, selfUserID string) bool {
	if selfUserID != "" && mention.AuthorID == selfUserID {
		return true
	}
	return strings.EqualFold(mention.AuthorHandle, tracker.username)
}

func (tracker *Tracker) handleMention(ctx context.Context, mention xapi.Mention) error {
	sender := mention.AuthorHandle
	if sender == "" {
		sender = mention.AuthorID
	}
	timestamp := mention.CreatedAt
	if timestamp.IsZero() {
		timestamp = tracker.now()
	}
	inbound := Message{
		PostID:    mention.ID,
		Sender:    sender,
		Text:      mention.Text,
		Timestamp: timestamp.UTC(),
		ReplyToID: mention.InReplyToID,
	}
	threadID, created := tracker.threads.Resolve(inbound, tracker.now())
	if created {
		tracker.logger.Info(logMessageThreadCreated, zap.String("thread_id", threadID))
	}
	if err := tracker.threads.AppendInbound(threadID, inbound); err != nil {
		return err
	}
	defer tracker.persist()

	replyText, err := tracker.source.Reply(ctx, content.ReplyRequest{
		SenderHandle:  sender,
		MentionID:     mention.ID,
		MentionText:   mention.Text,
		ThreadContext: tracker.threads.Context(threadID),
		SenderHistory: tracker.threads.SenderHistory(sender, threadID, tracker.senderHistoryLimit),
	})
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageGenerate, err)
	}
	replyText = content.Truncate(replyText, content.MaxLength)
	if replyText == "" {
		return errors.New(errMessageEmptyReply)
	}
	result, err := tracker.platform.CreatePost(ctx, replyText, mention.ID)
	if err != nil {
		return fmt.Errorf("%s: %w", errMessagePostReply, err)
	}
	var replyID string
	switch posted := result.(type) {
	case xapi.Posted:
		replyID = posted.ID
	case xapi.PostedUnknownID:
		replyID = posted.Fallback
		tracker.logger.Warn(logMessageReplyUnknownID, zap.String("mention_id", mention.ID), zap.String("placeholder", replyID))
	default:
		replyID = xapi.NewPlaceholderID()
	}
	if err := tracker.threads.AppendReply(threadID, replyID, replyText, tracker.now()); err != nil {
		return err
	}
	tracker.processed.Mark(mention.ID)
	tracker.logger.Info(logMessageMentionHandled,
		zap.String("mention_id", mention.ID),
		zap.String("reply_id", replyID),
		zap.String("thread_id", threadID),
	)
	return nil
}

func (tracker *Tracker) persist() {
	if err := tracker.threads.Save(); err != nil {
		tracker.logger.Error(logMessagePersistFailed, zap.Error(err))
	}
	if err := tracker.processed.Save(); err != nil {
		tracker.logger.Error(logMessagePersistFailed, zap.Error(err))
	}
}
