package conversation_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xpersona/xpersona/internal/content"
	"github.com/xpersona/xpersona/internal/conversation"
	"github.com/xpersona/xpersona/internal/filestore"
	"github.com/xpersona/xpersona/internal/xapi"
)

const (
	botUsername   = "persona"
	botUserID     = "7"
	originalID    = "1790000000000000100"
	firstReplyID  = "1790000000000000200"
	secondReplyID = "1790000000000000300"
)

var (
	fixedNow      = time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)
	errReplyBlock = errors.New("reply endpoint unavailable")
)

type postedReply struct {
	text      string
	replyToID string
}

type fakePlatform struct {
	mutex     sync.Mutex
	mentions  []xapi.Mention
	replies   []postedReply
	nextIDs   []string
	failFor   map[string]int
	unknownID bool
}

func (platform *fakePlatform) FetchMentions(_ context.Context, username string, count int) ([]xapi.Mention, error) {
	platform.mutex.Lock()
	defer platform.mutex.Unlock()
	if username != botUsername || count != xapi.DefaultMentionPageSize {
		return nil, fmt.Errorf("unexpected search %q/%d", username, count)
	}
	return append([]xapi.Mention{}, platform.mentions...), nil
}

func (platform *fakePlatform) CreatePost(_ context.Context, text string, replyToID string) (xapi.PostResult, error) {
	platform.mutex.Lock()
	defer platform.mutex.Unlock()
	if platform.failFor[replyToID] > 0 {
		platform.failFor[replyToID]--
		return nil, errReplyBlock
	}
	platform.replies = append(platform.replies, postedReply{text: text, replyToID: replyToID})
	if platform.unknownID {
		return xapi.PostedUnknownID{Fallback: xapi.NewPlaceholderID()}, nil
	}
	postID := fmt.Sprintf("1890000000000000%03d", len(platform.replies))
	if len(platform.nextIDs) > 0 {
		postID = platform.nextIDs[0]
		platform.nextIDs = platform.nextIDs[1:]
	}
	return xapi.Posted{ID: postID}, nil
}

func (platform *fakePlatform) SelfUserID() string {
	return botUserID
}

func (platform *fakePlatform) setMentions(mentions ...xapi.Mention) {
	platform.mutex.Lock()
	defer platform.mutex.Unlock()
	platform.mentions = mentions
}

func (platform *fakePlatform) posted() []postedReply {
	platform.mutex.Lock()
	defer platform.mutex.Unlock()
	return append([]postedReply{}, platform.replies...)
}

type recordingSource struct {
	mutex    sync.Mutex
	requests []content.ReplyRequest
}

func (source *recordingSource) OriginalPost(context.Context, content.PostHints) (string, error) {
	return "", nil
}

func (source *recordingSource) Reply(_ context.Context, request content.ReplyRequest) (string, error) {
	source.mutex.Lock()
	defer source.mutex.Unlock()
	source.requests = append(source.requests, request)
	return "@" + request.SenderHandle + " noted", nil
}

func (source *recordingSource) received() []content.ReplyRequest {
	source.mutex.Lock()
	defer source.mutex.Unlock()
	return append([]content.ReplyRequest{}, source.requests...)
}

type trackerFixture struct {
	dir      string
	platform *fakePlatform
	source   *recordingSource
	tracker  *conversation.Tracker
}

func newTrackerFixture(t *testing.T, dir string) trackerFixture {
	t.Helper()
	if dir == "" {
		dir = t.TempDir()
	}
	threads, err := conversation.OpenThreadStore(dir, botUsername, filestore.Loader{})
	if err != nil {
		t.Fatalf("open threads: %v", err)
	}
	processed, err := conversation.OpenProcessedStore(dir, botUsername, filestore.Loader{})
	if err != nil {
		t.Fatalf("open processed: %v", err)
	}
	platform := &fakePlatform{failFor: map[string]int{}}
	source := &recordingSource{}
	tracker, err := conversation.NewTracker(conversation.TrackerConfig{
		Username:  botUsername,
		Platform:  platform,
		Source:    source,
		Threads:   threads,
		Processed: processed,
		Now:       func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	return trackerFixture{dir: dir, platform: platform, source: source, tracker: tracker}
}

func mention(id string, handle string, text string, replyTo string) xapi.Mention {
	return xapi.Mention{ID: id, AuthorHandle: handle, AuthorID: "id-" + handle, Text: text, InReplyToID: replyTo, CreatedAt: fixedNow}
}

func TestCheckMentionsIsIdempotent(t *testing.T) {
	t.Parallel()

	fixture := newTrackerFixture(t, "")
	fixture.platform.setMentions(
		mention("1790000000000000010", "alice", "@persona hi", ""),
		mention("1790000000000000011", "bob", "@persona hello", ""),
	)

	first, err := fixture.tracker.CheckMentions(context.Background())
	if err != nil || first != 2 {
		t.Fatalf("first check: handled %d, err %v", first, err)
	}
	second, err := fixture.tracker.CheckMentions(context.Background())
	if err != nil || second != 0 {
		t.Fatalf("second check: handled %d, err %v", second, err)
	}
	if requests := fixture.source.received(); len(requests) != 2 {
		t.Fatalf("expected processed mentions to skip generation, got %d requests", len(requests))
	}

	restarted := newTrackerFixture(t, fixture.dir)
	restarted.platform.setMentions(fixture.platform.mentions...)
	again, err := restarted.tracker.CheckMentions(context.Background())
	if err != nil || again != 0 {
		t.Fatalf("check after restart: handled %d, err %v", again, err)
	}
	if restarted.tracker.Processed().LastSeenID() != "1790000000000000011" {
		t.Fatalf("unexpected watermark %q", restarted.tracker.Processed().LastSeenID())
	}
}

func TestCheckMentionsAppendsRepliesToKnownThreads(t *testing.T) {
	t.Parallel()

	fixture := newTrackerFixture(t, "")
	if err := fixture.tracker.RecordOriginalPost(originalID, "new track out", fixedNow.Add(-time.Hour)); err != nil {
		t.Fatalf("record original: %v", err)
	}
	fixture.platform.nextIDs = []string{firstReplyID, secondReplyID}
	fixture.platform.setMentions(mention("1790000000000000150", "alice", "@persona love it", originalID))
	if handled, err := fixture.tracker.CheckMentions(context.Background()); err != nil || handled != 1 {
		t.Fatalf("first check: handled %d, err %v", handled, err)
	}

	fixture.platform.setMentions(mention("1790000000000000250", "alice", "@persona more please", firstReplyID))
	if handled, err := fixture.tracker.CheckMentions(context.Background()); err != nil || handled != 1 {
		t.Fatalf("second check: handled %d, err %v", handled, err)
	}

	thread, found := fixture.tracker.Threads().Thread(originalID)
	if !found {
		t.Fatal("expected the original post thread")
	}
	if thread.Participant != "alice" {
		t.Fatalf("expected participant alice, got %q", thread.Participant)
	}
	expectedIDs := []string{originalID, "1790000000000000150", firstReplyID, "1790000000000000250", secondReplyID}
	if len(thread.Messages) != len(expectedIDs) {
		t.Fatalf("expected %d messages, got %+v", len(expectedIDs), thread.Messages)
	}
	for index, expectedID := range expectedIDs {
		if thread.Messages[index].PostID != expectedID {
			t.Fatalf("message %d: expected %s, got %s", index, expectedID, thread.Messages[index].PostID)
		}
	}
	if thread.Messages[2].ReplyToID != "1790000000000000150" || thread.Messages[2].Sender != botUsername {
		t.Fatalf("expected bot reply linked to the mention, got %+v", thread.Messages[2])
	}
	if fixture.tracker.Threads().Len() != 1 {
		t.Fatalf("expected a single thread, got %d", fixture.tracker.Threads().Len())
	}

	requests := fixture.source.received()
	lastContext := requests[len(requests)-1].ThreadContext
	expectedContext := "Previous conversation with @alice:\n\n" +
		"You: new track out\n\n" +
		"@alice: @persona love it\n\n" +
		"You: @alice noted\n\n" +
		"@alice: @persona more please\n\n"
	if lastContext != expectedContext {
		t.Fatalf("unexpected context:\n%q\nwant\n%q", lastContext, expectedContext)
	}
}

func TestCheckMentionsOpensThreadForUnmatchedMention(t *testing.T) {
	t.Parallel()

	fixture := newTrackerFixture(t, "")
	fixture.platform.setMentions(mention("1790000000000000400", "carol", "@persona hey", "1111"))
	if handled, err := fixture.tracker.CheckMentions(context.Background()); err != nil || handled != 1 {
		t.Fatalf("check: handled %d, err %v", handled, err)
	}
	expectedThreadID := fmt.Sprintf("%d_carol_1790000000000000400", fixedNow.Unix())
	thread, found := fixture.tracker.Threads().Thread(expectedThreadID)
	if !found {
		t.Fatalf("expected thread %s", expectedThreadID)
	}
	if thread.Participant != "carol" || len(thread.Messages) != 2 {
		t.Fatalf("unexpected thread %+v", thread)
	}
	replies := fixture.platform.posted()
	if len(replies) != 1 || replies[0].replyToID != "1790000000000000400" {
		t.Fatalf("expected a reply to the mention, got %+v", replies)
	}
}

func TestCheckMentionsSkipsOwnPosts(t *testing.T) {
	t.Parallel()

	fixture := newTrackerFixture(t, "")
	own := mention("1790000000000000500", "Persona", "@persona self", "")
	ownByID := xapi.Mention{ID: "1790000000000000501", AuthorID: botUserID, AuthorHandle: "renamed", Text: "@persona self"}
	fixture.platform.setMentions(own, ownByID)
	if handled, err := fixture.tracker.CheckMentions(context.Background()); err != nil || handled != 0 {
		t.Fatalf("check: handled %d, err %v", handled, err)
	}
	if len(fixture.platform.posted()) != 0 {
		t.Fatal("expected no replies to own posts")
	}
}

func TestCheckMentionsRetriesFailedMentionNextCycle(t *testing.T) {
	t.Parallel()

	fixture := newTrackerFixture(t, "")
	failing := mention("1790000000000000600", "dave", "@persona yo", "")
	fixture.platform.failFor[failing.ID] = 1
	fixture.platform.setMentions(failing, mention("1790000000000000601", "erin", "@persona hi", ""))

	handled, err := fixture.tracker.CheckMentions(context.Background())
	if err != nil || handled != 1 {
		t.Fatalf("first check: handled %d, err %v", handled, err)
	}
	if fixture.tracker.Processed().Contains(failing.ID) {
		t.Fatal("expected the failed mention to stay unprocessed")
	}
	handled, err = fixture.tracker.CheckMentions(context.Background())
	if err != nil || handled != 1 {
		t.Fatalf("second check: handled %d, err %v", handled, err)
	}
	threadID, found := fixture.tracker.Threads().ThreadForMessage(failing.ID)
	if !found {
		t.Fatal("expected the mention indexed")
	}
	thread, _ := fixture.tracker.Threads().Thread(threadID)
	if len(thread.Messages) != 2 {
		t.Fatalf("expected the inbound message once plus a reply, got %+v", thread.Messages)
	}
}

func TestCheckMentionsRecordsPlaceholderForUnknownReplyID(t *testing.T) {
	t.Parallel()

	fixture := newTrackerFixture(t, "")
	fixture.platform.unknownID = true
	fixture.platform.setMentions(mention("1790000000000000700", "frank", "@persona hi", ""))
	if handled, err := fixture.tracker.CheckMentions(context.Background()); err != nil || handled != 1 {
		t.Fatalf("check: handled %d, err %v", handled, err)
	}
	threadID, _ := fixture.tracker.Threads().ThreadForMessage("1790000000000000700")
	thread, _ := fixture.tracker.Threads().Thread(threadID)
	if len(thread.Messages) != 2 || !strings.HasPrefix(thread.Messages[1].PostID, "local-") {
		t.Fatalf("expected a placeholder reply id, got %+v", thread.Messages)
	}
}

func TestCheckMentionsPassesRecentSenderHistory(t *testing.T) {
	t.Parallel()

	fixture := newTrackerFixture(t, "")
	for index := 0; index < 5; index++ {
		postID := fmt.Sprintf("17900000000000009%02d", index)
		fixture.tracker.Threads().OpenOriginal(postID, fmt.Sprintf("post %d", index), fixedNow.Add(time.Duration(index-10)*time.Hour))
		inbound := conversation.Message{PostID: postID + "1", Sender: "gina", Text: "reply", ReplyToID: postID}
		if err := fixture.tracker.Threads().AppendInbound(postID, inbound); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	fixture.platform.setMentions(mention("1790000000000001000", "gina", "@persona again", ""))
	if handled, err := fixture.tracker.CheckMentions(context.Background()); err != nil || handled != 1 {
		t.Fatalf("check: handled %d, err %v", handled, err)
	}
	requests := fixture.source.received()
	history := requests[0].SenderHistory
	if len(history) != 3 {
		t.Fatalf("expected three prior threads, got %d", len(history))
	}
	if !strings.Contains(history[0], "You: post 4") || !strings.Contains(history[2], "You: post 2") {
		t.Fatalf("expected most recent threads first, got %q", history)
	}
}

func TestThreadStoreMergesOnWrite(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first, err := conversation.OpenThreadStore(dir, botUsername, filestore.Loader{})
	if err != nil {
		t.Fatalf("open first: %v", err)
	}
	second, err := conversation.OpenThreadStore(dir, botUsername, filestore.Loader{})
	if err != nil {
		t.Fatalf("open second: %v", err)
	}
	first.OpenOriginal("A", "from the first process", fixedNow)
	if err := first.Save(); err != nil {
		t.Fatalf("save first: %v", err)
	}
	second.OpenOriginal("B", "from the second process", fixedNow)
	if err := second.Save(); err != nil {
		t.Fatalf("save second: %v", err)
	}

	reopened, err := conversation.OpenThreadStore(dir, botUsername, filestore.Loader{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	for _, threadID := range []string{"A", "B"} {
		if _, found := reopened.Thread(threadID); !found {
			t.Fatalf("expected thread %s after merge", threadID)
		}
	}
	if threadID, found := second.ThreadForMessage("A"); !found || threadID != "A" {
		t.Fatal("expected merged threads indexed in memory")
	}
}

func TestThreadStoreInMemoryWinsOnConflict(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first, _ := conversation.OpenThreadStore(dir, botUsername, filestore.Loader{})
	second, _ := conversation.OpenThreadStore(dir, botUsername, filestore.Loader{})
	first.OpenOriginal("A", "disk version", fixedNow)
	if err := first.Save(); err != nil {
		t.Fatalf("save first: %v", err)
	}
	second.OpenOriginal("A", "memory version", fixedNow)
	if err := second.Save(); err != nil {
		t.Fatalf("save second: %v", err)
	}
	reopened, _ := conversation.OpenThreadStore(dir, botUsername, filestore.Loader{})
	thread, _ := reopened.Thread("A")
	if len(thread.Messages) != 1 || thread.Messages[0].Text != "memory version" {
		t.Fatalf("expected the in-memory thread to win, got %+v", thread.Messages)
	}
}

func TestThreadContextStripsRetweetMarker(t *testing.T) {
	t.Parallel()

	store, err := conversation.OpenThreadStore(t.TempDir(), botUsername, filestore.Loader{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	store.OpenOriginal("A", "RT @someone original", fixedNow)
	if err := store.AppendInbound("A", conversation.Message{PostID: "B", Sender: "hal", Text: " nice "}); err != nil {
		t.Fatalf("append: %v", err)
	}
	expected := "Previous conversation with @hal:\n\nYou: someone original\n\n@hal: nice\n\n"
	if got := store.Context("A"); got != expected {
		t.Fatalf("unexpected context %q", got)
	}
	if got := store.Context("missing"); got != "No previous conversation history." {
		t.Fatalf("unexpected context for a missing thread %q", got)
	}
}

func TestProcessedStoreMergesAndKeepsLargestWatermark(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first, err := conversation.OpenProcessedStore(dir, botUsername, filestore.Loader{})
	if err != nil {
		t.Fatalf("open first: %v", err)
	}
	second, err := conversation.OpenProcessedStore(dir, botUsername, filestore.Loader{})
	if err != nil {
		t.Fatalf("open second: %v", err)
	}
	first.Mark("1000")
	if err := first.Save(); err != nil {
		t.Fatalf("save first: %v", err)
	}
	second.Mark("999")
	if err := second.Save(); err != nil {
		t.Fatalf("save second: %v", err)
	}
	reopened, err := conversation.OpenProcessedStore(dir, botUsername, filestore.Loader{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !reopened.Contains("1000") || !reopened.Contains("999") {
		t.Fatal("expected both ids after merge")
	}
	if reopened.LastSeenID() != "1000" {
		t.Fatalf("expected numeric watermark 1000, got %q", reopened.LastSeenID())
	}
}

func TestStoresStartEmptyOverCorruptFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	threadsPath := filepath.Join(dir, botUsername+"_conversations.json")
	processedPath := filepath.Join(dir, botUsername+"_processed_mentions.json")
	for _, path := range []string{threadsPath, processedPath} {
		if err := os.WriteFile(path, []byte("{truncated"), filestore.SharedFileMode); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	loader := filestore.Loader{Now: func() time.Time { return fixedNow }}

	threads, err := conversation.OpenThreadStore(dir, botUsername, loader)
	if err != nil {
		t.Fatalf("open threads over a corrupt file: %v", err)
	}
	if threads.Len() != 0 {
		t.Fatalf("expected an empty thread store, got %d", threads.Len())
	}
	processed, err := conversation.OpenProcessedStore(dir, botUsername, loader)
	if err != nil {
		t.Fatalf("open processed over a corrupt file: %v", err)
	}
	if processed.Len() != 0 {
		t.Fatalf("expected an empty processed store, got %d", processed.Len())
	}
	for _, path := range []string{threadsPath, processedPath} {
		if _, err := os.Stat(fmt.Sprintf("%s.corrupt-%d", path, fixedNow.Unix())); err != nil {
			t.Fatalf("expected the corrupt file to be kept aside: %v", err)
		}
	}

	// A file corrupted after open is set aside again on save.
	if err := os.WriteFile(threadsPath, []byte("[1,"), filestore.SharedFileMode); err != nil {
		t.Fatalf("write: %v", err)
	}
	threads.OpenOriginal("A", "written over corruption", fixedNow)
	if err := threads.Save(); err != nil {
		t.Fatalf("save over a corrupt file: %v", err)
	}
	processed.Mark("42")
	if err := os.WriteFile(processedPath, []byte(`{"last_seen_id": 5}`), filestore.SharedFileMode); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := processed.Save(); err != nil {
		t.Fatalf("save processed over a corrupt file: %v", err)
	}

	reopenedThreads, err := conversation.OpenThreadStore(dir, botUsername, loader)
	if err != nil {
		t.Fatalf("reopen threads: %v", err)
	}
	if _, found := reopenedThreads.Thread("A"); !found {
		t.Fatal("expected the saved thread after reopening")
	}
	reopenedProcessed, err := conversation.OpenProcessedStore(dir, botUsername, loader)
	if err != nil {
		t.Fatalf("reopen processed: %v", err)
	}
	if !reopenedProcessed.Contains("42") {
		t.Fatal("expected the saved id after reopening")
	}
}
