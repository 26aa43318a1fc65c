package bot_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xpersona/xpersona/internal/bot"
	"github.com/xpersona/xpersona/internal/config"
	"github.com/xpersona/xpersona/internal/content"
	"github.com/xpersona/xpersona/internal/login"
	"github.com/xpersona/xpersona/internal/session"
	"github.com/xpersona/xpersona/internal/timing"
	"github.com/xpersona/xpersona/internal/xapi"
)

const (
	botTestSeed     = 11
	testUsername    = "persona"
	createdPostID   = "1790000000000000001"
	createPath      = "/i/api/graphql/a1p9RWpkYKBjWv_I3WzS-A/CreateTweet"
	searchPath      = "/i/api/graphql/U3QTLwGF8sZCHDuWIMSAmg/SearchTimeline"
	timelinePath    = "/i/api/2/timeline/home.json"
	createdResponse = `{"data":{"create_tweet":{"tweet_results":{"result":{"rest_id":"1790000000000000001"}}}}}`
	searchResponse  = `{"data":{"search_by_raw_query":{"search_timeline":{"timeline":{"instructions":[
		{"type":"TimelineAddEntries","entries":[
			{"entryId":"tweet-1790000000000000020","content":{"itemContent":{"tweet_results":{"result":{
				"__typename":"Tweet","rest_id":"1790000000000000020",
				"core":{"user_results":{"result":{"rest_id":"42","legacy":{"id_str":"42","screen_name":"alice","name":"Alice"}}}},
				"legacy":{"id_str":"1790000000000000020","full_text":"@persona hello","created_at":"Wed May 01 10:00:00 +0000 2024","user_id_str":"42","in_reply_to_status_id_str":"1790000000000000001"}}}}}},
			{"entryId":"tweet-999000000000000000","content":{"itemContent":{"tweet_results":{"result":{
				"__typename":"Tweet","rest_id":"999000000000000000",
				"core":{"user_results":{"result":{"rest_id":"43","legacy":{"id_str":"43","screen_name":"bob","name":"Bob"}}}},
				"legacy":{"id_str":"999000000000000000","full_text":"@persona help","created_at":"Wed May 01 09:00:00 +0000 2024","user_id_str":"43"}}}}}}
		]}]}}}}}`
)

type platformStub struct {
	mutex  sync.Mutex
	counts map[string]int
}

func (stub *platformStub) handle(responseWriter http.ResponseWriter, request *http.Request) {
	stub.mutex.Lock()
	if stub.counts == nil {
		stub.counts = make(map[string]int)
	}
	stub.counts[request.URL.Path]++
	stub.mutex.Unlock()
	switch request.URL.Path {
	case createPath:
		_, _ = responseWriter.Write([]byte(createdResponse))
	case searchPath:
		_, _ = responseWriter.Write([]byte(searchResponse))
	case timelinePath:
		_, _ = responseWriter.Write([]byte(`{}`))
	default:
		http.NotFound(responseWriter, request)
	}
}

func (stub *platformStub) count(path string) int {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	return stub.counts[path]
}

// longWaitsBlock returns at once for pacing pauses and parks on loop intervals.
func longWaitsBlock(ctx context.Context, duration time.Duration) error {
	if duration < time.Minute {
		return ctx.Err()
	}
	<-ctx.Done()
	return ctx.Err()
}

func testSettings(t *testing.T, baseURL string) config.Config {
	t.Helper()
	return config.Config{
		Username:               testUsername,
		Password:               "secret",
		CacheDir:               t.TempDir(),
		MinIntervalMinutes:     120,
		MaxIntervalMinutes:     300,
		MentionIntervalSeconds: 120,
		MentionPageSize:        20,
		SenderHistoryLimit:     3,
		APIBaseURL:             baseURL,
		WebBaseURL:             baseURL,
	}
}

func seedCachedSession(t *testing.T, settings config.Config) {
	t.Helper()
	cookie := func(name, value string) session.StoredCookie {
		return session.StoredCookie{Name: name, Value: value, Domain: "127.0.0.1", Path: "/", HostOnly: true}
	}
	snapshot := session.Snapshot{
		Username: settings.Username,
		Cookies: []session.StoredCookie{
			cookie(session.AuthCookieName, "auth"),
			cookie(session.CSRFCookieName, "csrf"),
			cookie(session.TwidCookieName, "u%3D7"),
		},
		CSRFToken: "csrf",
		SavedAt:   time.Now(),
	}
	if err := login.NewCache(settings.CacheDir, 0, nil).Save(snapshot); err != nil {
		t.Fatalf("seed session cache: %v", err)
	}
}

func newTestBot(t *testing.T, settings config.Config) *bot.Bot {
	t.Helper()
	testBot, err := bot.New(settings, bot.Dependencies{
		Source:    content.NewCanned([]string{"first light in the studio"}, nil, timing.NewRandom(botTestSeed)),
		Transport: &http.Transport{},
		Random:    timing.NewRandom(botTestSeed),
		Sleep:     longWaitsBlock,
	})
	if err != nil {
		t.Fatalf("new bot: %v", err)
	}
	t.Cleanup(testBot.Close)
	return testBot
}

func TestBotRequiresLogin(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc((&platformStub{}).handle))
	t.Cleanup(server.Close)
	settings := testSettings(t, server.URL)
	settings.Password = ""
	testBot := newTestBot(t, settings)

	if _, err := testBot.PostOnce(context.Background()); !errors.Is(err, bot.ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	if _, _, err := testBot.StartScheduler(); !errors.Is(err, bot.ErrNotAuthenticated) {
		t.Fatalf("expected the scheduler to refuse, got %v", err)
	}
	err := testBot.Login(context.Background())
	if !errors.Is(err, login.ErrMissingCredentials) {
		t.Fatalf("expected missing credentials, got %v", err)
	}
	status := testBot.Status()
	if status.Authenticated || !strings.Contains(status.LoginError, "password are required") {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestBotPostsAndAnswersMentions(t *testing.T) {
	t.Parallel()

	stub := &platformStub{}
	server := httptest.NewServer(http.HandlerFunc(stub.handle))
	t.Cleanup(server.Close)
	settings := testSettings(t, server.URL)
	seedCachedSession(t, settings)
	testBot := newTestBot(t, settings)

	if err := testBot.Login(context.Background()); err != nil {
		t.Fatalf("login: %v", err)
	}
	result, err := testBot.PostOnce(context.Background())
	if err != nil {
		t.Fatalf("post once: %v", err)
	}
	if posted, ok := result.(xapi.Posted); !ok || posted.ID != createdPostID {
		t.Fatalf("unexpected post result %#v", result)
	}

	handled, err := testBot.CheckMentionsOnce(context.Background())
	if err != nil || handled != 2 {
		t.Fatalf("expected two answered mentions, got %d, %v", handled, err)
	}
	handled, err = testBot.CheckMentionsOnce(context.Background())
	if err != nil || handled != 0 {
		t.Fatalf("expected nothing new, got %d, %v", handled, err)
	}
	if stub.count(createPath) != 3 {
		t.Fatalf("expected one original and two replies, got %d", stub.count(createPath))
	}

	status := testBot.Status()
	if !status.Authenticated || status.LoginError != "" {
		t.Fatalf("unexpected authentication status %+v", status)
	}
	if status.Threads != 2 || status.ProcessedMentions != 2 || status.LastSeenMentionID != "1790000000000000020" {
		t.Fatalf("unexpected conversation status %+v", status)
	}
	if status.Queue.Executed == 0 {
		t.Fatalf("expected queue activity, got %+v", status.Queue)
	}
}

func TestBotLoopLifecycle(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc((&platformStub{}).handle))
	t.Cleanup(server.Close)
	settings := testSettings(t, server.URL)
	seedCachedSession(t, settings)
	testBot := newTestBot(t, settings)
	if err := testBot.Login(context.Background()); err != nil {
		t.Fatalf("login: %v", err)
	}

	job, started, err := testBot.StartMentions()
	if err != nil || !started {
		t.Fatalf("expected the poller to start, got %v %v", started, err)
	}
	if _, startedAgain, _ := testBot.StartMentions(); startedAgain {
		t.Fatal("expected a second start to report the running poller")
	}
	if !testBot.Status().MentionsRunning {
		t.Fatal("expected the status to show the poller")
	}
	if !testBot.StopMentions() {
		t.Fatal("expected stop to report a running poller")
	}
	<-job.Done()
	if testBot.StopMentions() {
		t.Fatal("expected a second stop to report false")
	}

	schedulerJob, started, err := testBot.StartScheduler()
	if err != nil || !started {
		t.Fatalf("expected the scheduler to start, got %v %v", started, err)
	}
	testBot.Close()
	<-schedulerJob.Done()
	if testBot.Status().SchedulerRunning {
		t.Fatal("expected close to stop the scheduler")
	}
	if _, _, err := testBot.StartScheduler(); !errors.Is(err, bot.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
