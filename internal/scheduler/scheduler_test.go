package scheduler_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/xpersona/xpersona/internal/content"
	"github.com/xpersona/xpersona/internal/filestore"
	"github.com/xpersona/xpersona/internal/scheduler"
	"github.com/xpersona/xpersona/internal/timing"
	"github.com/xpersona/xpersona/internal/xapi"
)

const (
	schedulerTestSeed = 21
	testUsername      = "persona"
	waitTimeout       = 2 * time.Second
)

var errPostFailed = errors.New("post failed")

type recordingPoster struct {
	mutex     sync.Mutex
	texts     []string
	browses   int
	failOn    map[int]bool
	unknownID bool
}

func newRecordingPoster() *recordingPoster {
	return &recordingPoster{failOn: map[int]bool{}}
}

func (poster *recordingPoster) CreatePost(_ context.Context, text string, _ string) (xapi.PostResult, error) {
	poster.mutex.Lock()
	defer poster.mutex.Unlock()
	poster.texts = append(poster.texts, text)
	if poster.failOn[len(poster.texts)] {
		return nil, errPostFailed
	}
	if poster.unknownID {
		return xapi.PostedUnknownID{Fallback: "local-1"}, nil
	}
	return xapi.Posted{ID: "1790000000000000001"}, nil
}

func (poster *recordingPoster) BrowseTimeline(context.Context) error {
	poster.mutex.Lock()
	defer poster.mutex.Unlock()
	poster.browses++
	return errors.New("timeline unavailable")
}

func (poster *recordingPoster) snapshot() ([]string, int) {
	poster.mutex.Lock()
	defer poster.mutex.Unlock()
	return append([]string{}, poster.texts...), poster.browses
}

type scriptedSource struct {
	mutex      sync.Mutex
	candidates []string
	hints      []content.PostHints
}

func (source *scriptedSource) OriginalPost(_ context.Context, hints content.PostHints) (string, error) {
	source.mutex.Lock()
	defer source.mutex.Unlock()
	source.hints = append(source.hints, hints)
	index := len(source.hints) - 1
	if index >= len(source.candidates) {
		index = len(source.candidates) - 1
	}
	return source.candidates[index], nil
}

func (source *scriptedSource) Reply(context.Context, content.ReplyRequest) (string, error) {
	return "", nil
}

type recordedPost struct {
	id   string
	text string
}

type postRecorder struct {
	mutex sync.Mutex
	posts []recordedPost
}

func (recorder *postRecorder) RecordOriginalPost(postID string, text string, _ time.Time) error {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.posts = append(recorder.posts, recordedPost{id: postID, text: text})
	return nil
}

func (recorder *postRecorder) recorded() []recordedPost {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return append([]recordedPost{}, recorder.posts...)
}

// gatedSleeper returns immediately for the first passes calls and then blocks until cancelled.
type gatedSleeper struct {
	mutex     sync.Mutex
	passes    int
	durations []time.Duration
	blocked   chan struct{}
	once      sync.Once
}

func newGatedSleeper(passes int) *gatedSleeper {
	return &gatedSleeper{passes: passes, blocked: make(chan struct{})}
}

func (sleeper *gatedSleeper) sleep(ctx context.Context, duration time.Duration) error {
	sleeper.mutex.Lock()
	sleeper.durations = append(sleeper.durations, duration)
	pass := len(sleeper.durations) <= sleeper.passes
	sleeper.mutex.Unlock()
	if pass {
		return ctx.Err()
	}
	sleeper.once.Do(func() { close(sleeper.blocked) })
	<-ctx.Done()
	return ctx.Err()
}

func (sleeper *gatedSleeper) recorded() []time.Duration {
	sleeper.mutex.Lock()
	defer sleeper.mutex.Unlock()
	return append([]time.Duration{}, sleeper.durations...)
}

func newTestScheduler(t *testing.T, config scheduler.Config) *scheduler.Scheduler {
	t.Helper()
	config.Username = testUsername
	config.ThinkingMinimum = -1
	config.SkipBrowse = true
	if config.Random == nil {
		config.Random = timing.NewRandom(schedulerTestSeed)
	}
	if config.Sleep == nil {
		config.Sleep = timing.NoSleep
	}
	testScheduler, err := scheduler.New(config)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return testScheduler
}

func TestNextIntervalBounds(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name            string
		minimum         time.Duration
		maximum         time.Duration
		expectedMinimum time.Duration
		expectedMaximum time.Duration
	}{
		{name: "configured range", minimum: 10 * time.Minute, maximum: 20 * time.Minute, expectedMinimum: 10 * time.Minute, expectedMaximum: 20 * time.Minute},
		{name: "maximum below minimum", minimum: 30 * time.Minute, maximum: 10 * time.Minute, expectedMinimum: 30 * time.Minute, expectedMaximum: 150 * time.Minute},
		{name: "maximum equal to minimum", minimum: 30 * time.Minute, maximum: 30 * time.Minute, expectedMinimum: 30 * time.Minute, expectedMaximum: 150 * time.Minute},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			testScheduler := newTestScheduler(t, scheduler.Config{
				Poster:          newRecordingPoster(),
				Source:          &scriptedSource{candidates: []string{"line"}},
				MinimumInterval: testCase.minimum,
				MaximumInterval: testCase.maximum,
			})
			sawSpread := false
			for index := 0; index < 200; index++ {
				interval := testScheduler.NextInterval()
				if interval < testCase.expectedMinimum || interval > testCase.expectedMaximum {
					t.Fatalf("interval %v outside [%v, %v]", interval, testCase.expectedMinimum, testCase.expectedMaximum)
				}
				if interval > testCase.minimum+time.Minute {
					sawSpread = true
				}
			}
			if !sawSpread {
				t.Fatal("expected intervals spread across the range")
			}
		})
	}
}

func TestPostOnceRecordsHistoryAndThread(t *testing.T) {
	t.Parallel()

	history, err := scheduler.OpenPostHistory(t.TempDir(), testUsername, nil, filestore.Loader{})
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	poster := newRecordingPoster()
	recorder := &postRecorder{}
	testScheduler := newTestScheduler(t, scheduler.Config{
		Poster:   poster,
		Source:   &scriptedSource{candidates: []string{"morning thoughts on rhythm"}},
		History:  history,
		Recorder: recorder,
	})

	result, err := testScheduler.PostOnce(context.Background())
	if err != nil {
		t.Fatalf("post once: %v", err)
	}
	if result.ReferenceID() != "1790000000000000001" {
		t.Fatalf("unexpected result %+v", result)
	}
	if recent := history.Recent(5); len(recent) != 1 || recent[0] != "morning thoughts on rhythm" {
		t.Fatalf("unexpected history %v", recent)
	}
	posts := recorder.recorded()
	if len(posts) != 1 || posts[0].id != "1790000000000000001" {
		t.Fatalf("expected the post registered as a thread, got %+v", posts)
	}
}

func TestPostOnceSkipsThreadForUnknownID(t *testing.T) {
	t.Parallel()

	poster := newRecordingPoster()
	poster.unknownID = true
	recorder := &postRecorder{}
	testScheduler := newTestScheduler(t, scheduler.Config{
		Poster:   poster,
		Source:   &scriptedSource{candidates: []string{"line"}},
		Recorder: recorder,
	})
	if _, err := testScheduler.PostOnce(context.Background()); err != nil {
		t.Fatalf("post once: %v", err)
	}
	if posts := recorder.recorded(); len(posts) != 0 {
		t.Fatalf("expected no thread for an unknown id, got %+v", posts)
	}
}

func TestPostOnceRegeneratesSimilarPosts(t *testing.T) {
	t.Parallel()

	history, err := scheduler.OpenPostHistory(t.TempDir(), testUsername, nil, filestore.Loader{})
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	if err := history.Add("the quiet studio at night", "1"); err != nil {
		t.Fatalf("seed history: %v", err)
	}
	poster := newRecordingPoster()
	source := &scriptedSource{candidates: []string{"the quiet studio at night", "The studio at night is quiet", "a brand new melody"}}
	testScheduler := newTestScheduler(t, scheduler.Config{Poster: poster, Source: source, History: history})

	if _, err := testScheduler.PostOnce(context.Background()); err != nil {
		t.Fatalf("post once: %v", err)
	}
	texts, _ := poster.snapshot()
	if len(texts) != 1 || texts[0] != "a brand new melody" {
		t.Fatalf("expected the distinct candidate, got %v", texts)
	}
	if len(source.hints) != 3 || source.hints[2].Attempt != 2 || len(source.hints[0].RecentPosts) != 1 {
		t.Fatalf("unexpected hints %+v", source.hints)
	}
}

func TestPostOnceKeepsLastCandidateWhenAllAreSimilar(t *testing.T) {
	t.Parallel()

	history, err := scheduler.OpenPostHistory(t.TempDir(), testUsername, nil, filestore.Loader{})
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	if err := history.Add("same words every time", "1"); err != nil {
		t.Fatalf("seed history: %v", err)
	}
	poster := newRecordingPoster()
	source := &scriptedSource{candidates: []string{"same words every time"}}
	testScheduler := newTestScheduler(t, scheduler.Config{Poster: poster, Source: source, History: history})

	if _, err := testScheduler.PostOnce(context.Background()); err != nil {
		t.Fatalf("post once: %v", err)
	}
	if texts, _ := poster.snapshot(); len(texts) != 1 {
		t.Fatalf("expected the last candidate to be posted, got %v", texts)
	}
	if len(source.hints) != 3 {
		t.Fatalf("expected three generation attempts, got %d", len(source.hints))
	}
}

func TestPostOnceBrowsesAndIgnoresBrowseErrors(t *testing.T) {
	t.Parallel()

	poster := newRecordingPoster()
	testScheduler, err := scheduler.New(scheduler.Config{
		Poster:          poster,
		Source:          &scriptedSource{candidates: []string{"line"}},
		ThinkingMinimum: -1,
		Sleep:           timing.NoSleep,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if _, err := testScheduler.PostOnce(context.Background()); err != nil {
		t.Fatalf("post once: %v", err)
	}
	if texts, browses := poster.snapshot(); len(texts) != 1 || browses != 1 {
		t.Fatalf("expected one browse and one post, got %d and %d", browses, len(texts))
	}
}

func TestSchedulerLifecyclePostsImmediately(t *testing.T) {
	t.Parallel()

	poster := newRecordingPoster()
	sleeper := newGatedSleeper(0)
	cycles := 0
	var cycleMutex sync.Mutex
	testScheduler := newTestScheduler(t, scheduler.Config{
		Poster:          poster,
		Source:          &scriptedSource{candidates: []string{"line"}},
		MinimumInterval: 10 * time.Minute,
		MaximumInterval: 20 * time.Minute,
		Sleep:           sleeper.sleep,
		BeforeCycle: func() {
			cycleMutex.Lock()
			cycles++
			cycleMutex.Unlock()
		},
	})

	job, started := testScheduler.Start(context.Background())
	if !started {
		t.Fatal("expected the scheduler to start")
	}
	if again, startedAgain := testScheduler.Start(context.Background()); startedAgain || again != job {
		t.Fatal("expected a second start to return the running job")
	}
	select {
	case <-sleeper.blocked:
	case <-time.After(waitTimeout):
		t.Fatal("scheduler never waited for the next post")
	}
	if texts, _ := poster.snapshot(); len(texts) != 1 {
		t.Fatalf("expected an immediate post, got %d", len(texts))
	}
	durations := sleeper.recorded()
	if len(durations) != 1 || durations[0] < 10*time.Minute || durations[0] > 20*time.Minute {
		t.Fatalf("unexpected waits %v", durations)
	}
	if !testScheduler.Stop() {
		t.Fatal("expected stop to report a running scheduler")
	}
	select {
	case <-job.Done():
	case <-time.After(waitTimeout):
		t.Fatal("scheduler did not stop")
	}
	if testScheduler.Stop() {
		t.Fatal("expected a second stop to report false")
	}
	cycleMutex.Lock()
	defer cycleMutex.Unlock()
	if cycles != 1 {
		t.Fatalf("expected one cycle hook call, got %d", cycles)
	}
}

func TestSchedulerCoolsDownAfterFailure(t *testing.T) {
	t.Parallel()

	poster := newRecordingPoster()
	poster.failOn[2] = true
	sleeper := newGatedSleeper(2)
	testScheduler := newTestScheduler(t, scheduler.Config{
		Poster:          poster,
		Source:          &scriptedSource{candidates: []string{"line"}},
		MinimumInterval: 10 * time.Minute,
		MaximumInterval: 20 * time.Minute,
		Sleep:           sleeper.sleep,
	})

	job, _ := testScheduler.Start(context.Background())
	select {
	case <-sleeper.blocked:
	case <-time.After(waitTimeout):
		t.Fatal("scheduler never reached the third wait")
	}
	testScheduler.Stop()
	<-job.Done()

	durations := sleeper.recorded()
	if len(durations) != 3 {
		t.Fatalf("expected three waits, got %v", durations)
	}
	if durations[1] != 5*time.Minute {
		t.Fatalf("expected a five minute cooldown after the failure, got %v", durations[1])
	}
	if durations[2] < 10*time.Minute || durations[2] > 20*time.Minute {
		t.Fatalf("expected the normal schedule to resume, got %v", durations[2])
	}
}

func TestWordOverlap(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		left     string
		right    string
		expected float64
	}{
		{left: "a b c", right: "A B", expected: 1},
		{left: "a b c d", right: "a x y z", expected: 0.25},
		{left: "", right: "a", expected: 0},
	}
	for _, testCase := range testCases {
		if got := scheduler.WordOverlap(testCase.left, testCase.right); got != testCase.expected {
			t.Fatalf("WordOverlap(%q, %q) = %v, want %v", testCase.left, testCase.right, got, testCase.expected)
		}
	}
}

func TestPostHistoryKeepsFiftyNewestFirst(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	history, err := scheduler.OpenPostHistory(dir, testUsername, nil, filestore.Loader{})
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	for index := 0; index < 55; index++ {
		if err := history.Add(string(rune('a'+index%26))+" post", ""); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	reopened, err := scheduler.OpenPostHistory(dir, testUsername, nil, filestore.Loader{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	recent := reopened.Recent(100)
	if len(recent) != 50 {
		t.Fatalf("expected 50 entries, got %d", len(recent))
	}
	if recent[0] != string(rune('a'+54%26))+" post" {
		t.Fatalf("expected newest first, got %q", recent[0])
	}
}

func TestPostHistoryStartsEmptyOverCorruptFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, testUsername+"_post_history.json")
	if err := os.WriteFile(path, []byte(`[{"text": `), filestore.SharedFileMode); err != nil {
		t.Fatalf("write: %v", err)
	}
	history, err := scheduler.OpenPostHistory(dir, testUsername, nil, filestore.Loader{})
	if err != nil {
		t.Fatalf("open over a corrupt file: %v", err)
	}
	if len(history.Recent(10)) != 0 {
		t.Fatal("expected an empty history")
	}
	if err := history.Add("fresh start", "1"); err != nil {
		t.Fatalf("add: %v", err)
	}
	reopened, err := scheduler.OpenPostHistory(dir, testUsername, nil, filestore.Loader{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if recent := reopened.Recent(10); len(recent) != 1 || recent[0] != "fresh start" {
		t.Fatalf("unexpected history %q", recent)
	}
	matches, err := filepath.Glob(path + ".corrupt-*")
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one set-aside file, got %v err=%v", matches, err)
	}
}
