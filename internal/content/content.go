// Package content supplies post and reply text to the scheduler and conversation tracker.
package content

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/spf13/viper"

	"github.com/xpersona/xpersona/internal/timing"
)

const (
	// MaxLength is the longest text a post may carry, in runes.
	MaxLength = 280

	truncationSuffix = "..."
	postsKey         = "posts"
	topicsKey        = "topics"

	errMessageNoPosts      = "no original posts configured"
	errMessageReadContent  = "failed to read content file"
	errMessageEmptyContent = "content file lists no posts"
)

// ErrNoPosts is returned by OriginalPost when no lines are configured.
var ErrNoPosts = errors.New(errMessageNoPosts)

// PostHints describe what an original post should avoid.
type PostHints struct {
	Username string
	// RecentPosts are the newest originals, most recent first.
	RecentPosts []string
	// Attempt counts earlier candidates rejected as too similar.
	Attempt int
}

// ReplyRequest carries everything a reply generator may use.
type ReplyRequest struct {
	SenderHandle  string
	MentionID     string
	MentionText   string
	ThreadContext string
	// SenderHistory holds formatted earlier threads with the same sender, most recent first.
	SenderHistory []string
}

// Source generates text for posts and replies.
type Source interface {
	OriginalPost(ctx context.Context, hints PostHints) (string, error)
	Reply(ctx context.Context, request ReplyRequest) (string, error)
}

type keywordRule struct {
	keywords []string
	template string
}

var replyRules = []keywordRule{
	{keywords: []string{"hello", "hi"}, template: "Hi @%s! 👋 Thanks for reaching out!"},
	{keywords: []string{"help"}, template: "@%s I'm a bot that posts content at regular intervals. You can interact with me by mentioning me in a tweet."},
	{keywords: []string{"thanks", "thank you"}, template: "@%s You're welcome! Happy to assist."},
	{keywords: []string{"what can you do"}, template: "@%s I can post tweets on a schedule, respond to mentions, and have simple conversations!"},
}

var defaultReplies = []string{
	"@%s Thanks for the mention! I'm just a simple bot but I appreciate the interaction.",
	"@%s Hello there! I noticed your mention. How can I help?",
	"@%s I see you mentioned me. I'm still learning, but I'm happy to chat!",
	"@%s Thanks for reaching out! I'm a bot in development, but I'll do my best to respond.",
}

// DefaultTopics seed variety when no content file is configured.
var DefaultTopics = []string{
	"streaming stats",
	"creative process",
	"personal life",
	"AI music",
	"inspiration",
	"collaboration",
	"fan interaction",
	"philosophical thoughts",
	"music recommendations",
}

// DefaultPosts are used when no content file is configured.
var DefaultPosts = []string{
	"Back in the studio today. Some ideas only show up after midnight.",
	"Listening to old demos and finding melodies I forgot I wrote.",
	"Every song starts as a voice memo nobody else will ever hear.",
	"Quiet morning, loud headphones.",
	"Collaboration is just trusting someone else with the unfinished parts.",
	"What are you listening to this week? Looking for something new.",
}

// NewDefault constructs a Canned source over DefaultPosts and DefaultTopics.
func NewDefault(random *timing.Random) *Canned {
	return NewCanned(DefaultPosts, DefaultTopics, random)
}

// Canned answers from fixed lines and keyword rules.
type Canned struct {
	posts  []string
	topics []string
	random *timing.Random
}

// NewCanned constructs a Canned source over posts. Topics, when given, are appended to drawn posts as a tag line.
func NewCanned(posts []string, topics []string, random *timing.Random) *Canned {
	if random == nil {
		random = timing.NewRandom(0)
	}
	return &Canned{posts: nonEmpty(posts), topics: nonEmpty(topics), random: random}
}

// LoadCanned reads posts and topics from a YAML, JSON or TOML file.
func LoadCanned(path string, random *timing.Random) (*Canned, error) {
	reader := viper.New()
	reader.SetConfigFile(path)
	if err := reader.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageReadContent, err)
	}
	canned := NewCanned(reader.GetStringSlice(postsKey), reader.GetStringSlice(topicsKey), random)
	if len(canned.posts) == 0 {
		return nil, fmt.Errorf("%s: %s", errMessageEmptyContent, path)
	}
	return canned, nil
}

// OriginalPost draws a configured line, preferring one absent from the recent posts.
func (canned *Canned) OriginalPost(ctx context.Context, hints PostHints) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(canned.posts) == 0 {
		return "", ErrNoPosts
	}
	recent := make(map[string]bool, len(hints.RecentPosts))
	for _, post := range hints.RecentPosts {
		recent[post] = true
	}
	candidates := make([]string, 0, len(canned.posts))
	for _, post := range canned.posts {
		if !recent[post] {
			candidates = append(candidates, post)
		}
	}
	if len(candidates) == 0 {
		candidates = canned.posts
	}
	text := candidates[canned.random.Intn(len(candidates))]
	if len(canned.topics) > 0 && hints.Attempt > 0 {
		text = text + " #" + canned.topics[canned.random.Intn(len(canned.topics))]
	}
	return Truncate(text, MaxLength), nil
}

// Reply answers a mention by keyword, falling back to a random default.
func (canned *Canned) Reply(ctx context.Context, request ReplyRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	lowered := strings.ToLower(request.MentionText)
	for _, rule := range replyRules {
		for _, keyword := range rule.keywords {
			if strings.Contains(lowered, keyword) {
				return Truncate(fmt.Sprintf(rule.template, request.SenderHandle), MaxLength), nil
			}
		}
	}
	template := defaultReplies[canned.random.Intn(len(defaultReplies))]
	return Truncate(fmt.Sprintf(template, request.SenderHandle), MaxLength), nil
}

// Truncate shortens text to limit runes, ending it with "..." when cut.
func Truncate(text string, limit int) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	keep := limit - utf8.RuneCountInString(truncationSuffix)
	if keep < 0 {
		keep = 0
	}
	return string(runes[:keep]) + truncationSuffix
}

func nonEmpty(lines []string) []string {
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			kept = append(kept, trimmed)
		}
	}
	return kept
}
