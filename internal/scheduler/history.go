package scheduler

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/xpersona/xpersona/internal/filestore"
)

const (
	historyFileSuffix      = "_post_history.json"
	defaultHistoryLimit    = 50
	similarityWindow       = 10
	defaultSimilarityLimit = 0.7

	errMessageLoadHistory = "failed to load post history"
	errMessageSaveHistory = "failed to save post history"
)

// HistoryEntry records one original post.
type HistoryEntry struct {
	Text      string    `json:"text"`
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// PostHistory keeps the newest original posts on disk, newest first.
type PostHistory struct {
	mutex     sync.Mutex
	path      string
	limit     int
	threshold float64
	now       func() time.Time
	entries   []HistoryEntry
}

// OpenPostHistory loads <username>_post_history.json from dir, starting empty when absent.
// A corrupt file is set aside by loader.
func OpenPostHistory(dir string, username string, now func() time.Time, loader filestore.Loader) (*PostHistory, error) {
	if now == nil {
		now = time.Now
	}
	history := &PostHistory{
		path:      filepath.Join(dir, username+historyFileSuffix),
		limit:     defaultHistoryLimit,
		threshold: defaultSimilarityLimit,
		now:       now,
	}
	var entries []HistoryEntry
	if _, err := loader.Load(history.path, &entries); err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageLoadHistory, err)
	}
	history.entries = entries
	return history, nil
}

// Add prepends a post and persists the trimmed history.
func (history *PostHistory) Add(text string, postID string) error {
	history.mutex.Lock()
	defer history.mutex.Unlock()
	entry := HistoryEntry{Text: text, ID: postID, Timestamp: history.now().UTC()}
	history.entries = append([]HistoryEntry{entry}, history.entries...)
	if len(history.entries) > history.limit {
		history.entries = history.entries[:history.limit]
	}
	if err := filestore.WriteJSON(history.path, history.entries, filestore.SharedFileMode); err != nil {
		return fmt.Errorf("%s: %w", errMessageSaveHistory, err)
	}
	return nil
}

// Recent returns up to count texts, newest first.
func (history *PostHistory) Recent(count int) []string {
	history.mutex.Lock()
	defer history.mutex.Unlock()
	if count > len(history.entries) {
		count = len(history.entries)
	}
	texts := make([]string, 0, count)
	for _, entry := range history.entries[:count] {
		texts = append(texts, entry.Text)
	}
	return texts
}

// TooSimilar reports whether text repeats, or overlaps by words with, one of the ten newest posts.
func (history *PostHistory) TooSimilar(text string) bool {
	for _, previous := range history.Recent(similarityWindow) {
		if previous == text || WordOverlap(text, previous) >= history.threshold {
			return true
		}
	}
	return false
}

// WordOverlap is the overlap coefficient of the lowercased word sets of left and right.
func WordOverlap(left, right string) float64 {
	leftWords := wordSet(left)
	rightWords := wordSet(right)
	smaller := len(leftWords)
	if len(rightWords) < smaller {
		smaller = len(rightWords)
	}
	if smaller == 0 {
		return 0
	}
	shared := 0
	for word := range leftWords {
		if rightWords[word] {
			shared++
		}
	}
	return float64(shared) / float64(smaller)
}

func wordSet(text string) map[string]bool {
	words := map[string]bool{}
	for _, word := range strings.Fields(strings.ToLower(text)) {
		words[word] = true
	}
	return words
}
