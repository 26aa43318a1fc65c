// Package conversation tracks mention threads and replies to new mentions.
package conversation

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xpersona/xpersona/internal/filestore"
)

const (
	threadsFileSuffix  = "_conversations.json"
	retweetMarker      = "RT @"
	noHistoryMessage   = "No previous conversation history."
	contextHeader      = "Previous conversation with @%s:\n\n"
	ownLineFormat      = "You: %s\n\n"
	participantLineFmt = "@%s: %s\n\n"

	errMessageLoadThreads = "failed to load conversation threads"
	errMessageSaveThreads = "failed to save conversation threads"
	errMessageNoThread    = "conversation thread not found"
)

// Message is one post within a thread.
type Message struct {
	PostID    string    `json:"tweet_id"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	ReplyToID string    `json:"is_reply_to,omitempty"`
}

// Thread is an ordered exchange with one participant. Participant stays empty until someone replies.
type Thread struct {
	Participant string    `json:"user"`
	StartedAt   time.Time `json:"started_at"`
	Messages    []Message `json:"messages"`
}

func (thread *Thread) lastMessageID() string {
	if len(thread.Messages) == 0 {
		return ""
	}
	return thread.Messages[len(thread.Messages)-1].PostID
}

func (thread *Thread) contains(postID string) bool {
	for _, message := range thread.Messages {
		if message.PostID == postID {
			return true
		}
	}
	return false
}

func (thread *Thread) clone() *Thread {
	copied := *thread
	copied.Messages = append([]Message(nil), thread.Messages...)
	return &copied
}

// ThreadStore persists threads in <username>_conversations.json and indexes every message id.
type ThreadStore struct {
	mutex       sync.Mutex
	path        string
	botUsername string
	loader      filestore.Loader
	threads     map[string]*Thread
	// messageIndex maps a message id to the first thread it was recorded in.
	messageIndex map[string]string
}

// OpenThreadStore loads the thread store for username from dir. A corrupt file is set aside
// by loader and the store starts empty.
func OpenThreadStore(dir string, username string, loader filestore.Loader) (*ThreadStore, error) {
	store := &ThreadStore{
		path:         filepath.Join(dir, username+threadsFileSuffix),
		botUsername:  username,
		loader:       loader,
		threads:      map[string]*Thread{},
		messageIndex: map[string]string{},
	}
	onDisk, err := store.readDisk()
	if err != nil {
		return nil, err
	}
	store.threads = onDisk
	store.reindexLocked()
	return store, nil
}

// Path returns the backing file.
func (store *ThreadStore) Path() string {
	return store.path
}

// Len returns the number of threads held.
func (store *ThreadStore) Len() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.threads)
}

// Thread returns a copy of the thread with id.
func (store *ThreadStore) Thread(threadID string) (Thread, bool) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	thread, found := store.threads[threadID]
	if !found {
		return Thread{}, false
	}
	return *thread.clone(), true
}

// ThreadForMessage returns the thread a message id was first recorded in.
func (store *ThreadStore) ThreadForMessage(postID string) (string, bool) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	threadID, found := store.messageIndex[postID]
	return threadID, found
}

// OpenOriginal starts a thread keyed by the bot's own post id.
func (store *ThreadStore) OpenOriginal(postID string, text string, at time.Time) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, exists := store.threads[postID]; exists {
		return
	}
	store.threads[postID] = &Thread{
		StartedAt: at.UTC(),
		Messages:  []Message{{PostID: postID, Sender: store.botUsername, Text: text, Timestamp: at.UTC()}},
	}
	store.indexLocked(postID, postID)
}

// Resolve finds the thread an inbound post belongs to, opening a new one keyed
// <unix>_<sender>_<post id> when nothing matches.
func (store *ThreadStore) Resolve(inbound Message, at time.Time) (threadID string, created bool) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if existing, found := store.messageIndex[inbound.PostID]; found {
		return existing, false
	}
	if inbound.ReplyToID != "" {
		if _, found := store.threads[inbound.ReplyToID]; found {
			return inbound.ReplyToID, false
		}
		if existing, found := store.messageIndex[inbound.ReplyToID]; found {
			return existing, false
		}
	}
	threadID = fmt.Sprintf("%d_%s_%s", at.Unix(), inbound.Sender, inbound.PostID)
	store.threads[threadID] = &Thread{Participant: inbound.Sender, StartedAt: at.UTC(), Messages: []Message{}}
	return threadID, true
}

// AppendInbound adds a participant's message once, setting the participant if it was empty.
func (store *ThreadStore) AppendInbound(threadID string, inbound Message) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	thread, found := store.threads[threadID]
	if !found {
		return fmt.Errorf("%s: %s", errMessageNoThread, threadID)
	}
	if thread.Participant == "" {
		thread.Participant = inbound.Sender
	}
	if thread.contains(inbound.PostID) {
		return nil
	}
	thread.Messages = append(thread.Messages, inbound)
	store.indexLocked(inbound.PostID, threadID)
	return nil
}

// AppendReply adds the bot's reply, linking it to the thread's latest message.
func (store *ThreadStore) AppendReply(threadID string, postID string, text string, at time.Time) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	thread, found := store.threads[threadID]
	if !found {
		return fmt.Errorf("%s: %s", errMessageNoThread, threadID)
	}
	thread.Messages = append(thread.Messages, Message{
		PostID:    postID,
		Sender:    store.botUsername,
		Text:      text,
		Timestamp: at.UTC(),
		ReplyToID: thread.lastMessageID(),
	})
	store.indexLocked(postID, threadID)
	return nil
}

// Context formats a thread as a transcript for reply generation.
func (store *ThreadStore) Context(threadID string) string {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	thread, found := store.threads[threadID]
	if !found {
		return noHistoryMessage
	}
	return store.formatLocked(thread)
}

// SenderHistory formats the most recent limit threads with sender, excluding excludeThreadID.
func (store *ThreadStore) SenderHistory(sender string, excludeThreadID string, limit int) []string {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	type candidate struct {
		id     string
		thread *Thread
	}
	candidates := []candidate{}
	for threadID, thread := range store.threads {
		if threadID == excludeThreadID || !strings.EqualFold(thread.Participant, sender) {
			continue
		}
		candidates = append(candidates, candidate{id: threadID, thread: thread})
	}
	sort.Slice(candidates, func(left, right int) bool {
		if candidates[left].thread.StartedAt.Equal(candidates[right].thread.StartedAt) {
			return candidates[left].id > candidates[right].id
		}
		return candidates[left].thread.StartedAt.After(candidates[right].thread.StartedAt)
	})
	if limit >= 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	history := make([]string, 0, len(candidates))
	for _, entry := range candidates {
		history = append(history, store.formatLocked(entry.thread))
	}
	return history
}

// Save merges the on-disk store into memory, in-memory threads winning, and writes the union atomically.
func (store *ThreadStore) Save() error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	onDisk, err := store.readDisk()
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageSaveThreads, err)
	}
	merged := false
	for threadID, thread := range onDisk {
		if _, inMemory := store.threads[threadID]; !inMemory {
			store.threads[threadID] = thread
			merged = true
		}
	}
	if merged {
		store.reindexLocked()
	}
	if err := filestore.WriteJSON(store.path, store.threads, filestore.SharedFileMode); err != nil {
		return fmt.Errorf("%s: %w", errMessageSaveThreads, err)
	}
	return nil
}

func (store *ThreadStore) readDisk() (map[string]*Thread, error) {
	var onDisk map[string]*Thread
	if _, err := store.loader.Load(store.path, &onDisk); err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageLoadThreads, err)
	}
	if onDisk == nil {
		onDisk = map[string]*Thread{}
	}
	for threadID, thread := range onDisk {
		if thread == nil {
			delete(onDisk, threadID)
		}
	}
	return onDisk, nil
}

// reindexLocked rebuilds the message index visiting threads oldest first so the earliest thread keeps an id.
func (store *ThreadStore) reindexLocked() {
	threadIDs := make([]string, 0, len(store.threads))
	for threadID := range store.threads {
		threadIDs = append(threadIDs, threadID)
	}
	sort.Slice(threadIDs, func(left, right int) bool {
		leftThread := store.threads[threadIDs[left]]
		rightThread := store.threads[threadIDs[right]]
		if leftThread.StartedAt.Equal(rightThread.StartedAt) {
			return threadIDs[left] < threadIDs[right]
		}
		return leftThread.StartedAt.Before(rightThread.StartedAt)
	})
	store.messageIndex = make(map[string]string, len(store.messageIndex))
	for _, threadID := range threadIDs {
		for _, message := range store.threads[threadID].Messages {
			store.indexLocked(message.PostID, threadID)
		}
	}
}

func (store *ThreadStore) indexLocked(postID string, threadID string) {
	if postID == "" {
		return
	}
	if _, exists := store.messageIndex[postID]; !exists {
		store.messageIndex[postID] = threadID
	}
}

func (store *ThreadStore) formatLocked(thread *Thread) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, contextHeader, thread.Participant)
	for _, message := range thread.Messages {
		text := strings.TrimSpace(strings.ReplaceAll(message.Text, retweetMarker, ""))
		if strings.EqualFold(message.Sender, store.botUsername) {
			fmt.Fprintf(&builder, ownLineFormat, text)
			continue
		}
		fmt.Fprintf(&builder, participantLineFmt, message.Sender, text)
	}
	return builder.String()
}
