package conversation

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/xpersona/xpersona/internal/filestore"
	"github.com/xpersona/xpersona/internal/xapi"
)

const (
	processedFileSuffix = "_processed_mentions.json"

	errMessageLoadProcessed = "failed to load processed mentions"
	errMessageSaveProcessed = "failed to save processed mentions"
)

type processedRecord struct {
	LastSeenID   string   `json:"last_seen_id"`
	ProcessedIDs []string `json:"processed_ids"`
}

// ProcessedStore remembers handled mention ids and the largest id seen.
type ProcessedStore struct {
	mutex      sync.Mutex
	path       string
	loader     filestore.Loader
	lastSeenID string
	ids        map[string]struct{}
}

// OpenProcessedStore loads <username>_processed_mentions.json from dir, starting empty when
// the file is absent or corrupt.
func OpenProcessedStore(dir string, username string, loader filestore.Loader) (*ProcessedStore, error) {
	store := &ProcessedStore{
		path:   filepath.Join(dir, username+processedFileSuffix),
		loader: loader,
		ids:    map[string]struct{}{},
	}
	record, err := store.readDisk()
	if err != nil {
		return nil, err
	}
	store.absorbLocked(record)
	return store, nil
}

// Contains reports whether postID was already handled.
func (store *ProcessedStore) Contains(postID string) bool {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	_, found := store.ids[postID]
	return found
}

// Mark records postID as handled and advances the watermark when it is larger.
func (store *ProcessedStore) Mark(postID string) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.markLocked(postID)
}

// LastSeenID returns the numerically largest handled id.
func (store *ProcessedStore) LastSeenID() string {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.lastSeenID
}

// Len returns the number of handled ids.
func (store *ProcessedStore) Len() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.ids)
}

// Save unions the on-disk record into memory and writes it atomically.
func (store *ProcessedStore) Save() error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, err := store.readDisk()
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageSaveProcessed, err)
	}
	store.absorbLocked(record)
	ids := make([]string, 0, len(store.ids))
	for postID := range store.ids {
		ids = append(ids, postID)
	}
	sort.Slice(ids, func(left, right int) bool { return xapi.CompareIDs(ids[left], ids[right]) < 0 })
	output := processedRecord{LastSeenID: store.lastSeenID, ProcessedIDs: ids}
	if err := filestore.WriteJSON(store.path, output, filestore.SharedFileMode); err != nil {
		return fmt.Errorf("%s: %w", errMessageSaveProcessed, err)
	}
	return nil
}

func (store *ProcessedStore) readDisk() (processedRecord, error) {
	var record processedRecord
	if _, err := store.loader.Load(store.path, &record); err != nil {
		return processedRecord{}, fmt.Errorf("%s: %w", errMessageLoadProcessed, err)
	}
	return record, nil
}

func (store *ProcessedStore) absorbLocked(record processedRecord) {
	for _, postID := range record.ProcessedIDs {
		store.markLocked(postID)
	}
	if record.LastSeenID != "" && xapi.CompareIDs(record.LastSeenID, store.lastSeenID) > 0 {
		store.lastSeenID = record.LastSeenID
	}
}

func (store *ProcessedStore) markLocked(postID string) {
	if postID == "" {
		return
	}
	store.ids[postID] = struct{}{}
	if xapi.CompareIDs(postID, store.lastSeenID) > 0 {
		store.lastSeenID = postID
	}
}
