// Package transcript archives a room's chat history to object storage when
// a stream ends.
package transcript

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/weiawesome/wes-io-live-relay/internal/domain"
	"github.com/weiawesome/wes-io-live-relay/pkg/storage"
)

const keyPrefix = "transcripts"

// Transcript is the stored document.
type Transcript struct {
	RoomID      string               `json:"roomId"`
	Broadcaster string               `json:"broadcaster"`
	EndedAt     time.Time            `json:"endedAt"`
	Messages    []domain.ChatMessage `json:"messages"`
}

// Entry describes one stored transcript.
type Entry struct {
	Key  string    `json:"key"`
	Size int64     `json:"size"`
	At   time.Time `json:"at"`
	URL  string    `json:"url,omitempty"`
}

// Archiver writes transcripts to a storage backend.
type Archiver struct {
	store     storage.Storage
	urlExpiry time.Duration
	now       func() time.Time
}

// NewArchiver creates an archiver over store.
func NewArchiver(store storage.Storage, urlExpiry time.Duration) *Archiver {
	return &Archiver{store: store, urlExpiry: urlExpiry, now: time.Now}
}

// Key returns the storage key of a transcript for roomID written at t.
func Key(roomID string, t time.Time) string {
	return path.Join(keyPrefix, roomID, fmt.Sprintf("%d.json", t.Unix()))
}

// Save stores the transcript and returns its key.
func (a *Archiver) Save(ctx context.Context, roomID, broadcaster string, messages []domain.ChatMessage) (string, error) {
	now := a.now()
	if messages == nil {
		messages = []domain.ChatMessage{}
	}

	data, err := json.Marshal(Transcript{
		RoomID:      roomID,
		Broadcaster: broadcaster,
		EndedAt:     now.UTC(),
		Messages:    messages,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal transcript: %w", err)
	}

	key := Key(roomID, now)
	if err := a.store.Write(ctx, key, bytes.NewReader(data), int64(len(data)), "application/json"); err != nil {
		return "", fmt.Errorf("failed to write transcript: %w", err)
	}
	return key, nil
}

// List returns the room's transcripts, newest first, with access URLs.
func (a *Archiver) List(ctx context.Context, roomID string) ([]Entry, error) {
	files, err := a.store.List(ctx, path.Join(keyPrefix, roomID)+"/")
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(files))
	for _, f := range files {
		if !strings.HasSuffix(f.Key, ".json") {
			continue
		}
		e := Entry{Key: f.Key, Size: f.Size, At: f.LastModified}
		if url, err := a.store.GetURL(ctx, f.Key, a.urlExpiry); err == nil {
			e.URL = url
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key > entries[j].Key })
	return entries, nil
}

// Load reads a stored transcript.
func (a *Archiver) Load(ctx context.Context, key string) (*Transcript, error) {
	if !strings.HasPrefix(key, keyPrefix+"/") {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}

	rc, err := a.store.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var t Transcript
	if err := json.NewDecoder(rc).Decode(&t); err != nil {
		return nil, fmt.Errorf("failed to decode transcript: %w", err)
	}
	return &t, nil
}
