package integration_test

import (
	"runtime"
	"time"

	"chatwire/internal/models"
)

// Test data factories

// TextDraft builds a draft carrying only text content.
func TextDraft(content string) models.Draft {
	return models.Draft{Content: &content}
}

// MediaDraft builds a draft carrying an image attachment.
func MediaDraft(caption, mediaURL string) models.Draft {
	mt := models.MediaTypeImage
	draft := models.Draft{
		MediaURL:  &mediaURL,
		MediaType: &mt,
	}
	if caption != "" {
		draft.Content = &caption
	}
	return draft
}

// ConfirmedIDs extracts the backend ids of the confirmed entries in a log
// snapshot, in display order.
func ConfirmedIDs(entries []models.Entry) []string {
	var out []string
	for _, entry := range entries {
		if entry.State == models.EntryStateConfirmed {
			out = append(out, entry.Message.ID)
		}
	}
	return out
}

// Performance helpers

// MemorySnapshot captures current memory usage.
type MemorySnapshot struct {
	HeapAlloc  uint64
	HeapInuse  uint64
	StackInuse uint64
	NumGC      uint32
	Timestamp  time.Time
}

// TakeMemorySnapshot captures current memory statistics.
func TakeMemorySnapshot() MemorySnapshot {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	return MemorySnapshot{
		HeapAlloc:  stats.HeapAlloc,
		HeapInuse:  stats.HeapInuse,
		StackInuse: stats.StackInuse,
		NumGC:      stats.NumGC,
		Timestamp:  time.Now(),
	}
}
