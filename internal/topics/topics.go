// Package topics holds a tenant's topic queue and archive and the pure
// operations over them: rotation after a publish, admin edits, intent
// classification and exclusion matching.
package topics

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ErrInvalidTopic is returned when neither an index nor a title locates a
// queue element.
var ErrInvalidTopic = errors.New("invalid index/topic")

// Topic is one pending queue element.
type Topic struct {
	Title  string `json:"title"`
	Intent Intent `json:"intent"`
}

// UnmarshalJSON accepts both {"title":..,"intent":..} and a bare string.
func (t *Topic) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*t = Topic{Title: s}
		return nil
	}
	type plain Topic
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*t = Topic(p)
	return nil
}

// ArchiveEntry is a topic that has left the queue after a publish or an explicit
// archive action.
type ArchiveEntry struct {
	Topic     string    `json:"topic"`
	Intent    Intent    `json:"intent"`
	PostedAt  time.Time `json:"postedAt"`
	ArticleID *string   `json:"articleId"`
}

// Book is the queue plus archive pair persisted inside a tenant config.
type Book struct {
	Topics   []Topic        `json:"topics"`
	Archived []ArchiveEntry `json:"topicArchive"`
}

// Ref is a resolved topic for one publish attempt. Override refs came from the
// caller and never touch the queue.
type Ref struct {
	Topic
	Override bool
}

// Resolve picks the topic for an attempt: a non-empty override wins,
// otherwise the queue head.
func (b *Book) Resolve(override string) (Ref, bool) {
	if o := strings.TrimSpace(override); o != "" {
		return Ref{Topic: Topic{Title: o}, Override: true}, true
	}
	if len(b.Topics) == 0 {
		return Ref{}, false
	}
	return Ref{Topic: b.Topics[0]}, true
}

// PopAndArchive removes the queue element ref points at and archives it.
// The head is taken when it still matches, otherwise the first element with
// the same title. It reports whether anything moved; an empty or changed
// queue is a no-op.
func (b *Book) PopAndArchive(ref Ref, articleID string, now time.Time) bool {
	if ref.Override || len(b.Topics) == 0 {
		return false
	}
	idx := -1
	if b.Topics[0].Title == ref.Title {
		idx = 0
	} else {
		idx = b.indexOf(ref.Title)
	}
	if idx < 0 {
		return false
	}
	t := b.take(idx)
	b.Archived = append(b.Archived, ArchiveEntry{
		Topic:     t.Title,
		Intent:    t.Intent,
		PostedAt:  now,
		ArticleID: optional(articleID),
	})
	return true
}

// Archive moves one queue element to the archive without a publish. index is
// tried first; title is the fallback when the index is out of range or
// points at a different title.
func (b *Book) Archive(index int, title string, now time.Time) (Topic, error) {
	idx := -1
	title = strings.TrimSpace(title)
	if index >= 0 && index < len(b.Topics) && (title == "" || b.Topics[index].Title == title) {
		idx = index
	} else if title != "" {
		idx = b.indexOf(title)
	}
	if idx < 0 {
		return Topic{}, ErrInvalidTopic
	}
	t := b.take(idx)
	b.Archived = append(b.Archived, ArchiveEntry{Topic: t.Title, Intent: t.Intent, PostedAt: now})
	return t, nil
}

// Remove discards the queue element at index.
func (b *Book) Remove(index int) (Topic, error) {
	if index < 0 || index >= len(b.Topics) {
		return Topic{}, ErrInvalidTopic
	}
	return b.take(index), nil
}

// Add appends a topic to the queue tail. Empty titles are rejected; a missing
// intent is classified from the title.
func (b *Book) Add(title string, intent Intent, businessName string) (Topic, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return Topic{}, ErrInvalidTopic
	}
	if intent == "" {
		intent = Classify(title, businessName)
	}
	t := Topic{Title: title, Intent: NormalizeIntent(intent)}
	b.Topics = append(b.Topics, t)
	return t, nil
}

// Append adds generated topics, skipping empty titles and titles already
// queued. It returns how many were added.
func (b *Book) Append(list []Topic, businessName string) int {
	n := 0
	for _, t := range list {
		title := strings.TrimSpace(t.Title)
		if title == "" || b.indexOf(title) >= 0 {
			continue
		}
		if _, err := b.Add(title, t.Intent, businessName); err == nil {
			n++
		}
	}
	return n
}

// ReleaseArchive moves every archived topic back to the queue tail in
// archive order and empties the archive.
func (b *Book) ReleaseArchive() int {
	n := len(b.Archived)
	for _, a := range b.Archived {
		b.Topics = append(b.Topics, Topic{Title: a.Topic, Intent: NormalizeIntent(a.Intent)})
	}
	b.Archived = nil
	return n
}

// ClearQueue empties the queue and returns how many topics were dropped.
func (b *Book) ClearQueue() int {
	n := len(b.Topics)
	b.Topics = nil
	return n
}

// ClearArchive empties the archive and returns how many entries were dropped.
func (b *Book) ClearArchive() int {
	n := len(b.Archived)
	b.Archived = nil
	return n
}

// Normalize drops empty titles and fills missing intents.
func (b *Book) Normalize(businessName string) bool {
	changed := false
	out := b.Topics[:0]
	for _, t := range b.Topics {
		title := strings.TrimSpace(t.Title)
		if title == "" {
			changed = true
			continue
		}
		intent := t.Intent
		if intent == "" {
			intent = Classify(title, businessName)
		}
		intent = NormalizeIntent(intent)
		if title != t.Title || intent != t.Intent {
			changed = true
		}
		out = append(out, Topic{Title: title, Intent: intent})
	}
	b.Topics = out
	return changed
}

func (b *Book) indexOf(title string) int {
	for i, t := range b.Topics {
		if t.Title == title {
			return i
		}
	}
	return -1
}

func (b *Book) take(i int) Topic {
	t := b.Topics[i]
	b.Topics = append(b.Topics[:i:i], b.Topics[i+1:]...)
	return t
}

func optional(s string) *string {
	if s = strings.TrimSpace(s); s == "" {
		return nil
	}
	return &s
}

// MatchExcluded returns the first excluded phrase contained in title,
// compared case-insensitively. Blank phrases never match.
func MatchExcluded(excluded []string, title string) (string, bool) {
	lt := strings.ToLower(title)
	for _, p := range excluded {
		phrase := strings.TrimSpace(p)
		if phrase == "" {
			continue
		}
		if strings.Contains(lt, strings.ToLower(phrase)) {
			return phrase, true
		}
	}
	return "", false
}
