package driftkit

import (
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// DictionaryItem is one entry in a dictionary group.
type DictionaryItem struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Dictionary holds named groups of items that prompts reference with
// @{groupId} tokens. Groups are append-mostly and read-mostly; updates
// replace the whole group under the lock. Safe for concurrent use.
type Dictionary struct {
	mu     sync.RWMutex
	groups map[string][]DictionaryItem
}

// NewDictionary creates an empty dictionary.
func NewDictionary() *Dictionary {
	return &Dictionary{groups: make(map[string][]DictionaryItem)}
}

// SetGroup replaces the items of a group. Item names and values are
// NFC-normalized so renders are stable regardless of the input encoding form.
func (d *Dictionary) SetGroup(groupID string, items []DictionaryItem) {
	normalized := make([]DictionaryItem, len(items))
	for i, it := range items {
		it.Name = norm.NFC.String(it.Name)
		it.Value = norm.NFC.String(it.Value)
		normalized[i] = it
	}
	d.mu.Lock()
	d.groups[groupID] = normalized
	d.mu.Unlock()
}

// Group returns a copy of the group's items, or nil when the group is unknown.
func (d *Dictionary) Group(groupID string) []DictionaryItem {
	d.mu.RLock()
	defer d.mu.RUnlock()
	items := d.groups[groupID]
	if items == nil {
		return nil
	}
	out := make([]DictionaryItem, len(items))
	copy(out, items)
	return out
}

// RenderGroup renders a group as newline-separated "name: value" lines for
// inclusion in a prompt. Unknown groups render as the empty string.
func (d *Dictionary) RenderGroup(groupID string) string {
	d.mu.RLock()
	items := d.groups[groupID]
	d.mu.RUnlock()
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	for i, it := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		if it.Name != "" {
			b.WriteString(it.Name)
			b.WriteString(": ")
		}
		b.WriteString(it.Value)
	}
	return b.String()
}
