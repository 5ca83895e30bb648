// Package chart builds the song catalogue from a charts directory and loads
// per-song audio assets on demand.
package chart

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrSongNotFound       = errors.New("song not found")
	ErrDifficultyNotFound = errors.New("difficulty not found")
)

// Entry is one playable difficulty of a song. Entries are immutable once
// catalogued.
type Entry struct {
	Song       string // normalised song key
	Difficulty string // "" means normal
	Folder     string // folder name on disk
	Stem       string // chart file name without .json
	Dir        string // absolute folder path
	Data       []byte // fixed chart payload
}

// NiceDifficulty returns the difficulty as shown to players.
func (e *Entry) NiceDifficulty() string {
	if e.Difficulty == "" {
		return "normal"
	}
	return e.Difficulty
}

func (e *Entry) String() string {
	return e.Song + " " + e.NiceDifficulty()
}

// preference is the difficulty order used when none is requested.
var preference = []string{"hard", "normal", "easy"}

// Catalogue maps song keys to their difficulties.
type Catalogue struct {
	songs map[string][]*Entry
}

// NewCatalogue returns an empty catalogue.
func NewCatalogue() *Catalogue {
	return &Catalogue{songs: make(map[string][]*Entry)}
}

// Add appends e unless the song already has that difficulty.
func (c *Catalogue) Add(e *Entry) bool {
	for _, have := range c.songs[e.Song] {
		if have.Difficulty == e.Difficulty {
			return false
		}
	}
	c.songs[e.Song] = append(c.songs[e.Song], e)
	return true
}

// Songs returns the number of distinct songs.
func (c *Catalogue) Songs() int {
	return len(c.songs)
}

// Charts returns the number of catalogued difficulties across all songs.
func (c *Catalogue) Charts() int {
	n := 0
	for _, es := range c.songs {
		n += len(es)
	}
	return n
}

// Keys returns the song keys in sorted order.
func (c *Catalogue) Keys() []string {
	keys := make([]string, 0, len(c.songs))
	for k := range c.songs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Difficulties returns the entries of a song.
func (c *Catalogue) Difficulties(song string) []*Entry {
	return c.songs[song]
}

// All returns every entry ordered by song key, then catalogue order.
func (c *Catalogue) All() []*Entry {
	var out []*Entry
	for _, k := range c.Keys() {
		out = append(out, c.songs[k]...)
	}
	return out
}

// Find looks a chart up by song key and difficulty. An empty difficulty picks
// the first of hard, normal, easy that exists, falling back to the first
// catalogued difficulty.
func (c *Catalogue) Find(song, difficulty string) (*Entry, error) {
	es, ok := c.songs[NormalizeKey(song)]
	if !ok {
		return nil, fmt.Errorf("%q: %w", song, ErrSongNotFound)
	}

	if difficulty != "" {
		want := strings.ToLower(difficulty)
		for _, e := range es {
			if e.NiceDifficulty() == want || e.Difficulty == want {
				return e, nil
			}
		}
		return nil, fmt.Errorf("%s %q: %w", song, difficulty, ErrDifficultyNotFound)
	}

	for _, d := range preference {
		for _, e := range es {
			if e.NiceDifficulty() == d {
				return e, nil
			}
		}
	}
	if len(es) == 0 {
		return nil, fmt.Errorf("%s: %w", song, ErrDifficultyNotFound)
	}
	return es[0], nil
}

// Search returns "key (diff diff ...)" lines for songs containing q.
func (c *Catalogue) Search(q string) []string {
	q = strings.ToLower(strings.TrimSpace(q))
	var out []string
	for _, k := range c.Keys() {
		if !strings.Contains(k, q) {
			continue
		}
		diffs := make([]string, 0, len(c.songs[k]))
		for _, e := range c.songs[k] {
			diffs = append(diffs, e.NiceDifficulty())
		}
		out = append(out, fmt.Sprintf("%s (%s)", k, strings.Join(diffs, " ")))
	}
	return out
}

// Merge returns a copy of c with the songs of other that c does not know.
// Songs already present are kept as they are.
func (c *Catalogue) Merge(other *Catalogue) (*Catalogue, int) {
	out := NewCatalogue()
	for k, es := range c.songs {
		out.songs[k] = es
	}
	added := 0
	for k, es := range other.songs {
		if _, ok := out.songs[k]; ok {
			continue
		}
		out.songs[k] = es
		added++
	}
	return out, added
}

// NormalizeKey lowercases s, turns spaces and underscores into dashes and
// drops anything outside [a-z0-9-].
func NormalizeKey(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r == ' ' || r == '_':
			b.WriteByte('-')
		case r == '-' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		}
	}
	return b.String()
}
