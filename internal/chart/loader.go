package chart

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LoadStats summarises a load pass.
type LoadStats struct {
	Songs   int
	Charts  int
	Skipped int
}

// Loader scans a charts directory laid out as <root>/<folder>/<chart>.json.
type Loader struct {
	root   string
	logger zerolog.Logger
}

// NewLoader creates a loader for root.
func NewLoader(root string) *Loader {
	return &Loader{
		root:   root,
		logger: log.With().Str("component", "chart_loader").Logger(),
	}
}

// Root returns the directory this loader scans.
func (l *Loader) Root() string {
	return l.root
}

// Load walks the charts directory and builds a fresh catalogue. Unreadable or
// malformed chart files are skipped with a warning; only a missing root is an
// error.
func (l *Loader) Load() (*Catalogue, LoadStats, error) {
	var stats LoadStats

	root, err := filepath.Abs(l.root)
	if err != nil {
		return nil, stats, fmt.Errorf("resolve charts dir %s: %w", l.root, err)
	}

	dirs, err := os.ReadDir(root)
	if err != nil {
		return nil, stats, fmt.Errorf("read charts dir %s: %w", root, err)
	}

	cat := NewCatalogue()
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		key := NormalizeKey(d.Name())
		if key == "" {
			l.logger.Warn().Str("folder", d.Name()).Msg("skipping folder with unusable name")
			continue
		}
		l.loadFolder(cat, filepath.Join(root, d.Name()), d.Name(), key, &stats)
	}

	stats.Songs = cat.Songs()
	stats.Charts = cat.Charts()

	l.logger.Info().
		Str("root", root).
		Int("songs", stats.Songs).
		Int("charts", stats.Charts).
		Int("skipped", stats.Skipped).
		Msg("charts loaded")

	return cat, stats, nil
}

func (l *Loader) loadFolder(cat *Catalogue, dir, folder, key string, stats *LoadStats) {
	files, err := os.ReadDir(dir)
	if err != nil {
		l.logger.Warn().Err(err).Str("folder", folder).Msg("skipping unreadable folder")
		stats.Skipped++
		return
	}

	names := make([]string, 0, len(files))
	for _, f := range files {
		if !f.IsDir() && strings.EqualFold(filepath.Ext(f.Name()), ".json") {
			names = append(names, f.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		path := filepath.Join(dir, name)

		raw, err := os.ReadFile(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("file", path).Msg("skipping unreadable chart")
			stats.Skipped++
			continue
		}

		data, err := Fix(raw, folder)
		if err != nil {
			l.logger.Warn().Err(err).Str("file", path).Msg("skipping invalid chart")
			stats.Skipped++
			continue
		}

		e := &Entry{
			Song:       key,
			Difficulty: difficultyOf(key, stem),
			Folder:     folder,
			Stem:       stem,
			Dir:        dir,
			Data:       data,
		}
		if !cat.Add(e) {
			l.logger.Warn().Str("file", path).Str("song", key).
				Str("difficulty", e.NiceDifficulty()).Msg("duplicate difficulty, keeping first")
			stats.Skipped++
			continue
		}
		l.logger.Debug().Str("song", key).Str("difficulty", e.NiceDifficulty()).Msg("chart catalogued")
	}
}

// difficultyOf derives the difficulty label from a chart file stem.
func difficultyOf(key, stem string) string {
	s := NormalizeKey(stem)
	if s == key {
		return ""
	}
	if d, ok := strings.CutPrefix(s, key+"-"); ok {
		s = d
	}
	if s == "normal" {
		return ""
	}
	return s
}
