package chart

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var (
	// ErrMalformedChart reports a chart file that is not usable JSON or lacks song.song.
	ErrMalformedChart = errors.New("malformed chart")

	// ErrMissingInstrumental reports a song folder without Inst.ogg.
	ErrMissingInstrumental = errors.New("missing instrumental")
)

// defaults lists song keys that clients assume when absent.
var defaults = []struct {
	path  string
	match func(gjson.Result) bool
}{
	{"song.speed", func(r gjson.Result) bool { return r.Type == gjson.Number && r.Float() == 1.0 }},
	{"song.gfVersion", func(r gjson.Result) bool { return r.Type == gjson.String && r.Str == "gf" }},
	{"song.noteStyle", func(r gjson.Result) bool { return r.Type == gjson.String && r.Str == "normal" }},
	{"song.stage", func(r gjson.Result) bool { return r.Type == gjson.String && r.Str == "stage" }},
}

// Fix rewrites a raw chart file into the form served to clients. The song name
// is replaced by folder, top-level notes are moved into the song when it has
// none, default-valued keys are dropped and the result is compacted.
func Fix(raw []byte, folder string) ([]byte, error) {
	data := bytes.TrimRight(raw, "\x00")
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid json: %w", ErrMalformedChart)
	}
	if name := gjson.GetBytes(data, "song.song"); name.Type != gjson.String {
		return nil, fmt.Errorf("song.song missing: %w", ErrMalformedChart)
	}

	out, err := sjson.SetBytes(data, "song.song", folder)
	if err != nil {
		return nil, fmt.Errorf("set song name: %w", err)
	}

	inner := gjson.GetBytes(out, "song.notes")
	if outer := gjson.GetBytes(out, "notes"); outer.Exists() {
		if !inner.IsArray() || len(inner.Array()) == 0 {
			if out, err = sjson.SetRawBytes(out, "song.notes", []byte(outer.Raw)); err != nil {
				return nil, fmt.Errorf("promote notes: %w", err)
			}
		}
		if out, err = sjson.DeleteBytes(out, "notes"); err != nil {
			return nil, fmt.Errorf("drop notes: %w", err)
		}
	}

	for _, d := range defaults {
		if d.match(gjson.GetBytes(out, d.path)) {
			if out, err = sjson.DeleteBytes(out, d.path); err != nil {
				return nil, fmt.Errorf("drop %s: %w", d.path, err)
			}
		}
	}

	return []byte(gjson.GetBytes(out, "@ugly").Raw), nil
}
