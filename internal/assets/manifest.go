// Package assets serves chunk audio and word timings from a directory tree
// or an HTTP asset service.
package assets

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/bookbridge/readalong/playback"
)

// ErrInvalidManifest is returned for chunk manifests that do not match the
// manifest schema.
var ErrInvalidManifest = errors.New("invalid chunk manifest")

const schemaURL = "readalong://schemas/chunk-manifest.json"

const manifestSchema = `{
  "type": "object",
  "required": ["audio_url", "duration"],
  "properties": {
    "audio_url": {"type": "string"},
    "duration": {"type": "number", "minimum": 0},
    "word_count": {"type": "integer", "minimum": 0},
    "words": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["start", "end"],
        "properties": {
          "index": {"type": "integer", "minimum": 0},
          "text": {"type": "string"},
          "start": {"type": "number"},
          "end": {"type": "number"}
        }
      }
    }
  }
}`

// Manifest is the wire format of one chunk. Times are in seconds.
type Manifest struct {
	AudioURL  string     `json:"audio_url"`
	Duration  float64    `json:"duration"`
	WordCount int        `json:"word_count,omitempty"`
	Words     []WireWord `json:"words,omitempty"`
}

// WireWord is one word timing on the wire.
type WireWord struct {
	Index *int    `json:"index,omitempty"`
	Text  string  `json:"text,omitempty"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Decoder validates and converts chunk manifests.
type Decoder struct {
	schema *jsonschema.Schema
}

// NewDecoder compiles the manifest schema.
func NewDecoder() (*Decoder, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, strings.NewReader(manifestSchema)); err != nil {
		return nil, fmt.Errorf("add manifest schema: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile manifest schema: %w", err)
	}
	return &Decoder{schema: schema}, nil
}

// Decode validates data against the manifest schema and converts it into
// an asset. resolve, when non-nil, maps the manifest audio URL to the one
// the output should open. Invalid manifests are unrecoverable for the
// chunk; malformed timings are passed through for the timing store to
// degrade.
func (d *Decoder) Decode(data []byte, chunk int, resolve func(string) string) (*playback.Asset, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, d.invalid(chunk, err)
	}
	if err := d.schema.Validate(doc); err != nil {
		return nil, d.invalid(chunk, err)
	}

	var m Manifest
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&m); err != nil {
		return nil, d.invalid(chunk, err)
	}

	asset := &playback.Asset{
		AudioURL:  m.AudioURL,
		Duration:  playback.Seconds(m.Duration),
		WordCount: m.WordCount,
	}
	if resolve != nil && m.AudioURL != "" {
		asset.AudioURL = resolve(m.AudioURL)
	}
	if m.Words != nil {
		asset.Words = make([]playback.WordTiming, len(m.Words))
		for i, w := range m.Words {
			idx := i
			if w.Index != nil {
				idx = *w.Index
			}
			asset.Words[i] = playback.WordTiming{
				Index: idx,
				Text:  w.Text,
				Start: playback.Seconds(w.Start),
				End:   playback.Seconds(w.End),
			}
		}
		if asset.WordCount == 0 {
			asset.WordCount = len(m.Words)
		}
	}
	return asset, nil
}

func (d *Decoder) invalid(chunk int, err error) error {
	return playback.NewError(playback.KindUnrecoverable, "assets", "decode", chunk, fmt.Errorf("%w: %w", ErrInvalidManifest, err))
}
