// Package parser splits transcripts into overlapping, boundary-aware chunks.
package parser

import (
	"errors"
	"fmt"
	"unicode"

	"github.com/raphaelgruber/recap/internal/models"
)

// ChunkConfig defines chunking parameters. All sizes are in runes.
type ChunkConfig struct {
	// MaxChunkSize bounds the fresh (non-overlapping) content of each chunk.
	MaxChunkSize int
	// Overlap is the maximum number of trailing runes of a chunk repeated at
	// the start of the next one.
	Overlap int
	// BoundaryWindow is how far back from MaxChunkSize a natural break may
	// be taken. Zero means a fifth of MaxChunkSize.
	BoundaryWindow int
}

// DefaultChunkConfig returns sensible defaults for transcripts.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{
		MaxChunkSize: 4000,
		Overlap:      200,
	}
}

// Validate rejects sizes the splitter cannot honor.
func (c ChunkConfig) Validate() error {
	if c.MaxChunkSize <= 0 {
		return fmt.Errorf("max chunk size must be positive, got %d", c.MaxChunkSize)
	}
	if c.Overlap < 0 || c.Overlap >= c.MaxChunkSize {
		return fmt.Errorf("overlap must be in [0, %d), got %d", c.MaxChunkSize, c.Overlap)
	}
	if c.BoundaryWindow < 0 {
		return errors.New("boundary window must not be negative")
	}
	return nil
}

func (c ChunkConfig) window() int {
	w := c.BoundaryWindow
	if w == 0 {
		w = c.MaxChunkSize / 5
	}
	return min(w, c.MaxChunkSize-1)
}

// breakClass ranks break points; lower is preferred.
type breakClass int

const (
	breakParagraph breakClass = iota
	breakLine
	breakSentence
	breakWord
	breakNone
)

// Split divides document into ordered chunks. A document no longer than
// MaxChunkSize yields one chunk without overlap; an empty document yields
// none. The result is a pure function of its inputs. An invalid cfg is
// rejected before any work is done.
func Split(document string, cfg ChunkConfig) ([]models.Chunk, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("split: %w", err)
	}
	runes := []rune(document)
	n := len(runes)
	if n == 0 {
		return nil, nil
	}
	if n <= cfg.MaxChunkSize {
		return []models.Chunk{{Index: 0, Text: document, Start: 0, End: n}}, nil
	}

	var chunks []models.Chunk
	prevFresh := 0
	pos := 0
	for pos < n {
		end := n
		if pos+cfg.MaxChunkSize < n {
			end = findBreak(runes, pos, pos+cfg.MaxChunkSize, cfg.window())
		}

		start := pos
		if len(chunks) > 0 && cfg.Overlap > 0 {
			start = overlapStart(runes, max(pos-cfg.Overlap, prevFresh), pos)
			chunks[len(chunks)-1].OverlapSuffix = pos - start
		}

		chunks = append(chunks, models.Chunk{
			Index:         len(chunks),
			Text:          string(runes[start:end]),
			Start:         start,
			End:           end,
			OverlapPrefix: pos - start,
		})
		prevFresh = pos
		pos = end
	}

	return chunks, nil
}

// Reassemble rebuilds the document by dropping each chunk's overlap prefix.
func Reassemble(chunks []models.Chunk) string {
	var out []rune
	for _, c := range chunks {
		out = append(out, []rune(c.Text)[c.OverlapPrefix:]...)
	}
	return string(out)
}

// findBreak returns the end of the fresh content starting at pos. It picks
// the latest break of the best class inside [limit-window, limit] and falls
// back to a hard cut at limit.
func findBreak(runes []rune, pos, limit, window int) int {
	lo := max(pos+1, limit-window)

	best := [breakNone]int{}
	for p := limit; p >= lo; p-- {
		class := classify(runes, p)
		if class == breakNone || best[class] != 0 {
			continue
		}
		best[class] = p
		if class == breakParagraph {
			break
		}
	}

	for _, p := range best {
		if p != 0 {
			return p
		}
	}
	return limit
}

// classify reports what kind of break lies immediately before index p.
func classify(runes []rune, p int) breakClass {
	if p < 1 || p >= len(runes) {
		return breakNone
	}
	prev := runes[p-1]
	switch {
	case prev == '\n' && p >= 2 && runes[p-2] == '\n':
		return breakParagraph
	case prev == '\n':
		return breakLine
	case unicode.IsSpace(prev) && p >= 2 && isSentenceEnd(runes, p-2):
		return breakSentence
	case unicode.IsSpace(prev):
		return breakWord
	}
	return breakNone
}

func isSentenceEnd(runes []rune, i int) bool {
	r := runes[i]
	if r != '.' && r != '!' && r != '?' {
		return false
	}
	// Likely abbreviation like "U.S."
	if r == '.' && i > 0 && unicode.IsUpper(runes[i-1]) {
		return false
	}
	return true
}

// overlapStart moves a raw overlap start forward to the next word boundary
// so the repeated text never opens mid-word.
func overlapStart(runes []rune, start, pos int) int {
	if start == 0 || unicode.IsSpace(runes[start-1]) {
		return start
	}
	for i := start; i < pos; i++ {
		if unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}
	return pos
}
