package parser

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/raphaelgruber/recap/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// transcript builds count sentences of exactly 100 runes each.
func transcript(count int) string {
	var b strings.Builder
	for i := range count {
		b.WriteString(fmt.Sprintf("line %03d ", i))
		b.WriteString(strings.Repeat("a", 89))
		b.WriteString(". ")
	}
	return b.String()
}

func assertCovers(t *testing.T, doc string, chunks []models.Chunk, cfg ChunkConfig) {
	t.Helper()
	runes := []rune(doc)

	require.NotEmpty(t, chunks)
	assert.Equal(t, 0, chunks[0].Start)
	assert.Equal(t, 0, chunks[0].OverlapPrefix)
	assert.Equal(t, len(runes), chunks[len(chunks)-1].End)
	assert.Equal(t, 0, chunks[len(chunks)-1].OverlapSuffix)

	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, string(runes[c.Start:c.End]), c.Text, "chunk %d text", i)
		assert.LessOrEqual(t, c.End-c.Start-c.OverlapPrefix, cfg.MaxChunkSize, "chunk %d fresh size", i)
		assert.LessOrEqual(t, c.OverlapPrefix, cfg.Overlap, "chunk %d overlap", i)
		if i > 0 {
			prev := chunks[i-1]
			assert.Equal(t, prev.End, c.Start+c.OverlapPrefix, "chunk %d must start where %d ended", i, i-1)
			assert.Equal(t, prev.OverlapSuffix, c.OverlapPrefix)
			assert.GreaterOrEqual(t, c.Start, prev.Start)
		}
	}

	assert.Equal(t, doc, Reassemble(chunks))
}

func TestSplit_Empty(t *testing.T) {
	chunks, err := Split("", DefaultChunkConfig())
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestSplit_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  ChunkConfig
	}{
		{"zero size", ChunkConfig{}},
		{"negative size", ChunkConfig{MaxChunkSize: -5}},
		{"overlap not below size", ChunkConfig{MaxChunkSize: 10, Overlap: 10}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			done := make(chan error, 1)
			go func() {
				_, err := Split(strings.Repeat("word ", 100), tt.cfg)
				done <- err
			}()
			select {
			case err := <-done:
				assert.Error(t, err)
			case <-time.After(2 * time.Second):
				t.Fatal("Split did not return")
			}
		})
	}
}

func TestSplit_SingleChunk(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"short", "Hello there. General Kenobi."},
		{"exactly max", strings.Repeat("b", 4000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks, err := Split(tt.doc, DefaultChunkConfig())
			require.NoError(t, err)
			require.Len(t, chunks, 1)
			assert.Equal(t, tt.doc, chunks[0].Text)
			assert.Zero(t, chunks[0].OverlapPrefix)
			assert.Zero(t, chunks[0].OverlapSuffix)
		})
	}
}

func TestSplit_Coverage(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		cfg  ChunkConfig
	}{
		{"transcript", transcript(57), ChunkConfig{MaxChunkSize: 700, Overlap: 60}},
		{"paragraphs", strings.Repeat("Speaker one talks for a while.\nSpeaker two answers.\n\n", 40), ChunkConfig{MaxChunkSize: 256, Overlap: 32}},
		{"no whitespace", strings.Repeat("z", 1001), ChunkConfig{MaxChunkSize: 100, Overlap: 10}},
		{"multibyte", strings.Repeat("héllo wörld ünïcode - ça va? ", 50), ChunkConfig{MaxChunkSize: 97, Overlap: 20}},
		{"no overlap", transcript(30), ChunkConfig{MaxChunkSize: 333}},
		{"wide window", transcript(12), ChunkConfig{MaxChunkSize: 150, Overlap: 40, BoundaryWindow: 150}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.cfg.Validate())
			chunks, err := Split(tt.doc, tt.cfg)
			require.NoError(t, err)
			assert.Greater(t, len(chunks), 1)
			assertCovers(t, tt.doc, chunks, tt.cfg)
		})
	}
}

func TestSplit_Deterministic(t *testing.T) {
	doc := transcript(80)
	cfg := ChunkConfig{MaxChunkSize: 900, Overlap: 120}
	first, err := Split(doc, cfg)
	require.NoError(t, err)
	second, err := Split(doc, cfg)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSplit_BoundaryPreference(t *testing.T) {
	cfg := ChunkConfig{MaxChunkSize: 100, Overlap: 0, BoundaryWindow: 20}

	tests := []struct {
		name    string
		doc     string
		wantEnd int
	}{
		{
			name:    "paragraph beats later words",
			doc:     strings.Repeat("a", 85) + "\n\n" + strings.Repeat("bb ", 20),
			wantEnd: 87,
		},
		{
			name:    "line beats later sentence",
			doc:     strings.Repeat("a", 82) + "\n" + "cc. dd. ee. ff. " + strings.Repeat("g", 40),
			wantEnd: 83,
		},
		{
			name:    "sentence beats later words",
			doc:     strings.Repeat("x", 84) + ". " + strings.Repeat("yy ", 20),
			wantEnd: 86,
		},
		{
			name:    "abbreviation is not a sentence end",
			doc:     strings.Repeat("x", 84) + "U.S. " + strings.Repeat("y", 6) + " " + strings.Repeat("z", 40),
			wantEnd: 96,
		},
		{
			name:    "last word break",
			doc:     strings.Repeat("yy ", 50),
			wantEnd: 99,
		},
		{
			name:    "hard cut",
			doc:     strings.Repeat("q", 150),
			wantEnd: 100,
		},
		{
			name:    "break outside window ignored",
			doc:     strings.Repeat("r", 50) + "\n\n" + strings.Repeat("s", 100),
			wantEnd: 100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks, err := Split(tt.doc, cfg)
			require.NoError(t, err)
			require.Greater(t, len(chunks), 1)
			assert.Equal(t, tt.wantEnd, chunks[0].End)
			assertCovers(t, tt.doc, chunks, cfg)
		})
	}
}

func TestSplit_OverlapSnapsToWord(t *testing.T) {
	var b strings.Builder
	for i := range 40 {
		b.WriteString(fmt.Sprintf("w%03d ", i))
	}
	doc := b.String()
	cfg := ChunkConfig{MaxChunkSize: 50, Overlap: 12, BoundaryWindow: 10}

	chunks, err := Split(doc, cfg)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 2)
	assert.Equal(t, 50, chunks[0].End)
	assert.Equal(t, 10, chunks[1].OverlapPrefix)
	assert.True(t, strings.HasPrefix(chunks[1].Text, "w008 w009 w010"), chunks[1].Text)
	assertCovers(t, doc, chunks, cfg)
}

func TestSplit_NoWhitespaceHasNoOverlap(t *testing.T) {
	chunks, err := Split(strings.Repeat("z", 250), ChunkConfig{MaxChunkSize: 100, Overlap: 10})
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for _, c := range chunks {
		assert.Zero(t, c.OverlapPrefix)
	}
}

func TestSplit_TwelveThousandCharacters(t *testing.T) {
	doc := transcript(120)
	require.Len(t, []rune(doc), 12000)

	cfg := ChunkConfig{MaxChunkSize: 4000, Overlap: 200}
	chunks, err := Split(doc, cfg)
	require.NoError(t, err)

	require.Len(t, chunks, 3)
	assert.Equal(t, 4000, chunks[0].End)
	assert.Equal(t, 8000, chunks[1].End)
	assert.Equal(t, 200, chunks[1].OverlapPrefix)
	assert.Equal(t, 200, chunks[2].OverlapPrefix)
	assertCovers(t, doc, chunks, cfg)
}

func TestChunkConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ChunkConfig
		wantErr bool
	}{
		{"defaults", DefaultChunkConfig(), false},
		{"zero size", ChunkConfig{}, true},
		{"overlap equals size", ChunkConfig{MaxChunkSize: 10, Overlap: 10}, true},
		{"negative overlap", ChunkConfig{MaxChunkSize: 10, Overlap: -1}, true},
		{"negative window", ChunkConfig{MaxChunkSize: 10, BoundaryWindow: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"whitespace only", " \r\n\t ", ""},
		{"crlf", "a\r\nb\rc", "a\nb\nc"},
		{"trims", "  hello world \n\n", "hello world"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
