package processor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"venuescout/internal/config"
)

func TestExtractHTMLDropsScriptsAndKeepsBlocks(t *testing.T) {
	ex := NewTextExtractor(config.Default().Preprocess)
	got, err := ex.ExtractHTML([]byte(`<html><head><title>x</title><style>p{}</style></head>
<body>
  <script>var a = 1;</script>
  <h1>The  Fillmore</h1>
  <p>Capacity:
     1,150 standing</p>
  <div class="advert-banner">Buy now</div>
  <ul><li>Two bars</li><li>VIP lounge</li></ul>
  <table><tr><td>2023 concerts</td><td>145</td></tr></table>
</body></html>`))
	require.NoError(t, err)
	require.Equal(t, "The Fillmore\nCapacity: 1,150 standing\nTwo bars\nVIP lounge\n2023 concerts | 145", got)
}

func TestExtractHTMLEmpty(t *testing.T) {
	_, err := NewTextExtractor(config.PreprocessConfig{}).ExtractHTML([]byte("  "))
	require.ErrorIs(t, err, ErrEmptyPage)
}

func TestChunk(t *testing.T) {
	require.Nil(t, Chunk("   ", 3))
	require.Equal(t, []string{"a b c"}, Chunk("a  b\nc", 3))
	require.Equal(t, []string{"a b", "c d", "e"}, Chunk("a b c d e", 2))
}

func TestTruncateAndWordCount(t *testing.T) {
	require.Equal(t, 4, WordCount(" one two\nthree  four "))
	require.Equal(t, "one two", Truncate("one two three", 2))
	require.Equal(t, "one two three", Truncate("one two three", 0))
}
