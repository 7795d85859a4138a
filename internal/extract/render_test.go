package extract

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRenderMarkdown(t *testing.T) {
	t.Parallel()

	doc := []byte(`<html><head><style>.x{}</style></head><body>
<script>var tracking = 1;</script>
<ul class="results">
  <li><a href="/v/1">Hall   A</a> <img src="/a.png" alt="A"></li>
  <li>Hall B<br>Dallas</li>
</ul>
<table class="results"><tr><th>Name</th><td>Hall C</td></tr></table>
</body></html>`)

	text, matched, err := Render(doc, ".results")
	require.NoError(t, err)
	require.Equal(t, 2, matched)
	require.Contains(t, text, "- [Hall A](/v/1) ![A](/a.png)")
	require.Contains(t, text, "- Hall B\nDallas")
	require.Contains(t, text, "| Name | Hall C |")
	require.NotContains(t, text, "tracking")
}

func TestRenderWholeBodyWhenNoSelector(t *testing.T) {
	t.Parallel()

	text, matched, err := Render([]byte(`<html><body><h1>Title</h1><p>Body</p></body></html>`), "  ")
	require.NoError(t, err)
	require.Equal(t, 1, matched)
	require.Equal(t, "# Title\n\nBody", text)
}

func TestRenderNestedMatchesOnce(t *testing.T) {
	t.Parallel()

	text, matched, err := Render([]byte(`<div class="v"><div class="v">inner</div></div>`), ".v")
	require.NoError(t, err)
	require.Equal(t, 1, matched)
	require.Equal(t, "inner", text)
}

func TestRenderInvalidSelector(t *testing.T) {
	t.Parallel()

	_, _, err := Render([]byte(`<p>x</p>`), "p[")
	require.Error(t, err)
}
