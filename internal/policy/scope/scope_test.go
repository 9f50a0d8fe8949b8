package scope

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScope(t *testing.T) {
	t.Run("exact host", func(t *testing.T) {
		s := New([]string{"Example.org"})
		assert.True(t, s.Allows("http://example.org/a"))
		assert.False(t, s.Allows("http://sub.example.org/a"))
	})

	t.Run("wildcard suffix", func(t *testing.T) {
		s := New([]string{"*.wikipedia.org", ".uci.edu"})
		cases := []struct {
			url     string
			allowed bool
		}{
			{"http://en.wikipedia.org/wiki/Bing", true},
			{"http://wikipedia.org/", true},
			{"http://www.ics.uci.edu/~lopes/", true},
			{"http://notwikipedia.org/", false},
			{"http://example.com/", false},
		}
		for _, tc := range cases {
			assert.Equal(t, tc.allowed, s.Allows(tc.url), tc.url)
		}
	})

	t.Run("url prefix", func(t *testing.T) {
		s := New([]string{"http://www.ics.uci.edu/", "http://www.cnn.com/"})
		assert.True(t, s.Allows("http://www.cnn.com/POLITICS/"))
		assert.False(t, s.Allows("https://www.cnn.com/POLITICS/"))
		assert.False(t, s.Allows("http://edition.cnn.com/"))
		assert.True(t, s.AllowsHost("anything.test"), "prefixes never restrict bare hosts")
	})

	t.Run("empty", func(t *testing.T) {
		assert.Nil(t, New([]string{" ", "*."}))
		var s *Scope
		assert.True(t, s.Allows("http://anything.test/"))
		assert.True(t, s.AllowsHost("anything.test"))
	})
}
