package settings

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestIsPath(t *testing.T) {
	for _, s := range []string{"/a", "/a/b/c", "/", "/a/b/"} {
		assert.Equal(t, IsPath(s), true)
	}
	for _, s := range []string{"", "a", "a/b", "//a/b", "/a//b"} {
		assert.Equal(t, IsPath(s), false)
	}
}

func TestIsKey(t *testing.T) {
	for _, s := range []string{"/a", "/a/b", "/a/b/c"} {
		assert.Equal(t, IsKey(s), true)
	}
	for _, s := range []string{"", "/", "a", "a/b", "//a/b", "/a//b", "/a/"} {
		assert.Equal(t, IsKey(s), false)
	}
}

func TestIsDir(t *testing.T) {
	for _, s := range []string{"/", "/a/", "/a/b/"} {
		assert.Equal(t, IsDir(s), true)
	}
	for _, s := range []string{"", "a/", "a/b/", "//a/b/", "/a//b/", "/a"} {
		assert.Equal(t, IsDir(s), false)
	}
}

func TestIsKeyIsDirDisjoint(t *testing.T) {
	samples := []string{"/a", "/a/b/c", "/", "/a/b/", "", "a", "//a", "/a//b"}
	for _, s := range samples {
		if IsKey(s) {
			assert.Equal(t, IsPath(s), true)
			assert.Equal(t, IsDir(s), false)
		}
		if IsDir(s) {
			assert.Equal(t, IsPath(s), true)
			assert.Equal(t, IsKey(s), false)
		}
	}
}
