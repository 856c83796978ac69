package lexical

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenizeBasic(t *testing.T) {
	assert.Equal(t, []string{"the", "quick", "brown", "fox"}, Tokenize("The Quick, Brown-Fox!"))
}

func TestTokenizeCJKEachCodepointOwnToken(t *testing.T) {
	tokens := Tokenize("你好world")
	assert.Equal(t, []string{"你", "好", "world"}, tokens)
}

func TestTokenizeEmpty(t *testing.T) {
	assert.Empty(t, Tokenize(""))
	assert.Empty(t, Tokenize("   ...  ---  "))
}
