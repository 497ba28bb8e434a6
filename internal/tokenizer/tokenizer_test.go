package tokenizer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	enc := NewEncoding("cl100k_base")

	cases := []struct {
		name string
		text string
		want []int
	}{
		{name: "empty", text: "", want: []int{}},
		{name: "whitespace only", text: "  ", want: []int{}},
		{name: "single word", text: "ab", want: []int{195}},
		{name: "two words", text: "ab cd", want: []int{195, 199}},
		{name: "order preserved", text: "cd ab", want: []int{199, 195}},
		{name: "mixed whitespace", text: "\tab\n\ncd  ", want: []int{195, 199}},
		{name: "ascii separators", text: "a\x1fb c\x1cd", want: []int{'a', 'b', 'c', 'd'}},
		{name: "no-break space", text: "ab\u00a0cd", want: []int{195, 199}},
		{name: "non ascii", text: "é ñ", want: []int{0xe9, 0xf1}},
		{name: "punctuation kept in word", text: "poder,", want: []int{'p' + 'o' + 'd' + 'e' + 'r' + ','}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := enc.Encode(tc.text)
			require.NotNil(t, got)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEncodeDeterministic(t *testing.T) {
	text := "El conocimiento es poder, pero la sabiduría es libertad."
	first := NewEncoding("a").Encode(text)
	second := NewEncoding("b").Encode(text)

	assert.Equal(t, first, second)
	assert.Len(t, first, 9)
	assert.Equal(t, NewEncoding("a").Count(text), len(first))
}

func TestChecksum(t *testing.T) {
	assert.Equal(t, 0, Checksum(""))
	assert.Equal(t, 97, Checksum("a"))
	assert.Equal(t, 0x4e16+0x754c, Checksum("世界"))
	assert.Equal(t, 0xfffd, Checksum("\xff"))
}

func TestEncodeWords(t *testing.T) {
	text := " ab  cd\n"
	words := NewEncoding("x").EncodeWords(text)

	require.Len(t, words, 2)
	assert.Equal(t, Token{ID: 195, Word: "ab", Start: 1, End: 3}, words[0])
	assert.Equal(t, Token{ID: 199, Word: "cd", Start: 5, End: 7}, words[1])
	for i, w := range words {
		assert.Equal(t, w.Word, text[w.Start:w.End])
		assert.Equal(t, NewEncoding("x").Encode(text)[i], w.ID)
	}

	assert.Empty(t, NewEncoding("x").EncodeWords("   "))

	sep := NewEncoding("x").EncodeWords("ab\x1ecd")
	require.Len(t, sep, 2)
	assert.Equal(t, Token{ID: 199, Word: "cd", Start: 3, End: 5}, sep[1])
}

func TestRegistryLenient(t *testing.T) {
	r := NewRegistry()

	enc, err := r.GetEncoding("anything-goes")
	require.NoError(t, err)
	assert.Equal(t, "anything-goes", enc.(Encoding).Name())
	assert.Equal(t, []int{195}, enc.Encode("ab"))

	enc, err = r.GetEncoding("")
	require.NoError(t, err)
	assert.Equal(t, "", enc.(Encoding).Name())
}

func TestRegistryStrict(t *testing.T) {
	r := NewRegistry(WithKnownEncodings("o200k_base", " cl100k_base ", ""), WithStrict(true))

	assert.Equal(t, []string{"cl100k_base", "o200k_base"}, r.Names())

	_, err := r.GetEncoding("cl100k_base")
	require.NoError(t, err)

	_, err = r.GetEncoding("p50k_base")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownEncoding))
}

func TestProviderFunc(t *testing.T) {
	var requested string
	p := ProviderFunc(func(name string) (Encoder, error) {
		requested = name
		return NewEncoding(name), nil
	})

	enc, err := p.GetEncoding("custom")
	require.NoError(t, err)
	assert.Equal(t, "custom", requested)
	assert.Equal(t, []int{199}, enc.Encode("cd"))
}

func TestEncodingForModel(t *testing.T) {
	cases := map[string]string{
		"gpt-4o-mini":            "o200k_base",
		"o3-mini":                "o200k_base",
		"GPT-4":                  "cl100k_base",
		"gpt-3.5-turbo":          "cl100k_base",
		"text-embedding-3-small": "cl100k_base",
		"text-davinci-003":       "p50k_base",
		"davinci":                "r50k_base",
		"claude-3-5-sonnet":      "fallback",
		"":                       "fallback",
	}
	for model, want := range cases {
		assert.Equal(t, want, EncodingForModel(model, "fallback"), model)
	}
}

func TestTiktokenProvider(t *testing.T) {
	p := NewTiktokenProvider()

	enc, err := p.GetEncoding("cl100k_base")
	require.NoError(t, err)
	assert.NotEmpty(t, enc.Encode("hello world"))
	assert.Equal(t, enc.Encode("hello world"), enc.Encode("hello world"))
	assert.Empty(t, enc.Encode(""))

	_, err = p.GetEncoding("not-an-encoding")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownEncoding))
}
