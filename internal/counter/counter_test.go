package counter

import (
	"errors"
	"testing"

	"github.com/mylxsw/checksum-tokenizer/internal/config"
	"github.com/mylxsw/checksum-tokenizer/internal/tokenizer"
)

func TestCountChatCompletions(t *testing.T) {
	c := New(tokenizer.NewRegistry(), "")

	body := []byte(`{
		"model": "gpt-4o",
		"messages": [
			{"role": "system", "content": "you are helpful"},
			{"role": "user", "content": [
				{"type": "text", "text": "hello there"},
				{"type": "image_url", "image_url": {"url": "data:image/png;base64,abc"}}
			]}
		]
	}`)

	res, err := c.Count(RequestTypeChatCompletions, body)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	// roles: system, user; content: 3 + 2 words
	if res.TokenCount != 7 {
		t.Fatalf("expected 7 tokens, got %d", res.TokenCount)
	}
	if res.Encoding != "o200k_base" {
		t.Fatalf("expected o200k_base, got %s", res.Encoding)
	}
	if res.Model != "gpt-4o" {
		t.Fatalf("unexpected model %s", res.Model)
	}
}

func TestCountResponses(t *testing.T) {
	c := New(tokenizer.NewRegistry(), "cl100k_base")

	body := []byte(`{
		"model": "custom-model",
		"instructions": "be brief",
		"input": [
			"first line",
			{"role": "user", "content": [{"type": "input_text", "text": "one two three"}]}
		]
	}`)

	res, err := c.Count(RequestTypeResponses, body)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if res.TokenCount != 7 {
		t.Fatalf("expected 7 tokens, got %d", res.TokenCount)
	}
	if res.Encoding != "cl100k_base" {
		t.Fatalf("expected fallback encoding, got %s", res.Encoding)
	}
}

func TestCountAnthropicMessages(t *testing.T) {
	c := New(tokenizer.NewRegistry(), "")

	body := []byte(`{
		"model": "claude-3-5-sonnet",
		"system": [{"type": "text", "text": "stay on topic"}],
		"messages": [
			{"role": "user", "content": "what is a golem"},
			{"role": "assistant", "content": [{"type": "text", "text": "a clay construct"}]}
		]
	}`)

	res, err := c.Count(RequestTypeAnthropicMessages, body)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if res.TokenCount != 10 {
		t.Fatalf("expected 10 tokens, got %d", res.TokenCount)
	}
	if res.Words != 10 {
		t.Fatalf("expected 10 words, got %d", res.Words)
	}
}

func TestCountWordsIndependentOfTokens(t *testing.T) {
	// one token per byte, so tokens and words diverge
	perByte := tokenizer.ProviderFunc(func(string) (tokenizer.Encoder, error) {
		return byteEncoder{}, nil
	})
	c := New(perByte, "")

	res, err := c.Count(RequestTypeChatCompletions, []byte(`{"prompt":"ab\u001fcd ef"}`))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if res.TokenCount != 8 || res.Words != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

type byteEncoder struct{}

func (byteEncoder) Encode(text string) []int {
	ids := make([]int, len(text))
	for i := range ids {
		ids[i] = int(text[i])
	}
	return ids
}

func TestEncodingForModelFallback(t *testing.T) {
	strict := tokenizer.NewRegistry(tokenizer.WithKnownEncodings("cl100k_base", "o200k_base"), tokenizer.WithStrict(true))
	c := New(strict, "cl100k_base")

	name, _, err := c.EncodingForModel("gpt-4o")
	if err != nil || name != "o200k_base" {
		t.Fatalf("expected o200k_base, got %s (%v)", name, err)
	}
	name, _, err = c.EncodingForModel("davinci")
	if err != nil || name != "cl100k_base" {
		t.Fatalf("expected fallback to cl100k_base, got %s (%v)", name, err)
	}
}

func TestCountFallsBackToDefaultEncoding(t *testing.T) {
	strict := tokenizer.NewRegistry(tokenizer.WithKnownEncodings("cl100k_base"), tokenizer.WithStrict(true))
	c := New(strict, "cl100k_base")

	res, err := c.Count(RequestTypeChatCompletions, []byte(`{"model":"gpt-4o","prompt":"a b"}`))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if res.Encoding != "cl100k_base" || res.TokenCount != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestCountUnknownDefaultEncoding(t *testing.T) {
	strict := tokenizer.NewRegistry(tokenizer.WithStrict(true))
	c := New(strict, "cl100k_base")

	_, err := c.Count(RequestTypeChatCompletions, []byte(`{"prompt":"a"}`))
	if !errors.Is(err, tokenizer.ErrUnknownEncoding) {
		t.Fatalf("expected ErrUnknownEncoding, got %v", err)
	}
}

func TestRulesClassify(t *testing.T) {
	rules, err := CompileRules([]config.RuleConfig{
		{Expression: `TokenCount > 100`, Label: "large"},
		{Expression: `Model startsWith "gpt-4" && Encoding == "o200k_base"`, Label: "omni"},
		{Expression: `TokenCount > 0`, Label: "small"},
	})
	if err != nil {
		t.Fatalf("compile rules: %v", err)
	}
	if rules.Len() != 3 {
		t.Fatalf("expected 3 rules, got %d", rules.Len())
	}

	cases := []struct {
		env  EvalEnv
		want string
	}{
		{EvalEnv{TokenCount: 500, Model: "gpt-4o", Encoding: "o200k_base"}, "large"},
		{EvalEnv{TokenCount: 5, Model: "gpt-4o", Encoding: "o200k_base"}, "omni"},
		{EvalEnv{TokenCount: 5, Model: "gpt-3.5-turbo", Encoding: "cl100k_base"}, "small"},
		{EvalEnv{}, ""},
	}
	for _, tc := range cases {
		if got := rules.Classify(tc.env); got != tc.want {
			t.Fatalf("classify %+v: expected %q, got %q", tc.env, tc.want, got)
		}
	}

	var nilRules *Rules
	if got := nilRules.Classify(EvalEnv{TokenCount: 1}); got != "" {
		t.Fatalf("expected empty label from nil rules, got %q", got)
	}
}

func TestCompileRulesRejectsInvalidExpression(t *testing.T) {
	if _, err := CompileRules([]config.RuleConfig{{Expression: `TokenCount +`, Label: "x"}}); err == nil {
		t.Fatalf("expected compile error")
	}
	if _, err := CompileRules([]config.RuleConfig{{Expression: `TokenCount + 1`, Label: "x"}}); err == nil {
		t.Fatalf("expected error for non bool rule")
	}
	if _, err := CompileRules([]config.RuleConfig{{Expression: `Unknown > 1`, Label: "x"}}); err == nil {
		t.Fatalf("expected error for unknown variable")
	}
}
