package counter

import (
	"fmt"

	"github.com/mylxsw/asteria/log"
	"github.com/tidwall/gjson"

	"github.com/mylxsw/checksum-tokenizer/internal/tokenizer"
)

type RequestType int

const (
	RequestTypeChatCompletions RequestType = iota
	RequestTypeResponses
	RequestTypeAnthropicMessages
)

func (t RequestType) String() string {
	switch t {
	case RequestTypeChatCompletions:
		return "chat_completions"
	case RequestTypeResponses:
		return "responses"
	case RequestTypeAnthropicMessages:
		return "anthropic_messages"
	default:
		return fmt.Sprintf("request_type(%d)", int(t))
	}
}

// Result is the outcome of counting one request payload.
type Result struct {
	Model      string `json:"model"`
	Encoding   string `json:"encoding"`
	TokenCount int    `json:"token_count"`
	Words      int    `json:"words"`
}

// Counter counts prompt tokens in OpenAI and Anthropic style request bodies.
type Counter struct {
	provider        tokenizer.Provider
	defaultEncoding string
}

func New(provider tokenizer.Provider, defaultEncoding string) *Counter {
	if defaultEncoding == "" {
		defaultEncoding = tokenizer.DefaultEncoding
	}
	return &Counter{provider: provider, defaultEncoding: defaultEncoding}
}

// EncodingForModel resolves the encoder for model. When the provider rejects
// the model's encoding the default encoding is used instead.
func (c *Counter) EncodingForModel(model string) (string, tokenizer.Encoder, error) {
	name := tokenizer.EncodingForModel(model, c.defaultEncoding)

	enc, err := c.provider.GetEncoding(name)
	if err != nil && name != c.defaultEncoding {
		log.Debugf("encoding %s for model %s unavailable, fallback to %s: %v", name, model, c.defaultEncoding, err)
		name = c.defaultEncoding
		enc, err = c.provider.GetEncoding(name)
	}
	if err != nil {
		return "", nil, fmt.Errorf("get encoding %s: %w", name, err)
	}
	return name, enc, nil
}

// Count picks the encoding for the body's model and sums the tokens of every
// text field the provider would bill for.
func (c *Counter) Count(reqType RequestType, body []byte) (Result, error) {
	model := gjson.GetBytes(body, "model").String()
	name, enc, err := c.EncodingForModel(model)
	if err != nil {
		return Result{}, err
	}

	t := &tally{enc: enc}
	switch reqType {
	case RequestTypeChatCompletions:
		t.chat(body)
	case RequestTypeResponses:
		t.responses(body)
	case RequestTypeAnthropicMessages:
		t.anthropic(body)
	default:
		return Result{}, fmt.Errorf("unsupported request type %s", reqType)
	}
	return Result{Model: model, Encoding: name, TokenCount: t.tokens, Words: t.words}, nil
}

// tally accumulates tokens and words over the text fields of one payload.
type tally struct {
	enc    tokenizer.Encoder
	tokens int
	words  int
}

func (t *tally) chat(body []byte) {
	gjson.GetBytes(body, "messages").ForEach(func(_, value gjson.Result) bool {
		if role := value.Get("role"); role.Exists() {
			t.add(role.String())
		}
		t.content(value.Get("content"))
		return true
	})
	if system := gjson.GetBytes(body, "system"); system.Exists() {
		t.add(system.String())
	}
	if prompt := gjson.GetBytes(body, "prompt"); prompt.Exists() {
		t.add(prompt.String())
	}
}

func (t *tally) responses(body []byte) {
	input := gjson.GetBytes(body, "input")
	if input.Exists() {
		if input.IsArray() {
			input.ForEach(func(_, value gjson.Result) bool {
				if value.IsObject() {
					t.content(value.Get("content"))
				} else {
					t.add(value.String())
				}
				return true
			})
		} else {
			t.add(input.String())
		}
	}
	if instructions := gjson.GetBytes(body, "instructions"); instructions.Exists() {
		t.add(instructions.String())
	}
	t.chat(body)
}

func (t *tally) anthropic(body []byte) {
	gjson.GetBytes(body, "messages").ForEach(func(_, value gjson.Result) bool {
		t.content(value.Get("content"))
		return true
	})
	system := gjson.GetBytes(body, "system")
	if system.IsArray() {
		t.content(system)
	} else if system.Exists() {
		t.add(system.String())
	}
}

// content handles both plain string content and arrays of typed parts,
// of which only text parts are counted.
func (t *tally) content(content gjson.Result) {
	if !content.Exists() {
		return
	}
	if !content.IsArray() {
		t.add(content.String())
		return
	}
	content.ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "text", "input_text", "output_text":
			t.add(item.Get("text").String())
		}
		return true
	})
}

func (t *tally) add(text string) {
	if text == "" {
		return
	}
	t.tokens += len(t.enc.Encode(text))
	t.words += len(tokenizer.Fields(text))
}
