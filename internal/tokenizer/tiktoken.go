package tokenizer

import (
	"fmt"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

var loaderOnce sync.Once

// TiktokenProvider serves real BPE encodings from tiktoken-go using the
// embedded offline vocabularies.
type TiktokenProvider struct {
	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
}

var _ Provider = (*TiktokenProvider)(nil)

func NewTiktokenProvider() *TiktokenProvider {
	loaderOnce.Do(func() {
		// avoid downloading dictionaries at runtime
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	return &TiktokenProvider{encoders: make(map[string]*tiktoken.Tiktoken)}
}

func (p *TiktokenProvider) GetEncoding(name string) (Encoder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if enc, ok := p.encoders[name]; ok {
		return tiktokenEncoder{enc: enc}, nil
	}

	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrUnknownEncoding, name, err)
	}
	p.encoders[name] = enc
	return tiktokenEncoder{enc: enc}, nil
}

type tiktokenEncoder struct {
	enc *tiktoken.Tiktoken
}

func (t tiktokenEncoder) Encode(text string) []int {
	tokens := t.enc.Encode(text, nil, nil)
	if tokens == nil {
		return []int{}
	}
	return tokens
}
