package transform

import (
	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/sseutil"
)

// RequestTransform rewrites a request body from one format to another.
// Parse failures yield an empty but structurally valid target payload; the
// pipeline never aborts on them.
type RequestTransform func(body []byte) ([]byte, error)

// StreamState carries cross-chunk bookkeeping for one streaming response.
// It lives on a single request's goroutine and is never shared.
type StreamState struct {
	MessageID string
	Model     string

	BlockIndex   int
	BlockKind    string // "", "text", "thinking", "tool_use"
	HasToolCall  bool
	EmittedStart bool
	EmittedStop  bool

	StopReason string
	Usage      *gateway.TokenUsage

	// toolIDs maps upstream tool-call indexes to their emitted ids.
	toolIDs map[int]string

	// inner is the chained state for composed stream transforms.
	inner *StreamState
}

// SetUsage records usage from the first event that carries it.
func (st *StreamState) SetUsage(u *gateway.TokenUsage) {
	if st.Usage == nil && u != nil {
		st.Usage = u
	}
}

func (st *StreamState) toolID(index int) (string, bool) {
	id, ok := st.toolIDs[index]
	return id, ok
}

func (st *StreamState) setToolID(index int, id string) {
	if st.toolIDs == nil {
		st.toolIDs = make(map[int]string)
	}
	st.toolIDs[index] = id
}

// StreamTransform converts one upstream SSE event into zero or more fully
// formatted SSE bytes for the client. The final upstream event must flush
// exactly one terminal sentinel.
type StreamTransform func(ev sseutil.Event, st *StreamState) ([]byte, error)

// ResponseTransform rewrites a complete non-streaming response body.
type ResponseTransform func(body []byte) ([]byte, error)

// Transformer bundles the conversions for one (from, to) pair. Nil members
// mean passthrough.
type Transformer struct {
	Request   RequestTransform
	Stream    StreamTransform
	NonStream ResponseTransform
}

type pair struct {
	from, to gateway.Format
}

// Registry maps (fromFormat, toFormat) to transformers. Registration is
// static at construction; lookups are read-only afterwards.
type Registry struct {
	transformers map[pair]*Transformer
}

// NewRegistry returns a Registry with every supported conversion registered.
func NewRegistry() *Registry {
	r := &Registry{transformers: make(map[pair]*Transformer)}

	// Requests run client format -> provider format; stream/non-stream
	// responses run the other way, back toward the client format named by
	// the pair's "from" side.
	r.register(gateway.FormatOpenAI, gateway.FormatClaude, &Transformer{
		Request:   OpenAIToClaudeRequest,
		Stream:    ClaudeToOpenAIStream,
		NonStream: ClaudeToOpenAIResponse,
	})
	r.register(gateway.FormatClaude, gateway.FormatOpenAI, &Transformer{
		Request:   ClaudeToOpenAIRequest,
		Stream:    OpenAIToClaudeStream,
		NonStream: OpenAIToClaudeResponse,
	})
	r.register(gateway.FormatGeminiCLI, gateway.FormatOpenAI, &Transformer{
		Request:   GeminiCLIToOpenAIRequest,
		Stream:    OpenAIToGeminiCLIStream,
		NonStream: OpenAIToGeminiCLIResponse,
	})
	r.register(gateway.FormatOpenAI, gateway.FormatCodex, &Transformer{
		Request:   OpenAIToCodexRequest,
		Stream:    CodexToOpenAIStream,
		NonStream: CodexToOpenAIResponse,
	})

	// Composed: claude client over a codex provider rides through openai.
	r.register(gateway.FormatClaude, gateway.FormatCodex, &Transformer{
		Request:   composeRequest(ClaudeToOpenAIRequest, OpenAIToCodexRequest),
		Stream:    composeStream(CodexToOpenAIStream, OpenAIToClaudeStream),
		NonStream: composeResponse(CodexToOpenAIResponse, OpenAIToClaudeResponse),
	})

	// Gemini-cli client over claude or codex providers, via openai.
	r.register(gateway.FormatGeminiCLI, gateway.FormatClaude, &Transformer{
		Request:   composeRequest(GeminiCLIToOpenAIRequest, OpenAIToClaudeRequest),
		Stream:    composeStream(ClaudeToOpenAIStream, OpenAIToGeminiCLIStream),
		NonStream: composeResponse(ClaudeToOpenAIResponse, OpenAIToGeminiCLIResponse),
	})
	r.register(gateway.FormatGeminiCLI, gateway.FormatCodex, &Transformer{
		Request:   composeRequest(GeminiCLIToOpenAIRequest, OpenAIToCodexRequest),
		Stream:    composeStream(CodexToOpenAIStream, OpenAIToGeminiCLIStream),
		NonStream: composeResponse(CodexToOpenAIResponse, OpenAIToGeminiCLIResponse),
	})

	return r
}

func (r *Registry) register(from, to gateway.Format, t *Transformer) {
	r.transformers[pair{from, to}] = t
}

// Lookup returns the transformer for (from, to), or nil for passthrough.
func (r *Registry) Lookup(from, to gateway.Format) *Transformer {
	if from == to {
		return nil
	}
	return r.transformers[pair{from, to}]
}

// composeRequest chains two request transforms through the intermediate
// format.
func composeRequest(a, b RequestTransform) RequestTransform {
	return func(body []byte) ([]byte, error) {
		mid, err := a(body)
		if err != nil {
			return nil, err
		}
		return b(mid)
	}
}

// composeResponse chains two response transforms (provider side first).
func composeResponse(a, b ResponseTransform) ResponseTransform {
	return func(body []byte) ([]byte, error) {
		mid, err := a(body)
		if err != nil {
			return nil, err
		}
		return b(mid)
	}
}

// composeStream feeds a's output events through b. a must emit openai-style
// SSE ("data: {...}" frames and a [DONE] sentinel), which is re-parsed into
// events for b. The outer state owns an inner state for b.
func composeStream(a, b StreamTransform) StreamTransform {
	return func(ev sseutil.Event, st *StreamState) ([]byte, error) {
		if st.inner == nil {
			st.inner = &StreamState{}
		}
		midBytes, err := a(ev, st)
		if err != nil {
			return nil, err
		}
		var out []byte
		perr := forEachEvent(midBytes, func(mid sseutil.Event) error {
			chunk, err := b(mid, st.inner)
			if err != nil {
				return err
			}
			out = append(out, chunk...)
			return nil
		})
		if perr != nil {
			return nil, perr
		}
		// Surface usage discovered by either stage.
		if st.Usage == nil && st.inner.Usage != nil {
			st.Usage = st.inner.Usage
		} else if st.inner.Usage == nil && st.Usage != nil {
			st.inner.SetUsage(st.Usage)
		}
		return out, nil
	}
}

// forEachEvent re-parses rendered SSE bytes back into events.
func forEachEvent(raw []byte, fn func(sseutil.Event) error) error {
	if len(raw) == 0 {
		return nil
	}
	return sseutil.EventsFromBytes(raw, fn)
}
