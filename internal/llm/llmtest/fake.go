// Package llmtest provides a scripted llm.Client for tests. Responses are
// handed out in order, one per call, so a test can stage an entire
// multi-turn exchange up front and assert on the recorded prompts after.
package llmtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/haricheung/deskpilot/internal/llm"
)

// Call records one completion request.
type Call struct {
	System string
	User   string
	Image  []byte // nil for text-only calls
}

// Fake is a scripted llm.Client. Safe for concurrent use.
type Fake struct {
	mu        sync.Mutex
	responses []string
	errAt     map[int]error
	calls     []Call
}

var _ llm.Client = (*Fake)(nil)

// New returns a Fake that answers each call with the next response in order.
func New(responses ...string) *Fake {
	return &Fake{responses: responses, errAt: make(map[int]error)}
}

// FailAt makes the i-th call (0-based) return err instead of a response.
func (f *Fake) FailAt(i int, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errAt[i] = err
	return f
}

// Complete pops the next scripted response.
func (f *Fake) Complete(ctx context.Context, system, user string) (string, llm.Usage, error) {
	return f.next(ctx, Call{System: system, User: user})
}

// CompleteVision pops the next scripted response and records the image.
func (f *Fake) CompleteVision(ctx context.Context, system, user string, imageJPEG []byte) (string, llm.Usage, error) {
	return f.next(ctx, Call{System: system, User: user, Image: imageJPEG})
}

func (f *Fake) next(ctx context.Context, call Call) (string, llm.Usage, error) {
	if err := ctx.Err(); err != nil {
		return "", llm.Usage{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.calls)
	f.calls = append(f.calls, call)
	if err, ok := f.errAt[i]; ok {
		return "", llm.Usage{}, err
	}
	if i >= len(f.responses) {
		return "", llm.Usage{}, fmt.Errorf("llmtest: no scripted response for call %d", i)
	}
	return f.responses[i], llm.Usage{PromptTokens: len(call.User), CompletionTokens: len(f.responses[i])}, nil
}

// Calls returns a copy of every recorded request, in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount returns how many completions have been requested.
func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}
