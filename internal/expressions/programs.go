package expressions

import (
	"sync"

	"github.com/rendis/reentry/pkg/schema"
)

// programs memoizes compiled expressions by source text. It is safe for
// concurrent use; the zero value is ready.
type programs[P any] struct {
	mu       sync.RWMutex
	compiled map[string]P
}

func (c *programs[P]) get(src string, compile func(string) (P, error)) (P, error) {
	c.mu.RLock()
	p, ok := c.compiled[src]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.compiled[src]; ok {
		return p, nil
	}
	p, err := compile(src)
	if err != nil {
		return p, err
	}
	if c.compiled == nil {
		c.compiled = make(map[string]P)
	}
	c.compiled[src] = p
	return p, nil
}

func (c *programs[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.compiled)
}

func emptyExpression(lang string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", lang)
}

// compileError reports a malformed expression. These are workflow bugs.
func compileError(lang, src string, err error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s: cannot compile %q: %s", lang, src, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": src, "language": lang})
}

// evalError reports a well-formed expression that failed on its inputs.
func evalError(lang, src string, err error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeExpression, "%s: evaluating %q: %s", lang, src, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": src, "language": lang})
}
