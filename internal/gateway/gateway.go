package gateway

import (
	"context"
	"errors"
	"fmt"
)

// Messenger delivers notifications to a chat or channel.
type Messenger interface {
	Send(ctx context.Context, text string) error
}

// Fanout sends every message to all messengers. One failing messenger
// does not stop delivery to the others.
type Fanout []Messenger

func (f Fanout) Send(ctx context.Context, text string) error {
	var errs []error
	for i, m := range f {
		if err := m.Send(ctx, text); err != nil {
			errs = append(errs, fmt.Errorf("messenger %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// chunks splits text into pieces of at most limit runes, preferring line
// breaks.
func chunks(text string, limit int) []string {
	r := []rune(text)
	if len(r) <= limit {
		return []string{text}
	}
	var out []string
	for len(r) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if r[i] == '\n' {
				cut = i + 1
				break
			}
		}
		out = append(out, string(r[:cut]))
		r = r[cut:]
	}
	if len(r) > 0 {
		out = append(out, string(r))
	}
	return out
}
