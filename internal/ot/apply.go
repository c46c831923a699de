package ot

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrInvalidOperation is the sentinel wrapped by every admission/validation
// failure surfaced to the originator.
var ErrInvalidOperation = errors.New("invalid operation")

// Validate checks an inbound op's shape and bounds against the current
// content length (in runes). It never mutates op or text.
func Validate(op *Op, contentLen int) error {
	if op == nil {
		return errors.Wrap(ErrInvalidOperation, "nil operation")
	}
	if op.Position < 0 {
		return errors.Wrapf(ErrInvalidOperation, "negative position %d", op.Position)
	}
	switch op.Kind {
	case KindInsert:
		if op.Content == nil || *op.Content == "" {
			return errors.Wrap(ErrInvalidOperation, "insert requires non-empty content")
		}
		if op.Position > contentLen {
			return errors.Wrapf(ErrInvalidOperation, "insert position %d exceeds content length %d", op.Position, contentLen)
		}
	case KindDelete:
		if op.Length == nil || *op.Length <= 0 {
			return errors.Wrap(ErrInvalidOperation, "delete requires positive length")
		}
		if op.Position+*op.Length > contentLen {
			return errors.Wrapf(ErrInvalidOperation, "delete range [%d,%d) exceeds content length %d", op.Position, op.Position+*op.Length, contentLen)
		}
	case KindReplace:
		if op.Content == nil {
			return errors.Wrap(ErrInvalidOperation, "replace requires content")
		}
		if op.Length == nil || *op.Length <= 0 {
			return errors.Wrap(ErrInvalidOperation, "replace requires positive length")
		}
		if op.Position+*op.Length > contentLen {
			return errors.Wrapf(ErrInvalidOperation, "replace range [%d,%d) exceeds content length %d", op.Position, op.Position+*op.Length, contentLen)
		}
	case KindRetain:
		// no-op carrier, always valid
	default:
		return errors.Wrapf(ErrInvalidOperation, "unknown operation kind %q", op.Kind)
	}
	return nil
}

// Apply returns the new text after applying op. retain and unknown kinds
// return text unchanged (unknown kinds also return a diagnostic error so
// the caller can log it; retain never errors).
func Apply(text string, op *Op) (string, error) {
	if op == nil || op.Kind == KindRetain {
		return text, nil
	}
	runes := []rune(text)
	switch op.Kind {
	case KindInsert:
		pos := clampPos(op.Position, len(runes))
		content := []rune(derefStr(op.Content))
		out := make([]rune, 0, len(runes)+len(content))
		out = append(out, runes[:pos]...)
		out = append(out, content...)
		out = append(out, runes[pos:]...)
		return string(out), nil
	case KindDelete:
		pos := clampPos(op.Position, len(runes))
		length := derefInt(op.Length)
		end := clampPos(pos+length, len(runes))
		out := make([]rune, 0, len(runes)-(end-pos))
		out = append(out, runes[:pos]...)
		out = append(out, runes[end:]...)
		return string(out), nil
	case KindReplace:
		pos := clampPos(op.Position, len(runes))
		length := derefInt(op.Length)
		end := clampPos(pos+length, len(runes))
		content := []rune(derefStr(op.Content))
		out := make([]rune, 0, len(runes)-(end-pos)+len(content))
		out = append(out, runes[:pos]...)
		out = append(out, content...)
		out = append(out, runes[end:]...)
		return string(out), nil
	default:
		return text, fmt.Errorf("apply: unknown operation kind %q, content unchanged", op.Kind)
	}
}

func clampPos(pos, max int) int {
	if pos < 0 {
		return 0
	}
	if pos > max {
		return max
	}
	return pos
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(n *int) int {
	if n == nil {
		return 0
	}
	return *n
}
