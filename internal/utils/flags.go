package utils

import (
	"fmt"
	"math/bits"
	"strings"
)

// FlagStringMapping renders bit flags as a pipe-separated list of their registered names
type FlagStringMapping[T ~int32 | ~uint32] struct {
	names map[T]string
}

func NewFlagStringMapping[T ~int32 | ~uint32]() FlagStringMapping[T] {
	return FlagStringMapping[T]{names: make(map[T]string)}
}

func (m FlagStringMapping[T]) Register(flag T, name string) {
	m.names[flag] = name
}

func (m FlagStringMapping[T]) FlagsToString(flags T) string {
	if flags == 0 {
		return "None"
	}

	var sb strings.Builder
	remaining := uint32(flags)
	for remaining != 0 {
		bit := T(1) << bits.TrailingZeros32(remaining)
		remaining &^= uint32(bit)

		if sb.Len() > 0 {
			sb.WriteRune('|')
		}

		name, ok := m.names[bit]
		if !ok {
			name = fmt.Sprintf("0x%x", uint32(bit))
		}
		sb.WriteString(name)
	}

	return sb.String()
}
