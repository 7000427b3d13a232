package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeepCursorRoundTrip(t *testing.T) {
	for _, offset := range []int{0, 20, 60, 4980} {
		cursor := DeepCursor(offset)
		got, ok := ParseDeepCursor(cursor)
		assert.True(t, ok, cursor)
		assert.Equal(t, offset, got)
	}
}

func TestParseDeepCursor_Rejects(t *testing.T) {
	cases := []struct {
		name   string
		cursor string
	}{
		{"empty", ""},
		{"no prefix", "60"},
		{"wrong prefix", "page:60"},
		{"not a number", "deep:sixty"},
		{"negative", "deep:-1"},
		{"trailing junk", "deep:60x"},
		{"terminal provider", CursorProviderLimit},
		{"terminal plan", CursorPlanLimit},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, ok := ParseDeepCursor(tc.cursor)
			assert.False(t, ok)
		})
	}
}

func TestIsTerminalCursor(t *testing.T) {
	assert.True(t, IsTerminalCursor(CursorProviderLimit))
	assert.True(t, IsTerminalCursor(CursorPlanLimit))

	assert.False(t, IsTerminalCursor(""))
	assert.False(t, IsTerminalCursor("deep:60"))
	assert.False(t, IsTerminalCursor("end:"))
	assert.False(t, IsTerminalCursor("end:other"))
}
