package usecase

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPortugueseDate(t *testing.T) {
	require.Equal(t, "domingo, 1 de março de 2026", portugueseDate(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
}

func TestBuildSystemPrompt(t *testing.T) {
	got := buildSystemPrompt("  Be kind.\n", time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC))
	require.Equal(t, "Be kind.\n\nHoje é sábado, 17 de outubro de 2026.", got)
}
