package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "bare json",
			in:   `[{"name":"MIT"}]`,
			want: `[{"name":"MIT"}]`,
		},
		{
			name: "json fence",
			in:   "```json\n[{\"name\":\"MIT\"}]\n```",
			want: `[{"name":"MIT"}]`,
		},
		{
			name: "plain fence",
			in:   "```\n[{\"name\":\"MIT\"}]\n```",
			want: `[{"name":"MIT"}]`,
		},
		{
			name: "surrounding whitespace",
			in:   "  \n[{\"name\":\"MIT\"}]\n  ",
			want: `[{"name":"MIT"}]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractJSON(tt.in))
		})
	}
}

func TestParseInstitutions(t *testing.T) {
	t.Run("valid array", func(t *testing.T) {
		raw := "```json\n" + `[
			{"name": "Tufts University", "major": "biology", "acceptance_rate": 0.11, "sat_25th": 1420, "state": "MA"},
			{"name": "Northeastern University", "acceptance_rate": 0.07}
		]` + "\n```"

		got, err := parseInstitutions(raw)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "Tufts University", got[0].Name)
		assert.Equal(t, "biology", got[0].Major)
		require.NotNil(t, got[0].AcceptanceRate)
		assert.InDelta(t, 0.11, *got[0].AcceptanceRate, 1e-9)
		require.NotNil(t, got[0].SAT25th)
		assert.Equal(t, 1420, *got[0].SAT25th)
		assert.Nil(t, got[1].SAT25th)
	})

	t.Run("nameless entries dropped", func(t *testing.T) {
		got, err := parseInstitutions(`[{"name": "Real College"}, {"name": "  "}, {"acceptance_rate": 0.5}]`)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "Real College", got[0].Name)
	})

	t.Run("all entries nameless", func(t *testing.T) {
		_, err := parseInstitutions(`[{"acceptance_rate": 0.5}]`)
		assert.ErrorIs(t, err, ErrEmpty)
	})

	t.Run("empty response", func(t *testing.T) {
		_, err := parseInstitutions("")
		assert.ErrorIs(t, err, ErrEmpty)
	})

	t.Run("prose instead of json", func(t *testing.T) {
		_, err := parseInstitutions("I could not find any matching institutions.")
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrEmpty)
	})

	t.Run("empty array", func(t *testing.T) {
		_, err := parseInstitutions("[]")
		assert.ErrorIs(t, err, ErrEmpty)
	})
}
