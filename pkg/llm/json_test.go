package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     string
		wantErr  bool
	}{
		{
			name:     "bare object",
			response: `{"metric":"revenue"}`,
			want:     `{"metric":"revenue"}`,
		},
		{
			name:     "markdown fence",
			response: "```json\n{\"metric\":\"revenue\"}\n```",
			want:     `{"metric":"revenue"}`,
		},
		{
			name:     "think preamble",
			response: "<think>the user wants revenue</think>\n{\"metric\":\"revenue\"}",
			want:     `{"metric":"revenue"}`,
		},
		{
			name:     "prose around object",
			response: `Here is the plan: {"metric":"revenue","limit":1} hope that helps`,
			want:     `{"metric":"revenue","limit":1}`,
		},
		{
			name:     "nested braces in strings",
			response: `{"intent":"show {all} items","metric":"revenue"}`,
			want:     `{"intent":"show {all} items","metric":"revenue"}`,
		},
		{
			name:     "array",
			response: `[1,2,3]`,
			want:     `[1,2,3]`,
		},
		{
			name:     "no json",
			response: "I cannot answer that.",
			wantErr:  true,
		},
		{
			name:     "unbalanced",
			response: `{"metric":"revenue"`,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.response)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseJSONResponseStrict(t *testing.T) {
	type plan struct {
		Metric string `json:"metric"`
		Limit  int    `json:"limit"`
	}

	p, err := ParseJSONResponseStrict[plan](`{"metric":"revenue","limit":5}`)
	require.NoError(t, err)
	assert.Equal(t, "revenue", p.Metric)
	assert.Equal(t, 5, p.Limit)

	// Unknown keys are rejected.
	_, err = ParseJSONResponseStrict[plan](`{"metric":"revenue","surprise":true}`)
	assert.Error(t, err)
}

func TestClassifyError(t *testing.T) {
	e := ClassifyError(assert.AnError)
	assert.Equal(t, ErrorTypeUnknown, e.Type)
	assert.False(t, e.Retryable)
}
