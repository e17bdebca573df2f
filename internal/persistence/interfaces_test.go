package persistence

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeRange_Validation(t *testing.T) {
	tests := []struct {
		name  string
		tr    TimeRange
		valid bool
	}{
		{
			name: "valid_range",
			tr: TimeRange{
				From: time.Date(2025, 9, 7, 10, 0, 0, 0, time.UTC),
				To:   time.Date(2025, 9, 7, 11, 0, 0, 0, time.UTC),
			},
			valid: true,
		},
		{
			name: "same_time",
			tr: TimeRange{
				From: time.Date(2025, 9, 7, 10, 0, 0, 0, time.UTC),
				To:   time.Date(2025, 9, 7, 10, 0, 0, 0, time.UTC),
			},
			valid: true,
		},
		{
			name:  "zero_times",
			tr:    TimeRange{},
			valid: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotNil(t, tt.tr)
			if tt.valid {
				assert.True(t, tt.tr.To.After(tt.tr.From) || tt.tr.To.Equal(tt.tr.From))
			}
		})
	}
}

func TestMessageRecord_HeadersSurviveRoundtrip(t *testing.T) {
	m := MessageRecord{
		ID:          "m1",
		Topic:       "orders.created",
		PayloadJSON: []byte(`{"amount":10}`),
		PublisherID: "svc-a",
		CreatedAt:   time.Now(),
		Headers:     map[string]string{"trace": "abc"},
	}
	raw, err := json.Marshal(m)
	assert.NoError(t, err)
	var back MessageRecord
	assert.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, "abc", back.Headers["trace"])
}
