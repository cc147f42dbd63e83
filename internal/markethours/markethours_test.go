package markethours

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func utc(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.UTC)
}

func TestIsMarketOpen(t *testing.T) {
	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"winter mid-session", utc(2024, 1, 10, 15, 0), true},
		{"one minute before open", utc(2024, 1, 10, 14, 29), false},
		{"at open", utc(2024, 1, 10, 14, 30), true},
		{"at close", utc(2024, 1, 10, 21, 0), false},
		{"summer open under daylight time", utc(2024, 7, 10, 13, 30), true},
		{"saturday", utc(2024, 1, 13, 15, 0), false},
		{"independence day", utc(2024, 7, 4, 15, 0), false},
		{"early close, before 1pm", utc(2024, 11, 29, 17, 59), true},
		{"early close, after 1pm", utc(2024, 11, 29, 18, 30), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsMarketOpen(tt.at))
		})
	}
}

func TestNextOpen(t *testing.T) {
	// Before today's open.
	assert.True(t, NextOpen(utc(2024, 1, 10, 12, 0)).Equal(utc(2024, 1, 10, 14, 30)))
	// Friday after close, over the weekend and MLK day.
	assert.True(t, NextOpen(utc(2024, 1, 12, 21, 0)).Equal(utc(2024, 1, 16, 14, 30)))
	assert.Equal(t, 2*time.Hour+30*time.Minute, TimeUntilOpen(utc(2024, 1, 10, 12, 0)))
}

func TestTimeUntilClose(t *testing.T) {
	assert.Equal(t, time.Hour, TimeUntilClose(utc(2024, 1, 10, 20, 0)))
	assert.Equal(t, time.Duration(0), TimeUntilClose(utc(2024, 1, 10, 22, 0)))
	assert.Equal(t, 30*time.Minute, TimeUntilClose(utc(2024, 12, 24, 17, 30)))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "Market Open, closes in 1h0m", StatusString(utc(2024, 1, 10, 20, 0)))
	assert.Equal(t, "Market Closed, opens Tue 09:30 ET (65h30m)", StatusString(utc(2024, 1, 13, 21, 0)))
}
