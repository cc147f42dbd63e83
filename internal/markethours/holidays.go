package markethours

import "time"

// US equity options holidays, 2024 through 2026.
// Source: NYSE/Cboe holiday calendars.
var fullHolidays = []string{
	"2024-01-01", // New Year's Day
	"2024-01-15", // Martin Luther King Jr. Day
	"2024-02-19", // Washington's Birthday
	"2024-03-29", // Good Friday
	"2024-05-27", // Memorial Day
	"2024-06-19", // Juneteenth
	"2024-07-04", // Independence Day
	"2024-09-02", // Labor Day
	"2024-11-28", // Thanksgiving
	"2024-12-25", // Christmas

	"2025-01-01",
	"2025-01-09", // National Day of Mourning
	"2025-01-20",
	"2025-02-17",
	"2025-04-18",
	"2025-05-26",
	"2025-06-19",
	"2025-07-04",
	"2025-09-01",
	"2025-11-27",
	"2025-12-25",

	"2026-01-01",
	"2026-01-19",
	"2026-02-16",
	"2026-04-03",
	"2026-05-25",
	"2026-06-19",
	"2026-07-03", // Independence Day (observed)
	"2026-09-07",
	"2026-11-26",
	"2026-12-25",
}

// Sessions that close at 1:00 PM ET.
var earlyCloses = []string{
	"2024-07-03",
	"2024-11-29",
	"2024-12-24",
	"2025-07-03",
	"2025-11-28",
	"2025-12-24",
	"2026-11-27",
	"2026-12-24",
}

var (
	holidaySet    map[string]bool
	earlyCloseSet map[string]bool
)

func init() {
	holidaySet = make(map[string]bool, len(fullHolidays))
	for _, d := range fullHolidays {
		holidaySet[d] = true
	}
	earlyCloseSet = make(map[string]bool, len(earlyCloses))
	for _, d := range earlyCloses {
		earlyCloseSet[d] = true
	}
}

// IsHoliday returns true if the date (in ET) is a full market holiday.
func IsHoliday(t time.Time) bool {
	return holidaySet[dateKey(t)]
}

// IsEarlyClose returns true if the date (in ET) is a 1:00 PM close.
func IsEarlyClose(t time.Time) bool {
	return earlyCloseSet[dateKey(t)]
}

func dateKey(t time.Time) string {
	return t.In(ET).Format("2006-01-02")
}
