package dostime_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/theanurin/emphatic-fs/dostime"
)

func unixSeconds(y int, m time.Month, d, h, min, s int) int64 {
	return time.Date(y, m, d, h, min, s, 0, time.UTC).Unix()
}

func TestRoundTripOnEpoch(t *testing.T) {
	s := dostime.Epoch1980Unix
	date := dostime.DOSDate(s)
	tm := dostime.DOSTime(s)
	require.EqualValues(t, s, dostime.ToUnix(date, tm))
}

func TestRoundTripArbitraryDates(t *testing.T) {
	cases := []int64{
		unixSeconds(1980, time.January, 1, 0, 0, 0),
		unixSeconds(1999, time.December, 31, 23, 59, 58),
		unixSeconds(2000, time.February, 29, 12, 0, 0), // leap day
		unixSeconds(2023, time.March, 15, 6, 30, 44),
		unixSeconds(2100, time.July, 4, 18, 0, 0), // 2100 is NOT a leap year
	}

	for _, s := range cases {
		date := dostime.DOSDate(s)
		tm := dostime.DOSTime(s)
		got := dostime.ToUnix(date, tm)
		want := s - (s % 2)
		require.EqualValues(t, want, got, "round trip mismatch for %d", s)
	}
}

func TestSecondsGranularityTruncatesOddSeconds(t *testing.T) {
	s := unixSeconds(2020, time.June, 1, 10, 0, 1)
	tm := dostime.DOSTime(s)
	require.EqualValues(t, 0, tm&0x1F, "odd seconds must round down to the nearest 2")
}

func TestDOSDateFieldLayout(t *testing.T) {
	s := unixSeconds(1980, time.January, 1, 0, 0, 0)
	date := dostime.DOSDate(s)
	require.EqualValues(t, 0, date>>9)     // year 1980 -> 0
	require.EqualValues(t, 1, (date>>5)&0xF) // January
	require.EqualValues(t, 1, date&0x1F)    // day 1
}
