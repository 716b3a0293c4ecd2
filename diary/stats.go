package diary

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Stats summarizes decrypted entries.
type Stats struct {
	Count        int             `json:"count"`
	MoodAverage  decimal.Decimal `json:"moodAverage"`
	StressAvg    decimal.Decimal `json:"stressAverage"`
	SleepAverage decimal.Decimal `json:"sleepAverage"`
	Tags         []TagCount      `json:"tags"`
}

type TagCount struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// Summarize averages scores rounded to one decimal and counts tags, most
// frequent first. An empty input yields zero averages.
func Summarize(entries []*Entry) Stats {
	s := Stats{
		Count:        len(entries),
		MoodAverage:  decimal.Zero,
		StressAvg:    decimal.Zero,
		SleepAverage: decimal.Zero,
	}
	if len(entries) == 0 {
		return s
	}

	var mood, stress, sleep int64
	counts := map[string]int{}
	for _, e := range entries {
		mood += int64(e.MoodScore)
		stress += int64(e.StressScore)
		sleep += int64(e.SleepQuality)
		for _, l := range e.MoodTags.Labels() {
			counts[l]++
		}
	}

	n := decimal.NewFromInt(int64(len(entries)))
	s.MoodAverage = decimal.NewFromInt(mood).DivRound(n, 8).Round(1)
	s.StressAvg = decimal.NewFromInt(stress).DivRound(n, 8).Round(1)
	s.SleepAverage = decimal.NewFromInt(sleep).DivRound(n, 8).Round(1)

	for l, c := range counts {
		s.Tags = append(s.Tags, TagCount{Label: l, Count: c})
	}
	sort.Slice(s.Tags, func(i, j int) bool {
		if s.Tags[i].Count != s.Tags[j].Count {
			return s.Tags[i].Count > s.Tags[j].Count
		}
		return s.Tags[i].Label < s.Tags[j].Label
	})
	return s
}
