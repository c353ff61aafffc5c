package scoring

import (
	"sort"

	"live-quiz-service/internal/domain"
)

// Rank orders participants by descending score. Tied scores share a rank and
// the next rank is one plus the number of strictly higher scores ("1224").
func Rank(participants []*domain.Participant) []domain.LeaderboardEntry {
	entries := make([]domain.LeaderboardEntry, 0, len(participants))
	for _, p := range participants {
		entries = append(entries, domain.LeaderboardEntry{
			ID:     p.ID,
			Name:   p.DisplayName,
			Avatar: p.Avatar,
			Score:  p.Score,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		if entries[i].Name != entries[j].Name {
			return entries[i].Name < entries[j].Name
		}
		return entries[i].ID < entries[j].ID
	})

	for i := range entries {
		if i > 0 && entries[i].Score == entries[i-1].Score {
			entries[i].Rank = entries[i-1].Rank
			continue
		}
		entries[i].Rank = i + 1
	}
	return entries
}

// RankOf indexes a leaderboard by participant id.
func RankOf(entries []domain.LeaderboardEntry) map[string]int {
	out := make(map[string]int, len(entries))
	for _, e := range entries {
		out[e.ID] = e.Rank
	}
	return out
}
