package game

import "sort"

// leaderboardLimit caps the live leaderboard pushed in snapshots and ticks.
const leaderboardLimit = 10

// LeaderboardEntry is one ranked row.
type LeaderboardEntry struct {
	Address string `json:"address"`
	Streak  int    `json:"streak"`
}

// rankPlayers sorts by streak descending, ties broken by the order players
// first appeared in the session.
func rankPlayers(players map[string]*PlayerState) []LeaderboardEntry {
	type row struct {
		entry LeaderboardEntry
		seq   int
	}

	rows := make([]row, 0, len(players))
	for addr, p := range players {
		rows = append(rows, row{
			entry: LeaderboardEntry{Address: addr, Streak: p.Streak},
			seq:   p.seq,
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].entry.Streak != rows[j].entry.Streak {
			return rows[i].entry.Streak > rows[j].entry.Streak
		}
		return rows[i].seq < rows[j].seq
	})

	entries := make([]LeaderboardEntry, len(rows))
	for i, r := range rows {
		entries[i] = r.entry
	}
	return entries
}

// buildLeaderboard is the live view: positive streaks only, top n.
func buildLeaderboard(players map[string]*PlayerState, n int) []LeaderboardEntry {
	ranked := rankPlayers(players)

	entries := make([]LeaderboardEntry, 0, n)
	for _, e := range ranked {
		if e.Streak <= 0 {
			continue
		}
		entries = append(entries, e)
		if len(entries) == n {
			break
		}
	}
	return entries
}

// buildFinalLeaderboard is the finalized view: every player, zero streaks
// included.
func buildFinalLeaderboard(players map[string]*PlayerState) []LeaderboardEntry {
	return rankPlayers(players)
}
