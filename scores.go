// Score persistence
//
// Players and per-level scores live in a small sqlite database; the
// running total is kept denormalized on the players table so the
// winner query stays a single read.

package main

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type ScoreStore struct {
	db *sql.DB
}

type PlayerRecord struct {
	PlayerID   string `json:"player_id"`
	Username   string `json:"username"`
	TotalScore int    `json:"total_score"`
}

type WinnerRecord struct {
	Username   string `json:"username"`
	PlayerID   string `json:"player_id"`
	TotalScore int    `json:"total_score"`
	StartTime  string `json:"start_time"`
	EndTime    string `json:"end_time"`
}

var errUsernameTaken = errors.New("username already exists")

// levelWeight scales raw quiz scores so later levels count for more.
type levelWeight struct {
	weight    float64
	questions int
}

var levelWeights = map[string]levelWeight{
	"level_1": {weight: 10, questions: 3},
	"level_2": {weight: 20, questions: 3},
	"level_3": {weight: 30, questions: 3},
	"level_4": {weight: 40, questions: 5},
}

// weightedScore converts a raw per-level score into its weighted value.
func weightedScore(level string, raw int) (float64, error) {
	lw, ok := levelWeights[level]
	if !ok {
		return 0, fmt.Errorf("%w: %s", errLevelNotFound, level)
	}
	return float64(raw) * lw.weight / float64(lw.questions), nil
}

func openScoreStore(path string) (*ScoreStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent score submissions.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS players (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			player_id TEXT UNIQUE NOT NULL,
			username TEXT UNIQUE NOT NULL,
			total_score INTEGER DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS scores (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			player_id TEXT NOT NULL,
			level TEXT NOT NULL,
			score INTEGER NOT NULL,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (player_id) REFERENCES players(player_id)
		)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("initializing database: %w", err)
		}
	}

	return &ScoreStore{db: db}, nil
}

func (s *ScoreStore) Close() error {
	return s.db.Close()
}

func (s *ScoreStore) registerPlayer(playerID, username string) error {
	var existing string
	err := s.db.QueryRow(`SELECT player_id FROM players WHERE username = ?`, username).Scan(&existing)
	switch {
	case err == nil:
		return errUsernameTaken
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	_, err = s.db.Exec(`INSERT INTO players (player_id, username) VALUES (?, ?)`, playerID, username)
	return err
}

// playerByUsername returns the stored player, or found=false when the
// username has never registered.
func (s *ScoreStore) playerByUsername(username string) (PlayerRecord, bool, error) {
	var p PlayerRecord
	err := s.db.QueryRow(
		`SELECT player_id, username, total_score FROM players WHERE username = ?`,
		username,
	).Scan(&p.PlayerID, &p.Username, &p.TotalScore)
	if errors.Is(err, sql.ErrNoRows) {
		return PlayerRecord{}, false, nil
	}
	if err != nil {
		return PlayerRecord{}, false, err
	}
	return p, true, nil
}

// saveScore records one level result and returns the player's updated
// cumulative total.
func (s *ScoreStore) saveScore(playerID, level string, score int) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO scores (player_id, level, score, timestamp) VALUES (?, ?, ?, ?)`,
		playerID, level, score, time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return 0, err
	}

	_, err = tx.Exec(
		`UPDATE players
		 SET total_score = (SELECT SUM(score) FROM scores WHERE player_id = ?)
		 WHERE player_id = ?`,
		playerID, playerID,
	)
	if err != nil {
		return 0, err
	}

	var total int
	if err := tx.QueryRow(`SELECT total_score FROM players WHERE player_id = ?`, playerID).Scan(&total); err != nil {
		return 0, err
	}

	return total, tx.Commit()
}

// winners returns every player sharing the highest total score, ties
// broken towards whoever finished first.
func (s *ScoreStore) winners() ([]WinnerRecord, error) {
	rows, err := s.db.Query(
		`SELECT p.username, p.player_id, p.total_score,
		        COALESCE(MIN(s.timestamp), '') AS start_time,
		        COALESCE(MAX(s.timestamp), '') AS end_time
		 FROM players p
		 LEFT JOIN scores s ON p.player_id = s.player_id
		 GROUP BY p.player_id
		 ORDER BY p.total_score DESC, end_time ASC
		 LIMIT 10`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var all []WinnerRecord
	for rows.Next() {
		var w WinnerRecord
		if err := rows.Scan(&w.Username, &w.PlayerID, &w.TotalScore, &w.StartTime, &w.EndTime); err != nil {
			return nil, err
		}
		all = append(all, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(all) == 0 {
		return nil, nil
	}

	maxScore := all[0].TotalScore
	winners := all[:0:0]
	for _, w := range all {
		if w.TotalScore == maxScore {
			winners = append(winners, w)
		}
	}

	return winners, nil
}

func (s *ScoreStore) maxScore() (int, error) {
	winners, err := s.winners()
	if err != nil || len(winners) == 0 {
		return 0, err
	}
	return winners[0].TotalScore, nil
}

// progress lists the levels a player has scored on, and the next level
// to play in catalog order. A player who has finished everything starts
// over at the first level.
func (s *ScoreStore) progress(playerID string, levels []string) (completed []string, next string, err error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT level FROM scores WHERE player_id = ? ORDER BY level`,
		playerID,
	)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var level string
		if err := rows.Scan(&level); err != nil {
			return nil, "", err
		}
		done[level] = true
		completed = append(completed, level)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	for _, level := range levels {
		if !done[level] {
			return completed, level, nil
		}
	}
	if len(levels) > 0 {
		next = levels[0]
	}

	return completed, next, nil
}
