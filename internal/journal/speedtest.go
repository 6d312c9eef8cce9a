package journal

import (
	"database/sql"
	"errors"
	"fmt"
)

// RecordSpeedtest stores one benchmark run. scores holds only the mirrors
// that passed, in rank order.
func (j *Journal) RecordSpeedtest(probed int, scores []MirrorScore) (int64, error) {
	tx, err := j.conn.Begin()
	if err != nil {
		return 0, err
	}

	result, err := tx.Exec("INSERT INTO speedtest_runs (probed, passed) VALUES (?, ?)", probed, len(scores))
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("failed to record speedtest run: %w", err)
	}
	runID, err := result.LastInsertId()
	if err != nil {
		tx.Rollback()
		return 0, err
	}

	for i, s := range scores {
		_, err := tx.Exec(`
			INSERT INTO speedtest_scores (run_id, rank, mirror_name, mirror_url, score)
			VALUES (?, ?, ?, ?, ?)
		`, runID, i+1, s.Name, s.URL, s.Score)
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("failed to record mirror score: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return runID, nil
}

// LatestSpeedtest returns the most recent benchmark run, or nil if none
func (j *Journal) LatestSpeedtest() (*SpeedtestRun, error) {
	var run SpeedtestRun
	err := j.conn.QueryRow(`
		SELECT id, probed, passed, timestamp FROM speedtest_runs ORDER BY id DESC LIMIT 1
	`).Scan(&run.ID, &run.Probed, &run.Passed, &run.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query speedtest run: %w", err)
	}

	rows, err := j.conn.Query(`
		SELECT rank, mirror_name, mirror_url, score
		FROM speedtest_scores
		WHERE run_id = ?
		ORDER BY rank
	`, run.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query mirror scores: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var s MirrorScore
		if err := rows.Scan(&s.Rank, &s.Name, &s.URL, &s.Score); err != nil {
			return nil, fmt.Errorf("failed to scan mirror score: %w", err)
		}
		run.Scores = append(run.Scores, s)
	}
	return &run, rows.Err()
}
