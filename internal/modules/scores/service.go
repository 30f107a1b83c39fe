// Package scores computes the model leaderboard. Everything is aggregated
// on read from model_ios and counterfactual_records; there is no score
// table to drift out of sync with the ledger.
package scores

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/arena/internal/domain"
)

// HorizonStats aggregates one model's hypothetical returns at one horizon.
type HorizonStats struct {
	Count         int     `json:"count"`
	MeanReturnPct float64 `json:"mean_return_pct"`
	StdDevPct     float64 `json:"stddev_return_pct"`
	WinRate       float64 `json:"win_rate"`
}

// ModelScore is one leaderboard row.
type ModelScore struct {
	ModelName           string               `json:"model_name"`
	Runs                int                  `json:"runs"`
	OKCount             int                  `json:"ok_count"`
	OKRate              float64              `json:"ok_rate"`
	AvgLatencyMs        float64              `json:"avg_latency_ms"`
	TotalCostEstimate   float64              `json:"total_cost_estimate"`
	AdoptedCount        int                  `json:"adopted_count"`
	MissedOpportunities int                  `json:"missed_opportunities"`
	DodgedBullets       int                  `json:"dodged_bullets"`
	Horizons            map[int]HorizonStats `json:"horizons"`
}

// Service builds the leaderboard from ledger.db.
type Service struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewService creates the leaderboard service.
func NewService(db *sql.DB, log zerolog.Logger) *Service {
	return &Service{
		db:  db,
		log: log.With().Str("service", "scores").Logger(),
	}
}

// Leaderboard returns one row per model that has run at least once,
// replay rows excluded, ordered by 30-day mean return descending.
func (s *Service) Leaderboard(ctx context.Context) ([]ModelScore, error) {
	scores, order, err := s.runAggregates(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.applyCounterfactuals(ctx, scores); err != nil {
		return nil, err
	}

	rows := make([]ModelScore, 0, len(order))
	for _, name := range order {
		rows = append(rows, *scores[name])
	}
	sort.SliceStable(rows, func(i, j int) bool {
		a, aok := rows[i].Horizons[30]
		b, bok := rows[j].Horizons[30]
		if aok != bok {
			return aok
		}
		if aok && a.MeanReturnPct != b.MeanReturnPct {
			return a.MeanReturnPct > b.MeanReturnPct
		}
		return rows[i].ModelName < rows[j].ModelName
	})
	return rows, nil
}

func (s *Service) runAggregates(ctx context.Context) (map[string]*ModelScore, []string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model_name,
			COUNT(*) AS runs,
			SUM(CASE WHEN status = 'ok' THEN 1 ELSE 0 END) AS ok_count,
			AVG(latency_ms) AS avg_latency,
			SUM(cost_estimate) AS total_cost
		FROM model_ios
		WHERE is_replay = 0
		GROUP BY model_name
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to aggregate model runs: %w", err)
	}
	defer rows.Close()

	scores := make(map[string]*ModelScore)
	var order []string
	for rows.Next() {
		ms := &ModelScore{Horizons: map[int]HorizonStats{}}
		if err := rows.Scan(&ms.ModelName, &ms.Runs, &ms.OKCount, &ms.AvgLatencyMs, &ms.TotalCostEstimate); err != nil {
			return nil, nil, fmt.Errorf("failed to scan model aggregate: %w", err)
		}
		if ms.Runs > 0 {
			ms.OKRate = float64(ms.OKCount) / float64(ms.Runs)
		}
		scores[ms.ModelName] = ms
		order = append(order, ms.ModelName)
	}
	return scores, order, rows.Err()
}

func (s *Service) applyCounterfactuals(ctx context.Context, scores map[string]*ModelScore) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model_name, horizon_days, hypothetical_return_pct, classification
		FROM counterfactual_records
	`)
	if err != nil {
		return fmt.Errorf("failed to query counterfactual records: %w", err)
	}
	defer rows.Close()

	type bucket struct {
		returns []float64
		wins    int
	}
	buckets := make(map[string]map[int]*bucket)

	for rows.Next() {
		var model, classification string
		var horizon int
		var returnPct float64
		if err := rows.Scan(&model, &horizon, &returnPct, &classification); err != nil {
			return fmt.Errorf("failed to scan counterfactual aggregate: %w", err)
		}

		ms, ok := scores[model]
		if !ok {
			// Counterfactuals only exist for recorded runs; a model here
			// without run rows means the ledger predates the roster entry.
			continue
		}

		switch domain.Classification(classification) {
		case domain.ClassAdoptedRealized:
			ms.AdoptedCount++
		case domain.ClassMissedOpportunity:
			ms.MissedOpportunities++
		case domain.ClassDodgedBullet:
			ms.DodgedBullets++
		}

		if buckets[model] == nil {
			buckets[model] = make(map[int]*bucket)
		}
		if buckets[model][horizon] == nil {
			buckets[model][horizon] = &bucket{}
		}
		b := buckets[model][horizon]
		b.returns = append(b.returns, returnPct)
		if returnPct > 0 {
			b.wins++
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for model, horizons := range buckets {
		for horizon, b := range horizons {
			hs := HorizonStats{
				Count:         len(b.returns),
				MeanReturnPct: stat.Mean(b.returns, nil),
				WinRate:       float64(b.wins) / float64(len(b.returns)),
			}
			if len(b.returns) > 1 {
				hs.StdDevPct = stat.StdDev(b.returns, nil)
			}
			scores[model].Horizons[horizon] = hs
		}
	}
	return nil
}
