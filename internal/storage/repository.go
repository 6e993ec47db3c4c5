package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrPersistence = errors.New("ledger write failed")
)

// Ledger is the durable record of trades, account snapshots, decisions
// and training runs.
type Ledger struct {
	db *gorm.DB
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// Trades

// SaveTrade inserts or fully updates the row keyed by trade id.
func (l *Ledger) SaveTrade(ctx context.Context, trade *Trade) error {
	if trade == nil {
		return errors.New("trade cannot be nil")
	}
	if err := trade.validate(); err != nil {
		return err
	}
	return l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(trade).Error
}

func (l *Ledger) GetTrade(ctx context.Context, id string) (*Trade, error) {
	return l.first(ctx, "id = ?", id)
}

func (l *Ledger) TradeByDecision(ctx context.Context, decisionID string) (*Trade, error) {
	return l.first(ctx, "decision_id = ?", decisionID)
}

func (l *Ledger) first(ctx context.Context, query string, arg any) (*Trade, error) {
	var trade Trade
	err := l.db.WithContext(ctx).Where(query, arg).First(&trade).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &trade, nil
}

func (l *Ledger) OpenTrades(ctx context.Context) ([]Trade, error) {
	var trades []Trade
	err := l.db.WithContext(ctx).Where("status = ?", StatusOpen).Order("open_time ASC").Find(&trades).Error
	return trades, err
}

func (l *Ledger) CountOpen(ctx context.Context) (int, error) {
	var n int64
	err := l.db.WithContext(ctx).Model(&Trade{}).Where("status = ?", StatusOpen).Count(&n).Error
	return int(n), err
}

func (l *Ledger) RecentTrades(ctx context.Context, limit int) ([]Trade, error) {
	var trades []Trade
	err := l.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&trades).Error
	return trades, err
}

type TradeStats struct {
	Total     int64   `json:"total"`
	Wins      int64   `json:"wins"`
	Losses    int64   `json:"losses"`
	ProfitSum float64 `json:"profit_sum"`
	ProfitAvg float64 `json:"profit_avg"`
	ProfitMax float64 `json:"profit_max"`
	ProfitMin float64 `json:"profit_min"`
}

func (s TradeStats) WinRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Total)
}

// Stats aggregates trades closed in [from, to).
func (l *Ledger) Stats(ctx context.Context, from, to time.Time) (TradeStats, error) {
	var stats TradeStats
	err := l.db.WithContext(ctx).Model(&Trade{}).
		Where("status = ? AND close_time >= ? AND close_time < ?", StatusClosed, from, to).
		Select(`COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN profit > 0 THEN 1 ELSE 0 END), 0) AS wins,
			COALESCE(SUM(CASE WHEN profit <= 0 THEN 1 ELSE 0 END), 0) AS losses,
			COALESCE(SUM(profit), 0) AS profit_sum,
			COALESCE(AVG(profit), 0) AS profit_avg,
			COALESCE(MAX(profit), 0) AS profit_max,
			COALESCE(MIN(profit), 0) AS profit_min`).
		Scan(&stats).Error
	return stats, err
}

// RealizedPnL sums profit of trades closed in [from, to).
func (l *Ledger) RealizedPnL(ctx context.Context, from, to time.Time) (float64, error) {
	var total float64
	err := l.db.WithContext(ctx).Model(&Trade{}).
		Where("status = ? AND close_time >= ? AND close_time < ?", StatusClosed, from, to).
		Select("COALESCE(SUM(profit), 0)").Scan(&total).Error
	return total, err
}

// Account metrics

func (l *Ledger) SaveSnapshot(ctx context.Context, m *AccountMetric) error {
	return l.db.WithContext(ctx).Create(m).Error
}

func (l *Ledger) RecentSnapshots(ctx context.Context, limit int) ([]AccountMetric, error) {
	var out []AccountMetric
	err := l.db.WithContext(ctx).Order("created_at DESC, id DESC").Limit(limit).Find(&out).Error
	return out, err
}

// Experience

// SaveExperience is idempotent per decision id.
func (l *Ledger) SaveExperience(ctx context.Context, e *Experience) error {
	return l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "decision_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"observation", "action", "confidence", "trade_id"}),
	}).Create(e).Error
}

func (l *Ledger) AttachNextObservation(ctx context.Context, decisionID string, next []float64) error {
	res := l.db.WithContext(ctx).Model(&Experience{}).
		Where("decision_id = ?", decisionID).
		Updates(&Experience{NextObservation: next})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("experience %s: %w", decisionID, ErrNotFound)
	}
	return nil
}

// LabeledExperience pairs a decision with the trade it opened, if any.
type LabeledExperience struct {
	Experience
	Trade *Trade
}

// ExperienceBatch returns up to limit most recent decisions, oldest first.
func (l *Ledger) ExperienceBatch(ctx context.Context, limit int) ([]LabeledExperience, error) {
	var rows []Experience
	if err := l.db.WithContext(ctx).Order("created_at DESC, id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}

	var ids []string
	for _, r := range rows {
		if r.TradeID != "" {
			ids = append(ids, r.TradeID)
		}
	}
	trades := make(map[string]*Trade, len(ids))
	if len(ids) > 0 {
		var found []Trade
		if err := l.db.WithContext(ctx).Where("id IN ?", ids).Find(&found).Error; err != nil {
			return nil, err
		}
		for i := range found {
			trades[found[i].ID] = &found[i]
		}
	}

	out := make([]LabeledExperience, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = LabeledExperience{Experience: r, Trade: trades[r.TradeID]}
	}
	return out, nil
}

// Training runs

func (l *Ledger) SaveTrainingRun(ctx context.Context, run *TrainingRun) error {
	return l.db.WithContext(ctx).Create(run).Error
}

func (l *Ledger) RecentTrainingRuns(ctx context.Context, limit int) ([]TrainingRun, error) {
	var out []TrainingRun
	err := l.db.WithContext(ctx).Order("created_at DESC, id DESC").Limit(limit).Find(&out).Error
	return out, err
}
