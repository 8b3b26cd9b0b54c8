// Package gormstore implements every repository on a single Gorm + SQLite
// database. Callers depend on narrow interfaces declared where they are
// consumed; this type satisfies all of them.
package gormstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"kairos/internal/domain"
	storemodel "kairos/internal/store/model"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Store bundles all repositories over one sqlite database.
type Store struct {
	db *gorm.DB
}

// New opens (or creates) the database at path and migrates the schema.
func New(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("store: database path cannot be empty")
	}
	if path != ":memory:" {
		if err := ensureDir(path); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(
		&storemodel.CandleModel{},
		&storemodel.FeatureModel{},
		&storemodel.RegimeModel{},
		&storemodel.OrderModel{},
		&storemodel.FillModel{},
		&storemodel.PositionModel{},
		&storemodel.AuditModel{},
		&storemodel.ParamVersionModel{},
		&storemodel.DailyMetricModel{},
	); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db}, nil
}

// NewMemory opens a throwaway in-memory store, used by tests and paper runs.
func NewMemory() (*Store, error) {
	return New(":memory:")
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping verifies database liveness for health checks.
func (s *Store) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// ---- candles ----

// InsertCandleIfAbsent persists the candle unless its (symbol, timeframe,
// closeTime) key already exists. Returns true when a row was written.
func (s *Store) InsertCandleIfAbsent(c domain.Candle) (bool, error) {
	row := storemodel.CandleModel{
		Symbol:    c.Symbol,
		Timeframe: c.Timeframe,
		CloseTime: c.CloseTime,
		Open:      c.Open,
		High:      c.High,
		Low:       c.Low,
		Close:     c.Close,
		Volume:    c.Volume,
	}
	res := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// RecentCandles returns up to limit candles at or before atOrBefore,
// oldest-first.
func (s *Store) RecentCandles(symbol, timeframe string, atOrBefore int64, limit int) ([]domain.Candle, error) {
	var rows []storemodel.CandleModel
	err := s.db.
		Where("symbol = ? AND timeframe = ? AND close_time <= ?", symbol, timeframe, atOrBefore).
		Order("close_time DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.Candle, len(rows))
	for i, row := range rows {
		out[len(rows)-1-i] = domain.Candle{
			Symbol:    row.Symbol,
			Timeframe: row.Timeframe,
			CloseTime: row.CloseTime,
			Open:      row.Open,
			High:      row.High,
			Low:       row.Low,
			Close:     row.Close,
			Volume:    row.Volume,
		}
	}
	return out, nil
}

// ---- features ----

func (s *Store) UpsertFeature(f domain.FeatureVector) error {
	row := storemodel.FeatureModel{
		Symbol:            f.Symbol,
		Timeframe:         f.Timeframe,
		ComputedAt:        f.CloseTime,
		LogReturn:         f.LogReturn,
		ATRPct:            f.ATRPct,
		EWMASigma:         f.EWMASigma,
		SigmaNorm:         f.SigmaNorm,
		VolPct5m:          f.VolPct5m,
		BBWidthPct:        f.BBWidthPct,
		BBWidthPercentile: f.BBWidthPercentile,
		EMA20:             f.EMA20,
		EMA50:             f.EMA50,
		EMA200:            f.EMA200,
		EMA50Slope:        f.EMA50Slope,
		VolumePct:         f.VolumePct,
		VolumePercentile:  f.VolumePercentile,
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}, {Name: "timeframe"}, {Name: "computed_at"}},
		UpdateAll: true,
	}).Create(&row).Error
}

// ---- regimes ----

func (s *Store) UpsertRegime(d domain.RegimeDecision) error {
	row := storemodel.RegimeModel{
		Symbol:      d.Symbol,
		CloseTime5m: d.CloseTime5m,
		Regime:      string(d.Regime),
		Engine:      string(d.Engine),
		Defensive:   d.Defensive,
		SigmaNorm:   d.SigmaNorm,
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}, {Name: "close_time_5m"}},
		UpdateAll: true,
	}).Create(&row).Error
}

func (s *Store) LatestRegime(symbol string) (*domain.RegimeDecision, error) {
	var row storemodel.RegimeModel
	err := s.db.
		Where("symbol = ?", symbol).
		Order("close_time_5m DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &domain.RegimeDecision{
		Symbol:      row.Symbol,
		CloseTime5m: row.CloseTime5m,
		Regime:      domain.Regime(row.Regime),
		Engine:      domain.Engine(row.Engine),
		Defensive:   row.Defensive,
		SigmaNorm:   row.SigmaNorm,
	}, nil
}

// ---- orders & fills ----

func (s *Store) OrderByExternalID(externalID string) (*domain.Order, error) {
	var row storemodel.OrderModel
	err := s.db.Where("external_id = ?", externalID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	order := orderFromModel(row)
	return &order, nil
}

func (s *Store) InsertOrder(o domain.Order) (int64, error) {
	row := storemodel.OrderModel{
		ExternalID: o.ExternalID,
		Symbol:     o.Symbol,
		Side:       string(o.Side),
		Type:       string(o.Type),
		Price:      o.Price,
		Qty:        o.Qty,
		Status:     string(o.Status),
		CreatedAt:  o.CreatedAt,
		UpdatedAt:  o.UpdatedAt,
	}
	if err := s.db.Create(&row).Error; err != nil {
		return 0, err
	}
	return row.ID, nil
}

func (s *Store) UpdateOrderStatus(id int64, status domain.OrderStatus, nowMs int64) error {
	return s.db.Model(&storemodel.OrderModel{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": string(status), "updated_at": nowMs}).Error
}

func (s *Store) InsertFill(f domain.Fill) (int64, error) {
	row := storemodel.FillModel{
		OrderID: f.OrderID,
		Price:   f.Price,
		Qty:     f.Qty,
		Fee:     f.Fee,
		Ts:      f.Ts,
	}
	if err := s.db.Create(&row).Error; err != nil {
		return 0, err
	}
	return row.ID, nil
}

func orderFromModel(row storemodel.OrderModel) domain.Order {
	return domain.Order{
		ID:         row.ID,
		ExternalID: row.ExternalID,
		Symbol:     row.Symbol,
		Side:       domain.Side(row.Side),
		Type:       domain.OrderType(row.Type),
		Price:      row.Price,
		Qty:        row.Qty,
		Status:     domain.OrderStatus(row.Status),
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
	}
}

// ---- positions ----

func (s *Store) InsertPosition(p domain.Position) error {
	return s.db.Create(positionToModel(p)).Error
}

func (s *Store) UpdatePosition(p domain.Position) error {
	row := positionToModel(p)
	if p.State == domain.PositionStateClosed {
		row.ClosedAt = p.UpdatedAt
	}
	return s.db.Save(row).Error
}

func (s *Store) CountOpenBySymbol(symbol string) (int, error) {
	var n int64
	err := s.db.Model(&storemodel.PositionModel{}).
		Where("symbol = ? AND state = ?", symbol, string(domain.PositionStateOpen)).
		Count(&n).Error
	return int(n), err
}

func (s *Store) CountOpenTotal() (int, error) {
	var n int64
	err := s.db.Model(&storemodel.PositionModel{}).
		Where("state = ?", string(domain.PositionStateOpen)).
		Count(&n).Error
	return int(n), err
}

func (s *Store) OpenPositions() ([]domain.Position, error) {
	var rows []storemodel.PositionModel
	err := s.db.
		Where("state = ?", string(domain.PositionStateOpen)).
		Order("opened_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.Position, len(rows))
	for i, row := range rows {
		out[i] = positionFromModel(row)
	}
	return out, nil
}

// LastClosedAt returns the most recent close timestamp for the symbol, 0 when
// it never closed a position.
func (s *Store) LastClosedAt(symbol string) (int64, error) {
	var row storemodel.PositionModel
	err := s.db.
		Where("symbol = ? AND state = ?", symbol, string(domain.PositionStateClosed)).
		Order("closed_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.ClosedAt, nil
}

func positionToModel(p domain.Position) *storemodel.PositionModel {
	return &storemodel.PositionModel{
		ID:               p.ID,
		Symbol:           p.Symbol,
		Side:             string(p.Side),
		EntryPrice:       p.EntryPrice,
		InitialStopPrice: p.InitialStopPrice,
		StopPrice:        p.StopPrice,
		Qty:              p.Qty,
		RemainingQty:     p.RemainingQty,
		State:            string(p.State),
		RealizedR:        p.RealizedR,
		Took1R:           p.Took1R,
		Took2R:           p.Took2R,
		TrailingAnchor:   p.TrailingAnchor,
		ATRPct:           p.ATRPct,
		ParamsVersionID:  p.ParamsVersionID,
		OpenedAt:         p.OpenedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}

func positionFromModel(row storemodel.PositionModel) domain.Position {
	return domain.Position{
		ID:               row.ID,
		Symbol:           row.Symbol,
		Side:             domain.Side(row.Side),
		EntryPrice:       row.EntryPrice,
		InitialStopPrice: row.InitialStopPrice,
		StopPrice:        row.StopPrice,
		Qty:              row.Qty,
		RemainingQty:     row.RemainingQty,
		State:            domain.PositionState(row.State),
		RealizedR:        row.RealizedR,
		Took1R:           row.Took1R,
		Took2R:           row.Took2R,
		TrailingAnchor:   row.TrailingAnchor,
		ATRPct:           row.ATRPct,
		ParamsVersionID:  row.ParamsVersionID,
		OpenedAt:         row.OpenedAt,
		UpdatedAt:        row.UpdatedAt,
	}
}

// ---- audit ----

func (s *Store) InsertAudit(evt domain.AuditEvent) error {
	var meta datatypes.JSON
	if len(evt.Metadata) > 0 {
		raw, err := json.Marshal(evt.Metadata)
		if err != nil {
			return err
		}
		meta = raw
	}
	row := storemodel.AuditModel{
		ID:              evt.ID,
		Ts:              evt.Ts,
		Step:            evt.Step,
		Level:           string(evt.Level),
		Message:         evt.Message,
		Reason:          evt.Reason,
		InputsHash:      evt.InputsHash,
		OutputsHash:     evt.OutputsHash,
		ParamsVersionID: evt.ParamsVersionID,
		Metadata:        meta,
	}
	return s.db.Create(&row).Error
}

// RecentAudits returns the newest limit audit rows for a step prefix, used by
// the status endpoint.
func (s *Store) RecentAudits(stepPrefix string, limit int) ([]domain.AuditEvent, error) {
	var rows []storemodel.AuditModel
	q := s.db.Order("ts DESC").Limit(limit)
	if stepPrefix != "" {
		q = q.Where("step LIKE ?", stepPrefix+"%")
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.AuditEvent, len(rows))
	for i, row := range rows {
		evt := domain.AuditEvent{
			ID:              row.ID,
			Ts:              row.Ts,
			Step:            row.Step,
			Level:           domain.AuditLevel(row.Level),
			Message:         row.Message,
			Reason:          row.Reason,
			InputsHash:      row.InputsHash,
			OutputsHash:     row.OutputsHash,
			ParamsVersionID: row.ParamsVersionID,
		}
		if len(row.Metadata) > 0 {
			_ = json.Unmarshal(row.Metadata, &evt.Metadata)
		}
		out[i] = evt
	}
	return out, nil
}

// ---- param versions ----

func (s *Store) InsertParamVersion(v domain.ParamVersion) error {
	bands, err := json.Marshal(v.LeverageBands)
	if err != nil {
		return err
	}
	cooldowns, err := json.Marshal(v.Cooldowns)
	if err != nil {
		return err
	}
	caps, err := json.Marshal(v.Caps)
	if err != nil {
		return err
	}
	row := storemodel.ParamVersionModel{
		ID:            v.ID,
		EffectiveFrom: v.EffectiveFrom,
		Kb:            v.Kb,
		Ks:            v.Ks,
		LeverageBands: bands,
		CooldownRules: cooldowns,
		PortfolioCaps: caps,
		CreatedAt:     time.Now().UnixMilli(),
	}
	return s.db.Create(&row).Error
}

// ActiveParamVersion resolves the version with the greatest effective_from at
// or before the instant. Nil when none exists yet.
func (s *Store) ActiveParamVersion(at int64) (*domain.ParamVersion, error) {
	var row storemodel.ParamVersionModel
	err := s.db.
		Where("effective_from <= ?", at).
		Order("effective_from DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := domain.ParamVersion{
		ID:            row.ID,
		EffectiveFrom: row.EffectiveFrom,
		Kb:            row.Kb,
		Ks:            row.Ks,
	}
	if len(row.LeverageBands) > 0 {
		if err := json.Unmarshal(row.LeverageBands, &out.LeverageBands); err != nil {
			return nil, err
		}
	}
	if len(row.CooldownRules) > 0 {
		if err := json.Unmarshal(row.CooldownRules, &out.Cooldowns); err != nil {
			return nil, err
		}
	}
	if len(row.PortfolioCaps) > 0 {
		if err := json.Unmarshal(row.PortfolioCaps, &out.Caps); err != nil {
			return nil, err
		}
	}
	return &out, nil
}

// ---- daily metrics ----

// DailyMetric is the aggregate row served by the metrics endpoints.
type DailyMetric struct {
	Day    string  `json:"day"`
	Trades int     `json:"trades"`
	Wins   int     `json:"wins"`
	Losses int     `json:"losses"`
	TotalR float64 `json:"totalR"`
	Fees   float64 `json:"fees"`
}

// AddClosedTrade folds one closed position into its UTC-day aggregate.
func (s *Store) AddClosedTrade(day string, realizedR, fees float64, nowMs int64) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var row storemodel.DailyMetricModel
		err := tx.Where("day = ?", day).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = storemodel.DailyMetricModel{Day: day}
		} else if err != nil {
			return err
		}
		row.Trades++
		if realizedR > 0 {
			row.Wins++
		} else {
			row.Losses++
		}
		row.TotalR += realizedR
		row.Fees += fees
		row.UpdatedAt = nowMs
		return tx.Save(&row).Error
	})
}

func (s *Store) DailyMetrics(limit int) ([]DailyMetric, error) {
	var rows []storemodel.DailyMetricModel
	if err := s.db.Order("day DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]DailyMetric, len(rows))
	for i, row := range rows {
		out[i] = DailyMetric{
			Day:    row.Day,
			Trades: row.Trades,
			Wins:   row.Wins,
			Losses: row.Losses,
			TotalR: row.TotalR,
			Fees:   row.Fees,
		}
	}
	return out, nil
}
