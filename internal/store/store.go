// Package store는 포지션 기록과 거래 내역의 영속화를 담당합니다.
// DSN이 postgres://로 시작하면 PostgreSQL, 그 외에는 파일 경로로 보고
// SQLite를 사용합니다. 저장 실패는 거래 흐름을 막지 않습니다 (best-effort).
package store

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/assist-by/aegis/internal/domain"
)

// PositionRecord는 활성 포지션의 영속 모델입니다. 심볼당 하나만 유지하며
// 포지션이 닫히면 TradeRecord로 옮기고 삭제합니다.
type PositionRecord struct {
	Symbol             string `gorm:"primaryKey"`
	Side               string
	Size               float64
	EntryPrice         float64
	Leverage           int
	MaintMarginRate    float64
	StopPrice          float64
	TakeProfitPrice    float64
	PeakPrice          float64
	SignalStop         float64
	State              string `gorm:"index"`
	EntryOrderID       int64
	StopOrderID        int64
	TakeProfitOrderID  int64
	ProtectionAttempts int
	TakerEntry         bool
	Recovered          bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// TradeRecord는 청산 완료된 거래의 감사 기록입니다
type TradeRecord struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	Symbol     string `gorm:"index"`
	Side       string
	Size       float64
	EntryPrice float64
	ExitPrice  float64
	PnL        float64
	Reason     string
	TakerEntry bool
	Recovered  bool
	OpenedAt   time.Time
	ClosedAt   time.Time `gorm:"index"`
	CreatedAt  time.Time
}

// Store는 gorm 기반 영속 저장소입니다
type Store struct {
	db *gorm.DB
}

// New는 DSN에 따라 저장소를 초기화하고 스키마를 마이그레이션합니다
func New(dsn string) (*Store, error) {
	var db *gorm.DB
	var err error

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
		if err != nil {
			return nil, fmt.Errorf("PostgreSQL 연결 실패: %w", err)
		}
		log.Println("저장소 연결 완료 (PostgreSQL)")
	} else {
		// 파일 경로로 간주하고 SQLite 사용
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("저장소 디렉토리 생성 실패: %w", err)
		}
		db, err = gorm.Open(sqlite.Open(dsn), gormConfig)
		if err != nil {
			return nil, fmt.Errorf("SQLite 초기화 실패: %w", err)
		}
		log.Printf("저장소 초기화 완료 (SQLite: %s)", dsn)
	}

	if err := db.AutoMigrate(&PositionRecord{}, &TradeRecord{}); err != nil {
		return nil, fmt.Errorf("스키마 마이그레이션 실패: %w", err)
	}

	return &Store{db: db}, nil
}

// SavePosition은 포지션 기록을 생성하거나 갱신합니다
func (s *Store) SavePosition(p domain.Position) error {
	record := toRecord(p)
	if err := s.db.Save(&record).Error; err != nil {
		return fmt.Errorf("포지션 저장 실패 [%s]: %w", p.Symbol, err)
	}
	return nil
}

// DeletePosition은 심볼의 포지션 기록을 삭제합니다
func (s *Store) DeletePosition(symbol string) error {
	if err := s.db.Delete(&PositionRecord{}, "symbol = ?", symbol).Error; err != nil {
		return fmt.Errorf("포지션 삭제 실패 [%s]: %w", symbol, err)
	}
	return nil
}

// LoadActivePositions는 재시작 복구용으로 저장된 활성 포지션을 불러옵니다
func (s *Store) LoadActivePositions() ([]domain.Position, error) {
	var records []PositionRecord
	err := s.db.Where("state <> ?", string(domain.StateClosed)).Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("포지션 조회 실패: %w", err)
	}

	positions := make([]domain.Position, len(records))
	for i, r := range records {
		positions[i] = fromRecord(r)
	}
	return positions, nil
}

// RecordTrade는 청산 완료된 거래를 감사 기록에 추가합니다
func (s *Store) RecordTrade(p domain.Position, exitPrice float64, reason string) error {
	pnl := (exitPrice - p.EntryPrice) * p.Size
	if p.Side == domain.ShortPosition {
		pnl = -pnl
	}

	record := TradeRecord{
		Symbol:     p.Symbol,
		Side:       string(p.Side),
		Size:       p.Size,
		EntryPrice: p.EntryPrice,
		ExitPrice:  exitPrice,
		PnL:        pnl,
		Reason:     reason,
		TakerEntry: p.TakerEntry,
		Recovered:  p.Recovered,
		OpenedAt:   p.CreatedAt,
		ClosedAt:   time.Now(),
	}
	if err := s.db.Create(&record).Error; err != nil {
		return fmt.Errorf("거래 기록 실패 [%s]: %w", p.Symbol, err)
	}
	return nil
}

// TradesSince는 기준 시각 이후 청산된 거래 내역을 반환합니다
func (s *Store) TradesSince(since time.Time) ([]TradeRecord, error) {
	var records []TradeRecord
	err := s.db.Where("closed_at >= ?", since).Order("closed_at ASC").Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("거래 내역 조회 실패: %w", err)
	}
	return records, nil
}

// Close는 데이터베이스 연결을 닫습니다
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRecord(p domain.Position) PositionRecord {
	return PositionRecord{
		Symbol:             p.Symbol,
		Side:               string(p.Side),
		Size:               p.Size,
		EntryPrice:         p.EntryPrice,
		Leverage:           p.Leverage,
		MaintMarginRate:    p.MaintMarginRate,
		StopPrice:          p.StopPrice,
		TakeProfitPrice:    p.TakeProfitPrice,
		PeakPrice:          p.PeakPrice,
		SignalStop:         p.SignalStop,
		State:              string(p.State),
		EntryOrderID:       p.EntryOrderID,
		StopOrderID:        p.StopOrderID,
		TakeProfitOrderID:  p.TakeProfitOrderID,
		ProtectionAttempts: p.ProtectionAttempts,
		TakerEntry:         p.TakerEntry,
		Recovered:          p.Recovered,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
	}
}

func fromRecord(r PositionRecord) domain.Position {
	return domain.Position{
		Symbol:             r.Symbol,
		Side:               domain.PositionSide(r.Side),
		Size:               r.Size,
		EntryPrice:         r.EntryPrice,
		Leverage:           r.Leverage,
		MaintMarginRate:    r.MaintMarginRate,
		StopPrice:          r.StopPrice,
		TakeProfitPrice:    r.TakeProfitPrice,
		PeakPrice:          r.PeakPrice,
		SignalStop:         r.SignalStop,
		State:              domain.PositionState(r.State),
		EntryOrderID:       r.EntryOrderID,
		StopOrderID:        r.StopOrderID,
		TakeProfitOrderID:  r.TakeProfitOrderID,
		ProtectionAttempts: r.ProtectionAttempts,
		TakerEntry:         r.TakerEntry,
		Recovered:          r.Recovered,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}
