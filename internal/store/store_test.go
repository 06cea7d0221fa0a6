package store

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/assist-by/aegis/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "positions.db"))
	if err != nil {
		t.Fatalf("저장소 초기화 실패: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreSaveAndLoadActive(t *testing.T) {
	s := newTestStore(t)

	open := domain.Position{
		Symbol:     "BTCUSDT",
		Side:       domain.LongPosition,
		Size:       0.5,
		EntryPrice: 50000,
		Leverage:   25,
		StopPrice:  49000,
		State:      domain.StateProtected,
		CreatedAt:  time.Now(),
	}
	closed := domain.Position{
		Symbol:     "ETHUSDT",
		Side:       domain.ShortPosition,
		Size:       2,
		EntryPrice: 3000,
		State:      domain.StateClosed,
		CreatedAt:  time.Now(),
	}

	if err := s.SavePosition(open); err != nil {
		t.Fatalf("SavePosition() 에러: %v", err)
	}
	if err := s.SavePosition(closed); err != nil {
		t.Fatalf("SavePosition() 에러: %v", err)
	}

	// 종료 상태는 복구 대상이 아닙니다
	active, err := s.LoadActivePositions()
	if err != nil {
		t.Fatalf("LoadActivePositions() 에러: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("활성 포지션 수 = %d, want 1", len(active))
	}
	got := active[0]
	if got.Symbol != "BTCUSDT" || got.State != domain.StateProtected {
		t.Errorf("복구된 포지션 = %s(%s), want BTCUSDT(PROTECTED)", got.Symbol, got.State)
	}
	if got.StopPrice != 49000 || got.Leverage != 25 {
		t.Errorf("필드 복원 실패: stop=%.1f leverage=%d", got.StopPrice, got.Leverage)
	}

	// 같은 심볼 재저장은 갱신으로 동작해야 합니다
	open.State = domain.StateTrailing
	open.TakeProfitPrice = 51000
	if err := s.SavePosition(open); err != nil {
		t.Fatalf("SavePosition() 갱신 에러: %v", err)
	}
	active, err = s.LoadActivePositions()
	if err != nil {
		t.Fatalf("LoadActivePositions() 에러: %v", err)
	}
	if len(active) != 1 || active[0].State != domain.StateTrailing {
		t.Errorf("갱신이 반영되지 않았습니다: %+v", active)
	}
}

func TestStoreDeletePosition(t *testing.T) {
	s := newTestStore(t)

	p := domain.Position{Symbol: "BTCUSDT", Side: domain.LongPosition, State: domain.StateOpen}
	if err := s.SavePosition(p); err != nil {
		t.Fatalf("SavePosition() 에러: %v", err)
	}
	if err := s.DeletePosition("BTCUSDT"); err != nil {
		t.Fatalf("DeletePosition() 에러: %v", err)
	}

	active, err := s.LoadActivePositions()
	if err != nil {
		t.Fatalf("LoadActivePositions() 에러: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("삭제 후에도 %d개의 포지션이 남아 있습니다", len(active))
	}
}

func TestStoreRecordTrade(t *testing.T) {
	s := newTestStore(t)

	tests := []struct {
		name      string
		position  domain.Position
		exitPrice float64
		wantPnL   float64
	}{
		{
			name: "롱 이익 청산",
			position: domain.Position{
				Symbol:     "BTCUSDT",
				Side:       domain.LongPosition,
				Size:       0.5,
				EntryPrice: 50000,
				CreatedAt:  time.Now().Add(-time.Hour),
			},
			exitPrice: 51000,
			wantPnL:   500, // (51000 - 50000) × 0.5
		},
		{
			name: "숏 이익 청산",
			position: domain.Position{
				Symbol:     "ETHUSDT",
				Side:       domain.ShortPosition,
				Size:       2,
				EntryPrice: 3000,
				CreatedAt:  time.Now().Add(-time.Hour),
			},
			exitPrice: 2900,
			wantPnL:   200, // (3000 - 2900) × 2
		},
		{
			name: "롱 손실 청산",
			position: domain.Position{
				Symbol:     "XRPUSDT",
				Side:       domain.LongPosition,
				Size:       100,
				EntryPrice: 0.5,
				CreatedAt:  time.Now().Add(-time.Hour),
			},
			exitPrice: 0.48,
			wantPnL:   -2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.RecordTrade(tt.position, tt.exitPrice, "trail-exit"); err != nil {
				t.Fatalf("RecordTrade() 에러: %v", err)
			}
		})
	}

	trades, err := s.TradesSince(time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("TradesSince() 에러: %v", err)
	}
	if len(trades) != len(tests) {
		t.Fatalf("거래 기록 수 = %d, want %d", len(trades), len(tests))
	}
	for i, tt := range tests {
		if math.Abs(trades[i].PnL-tt.wantPnL) > 0.0001 {
			t.Errorf("%s: PnL = %.4f, want %.4f", tt.name, trades[i].PnL, tt.wantPnL)
		}
	}

	// 기준 시각 이후 거래가 없으면 빈 결과
	empty, err := s.TradesSince(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("TradesSince() 에러: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("미래 기준 조회 결과 = %d건, want 0건", len(empty))
	}
}
