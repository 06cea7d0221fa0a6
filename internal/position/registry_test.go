package position

import (
	"errors"
	"sync"
	"testing"

	"github.com/assist-by/aegis/internal/domain"
)

func testPosition(symbol string, state domain.PositionState) *domain.Position {
	return &domain.Position{
		Symbol:     symbol,
		Side:       domain.LongPosition,
		Size:       0.5,
		EntryPrice: 50000,
		Leverage:   10,
		State:      state,
	}
}

func TestRegistryPut(t *testing.T) {
	tests := []struct {
		name     string
		existing *domain.Position
		incoming *domain.Position
		wantErr  error
	}{
		{
			name:     "빈 레지스트리에 등록 성공",
			incoming: testPosition("BTCUSDT", domain.StateOpen),
		},
		{
			name:     "활성 포지션이 있으면 거부",
			existing: testPosition("BTCUSDT", domain.StateProtected),
			incoming: testPosition("BTCUSDT", domain.StateOpen),
			wantErr:  ErrPositionExists,
		},
		{
			name:     "종료된 포지션은 덮어쓰기 허용",
			existing: testPosition("BTCUSDT", domain.StateClosed),
			incoming: testPosition("BTCUSDT", domain.StateOpen),
		},
		{
			name:     "다른 심볼은 공존 가능",
			existing: testPosition("ETHUSDT", domain.StateOpen),
			incoming: testPosition("BTCUSDT", domain.StateOpen),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			if tt.existing != nil {
				if err := r.Put(tt.existing); err != nil {
					t.Fatalf("기존 포지션 등록 실패: %v", err)
				}
			}

			err := r.Put(tt.incoming)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Put() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Put() 예상 밖의 에러: %v", err)
			}

			got, ok := r.Get(tt.incoming.Symbol)
			if !ok {
				t.Fatal("등록한 포지션을 조회할 수 없습니다")
			}
			if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
				t.Error("등록 시간이 설정되지 않았습니다")
			}
		})
	}
}

func TestRegistryUpdate(t *testing.T) {
	r := NewRegistry()
	if err := r.Put(testPosition("BTCUSDT", domain.StateOpen)); err != nil {
		t.Fatalf("등록 실패: %v", err)
	}

	err := r.Update("BTCUSDT", func(p *domain.Position) error {
		p.State = domain.StateProtected
		p.StopOrderID = 42
		return nil
	})
	if err != nil {
		t.Fatalf("Update() 에러: %v", err)
	}

	got, _ := r.Get("BTCUSDT")
	if got.State != domain.StateProtected || got.StopOrderID != 42 {
		t.Errorf("변경이 반영되지 않았습니다: state=%s stopOrderID=%d", got.State, got.StopOrderID)
	}

	// 변경 함수가 실패하면 기록은 그대로여야 합니다
	updateErr := errors.New("중단")
	err = r.Update("BTCUSDT", func(p *domain.Position) error {
		p.State = domain.StateClosed
		return updateErr
	})
	if !errors.Is(err, updateErr) {
		t.Fatalf("Update() error = %v, want %v", err, updateErr)
	}
	got, _ = r.Get("BTCUSDT")
	if got.State != domain.StateProtected {
		t.Errorf("실패한 변경이 반영되었습니다: state=%s", got.State)
	}

	// 없는 심볼은 ErrPositionNotFound
	err = r.Update("XRPUSDT", func(p *domain.Position) error { return nil })
	if !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("Update() error = %v, want %v", err, ErrPositionNotFound)
	}
}

func TestRegistryGetReturnsCopy(t *testing.T) {
	r := NewRegistry()
	if err := r.Put(testPosition("BTCUSDT", domain.StateOpen)); err != nil {
		t.Fatalf("등록 실패: %v", err)
	}

	got, _ := r.Get("BTCUSDT")
	got.State = domain.StateClosed
	got.Size = 999

	again, _ := r.Get("BTCUSDT")
	if again.State != domain.StateOpen || again.Size != 0.5 {
		t.Error("Get()이 내부 상태의 복사본을 반환하지 않습니다")
	}
}

func TestRegistryProtectionFlag(t *testing.T) {
	r := NewRegistry()

	if !r.TryBeginProtection("BTCUSDT") {
		t.Fatal("첫 시도는 성공해야 합니다")
	}
	if r.TryBeginProtection("BTCUSDT") {
		t.Fatal("진행 중에는 두 번째 시도가 거부되어야 합니다")
	}
	if !r.TryBeginProtection("ETHUSDT") {
		t.Fatal("다른 심볼은 독립적으로 진행되어야 합니다")
	}

	r.EndProtection("BTCUSDT")
	if !r.TryBeginProtection("BTCUSDT") {
		t.Fatal("해제 후에는 다시 시도할 수 있어야 합니다")
	}
}

// 동시 진입 시에도 심볼당 하나의 보호 시도만 통과해야 합니다
func TestRegistryProtectionFlagConcurrent(t *testing.T) {
	r := NewRegistry()

	const goroutines = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.TryBeginProtection("BTCUSDT") {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if acquired != 1 {
		t.Errorf("동시에 %d개의 보호 시도가 통과했습니다, want 1", acquired)
	}
}

func TestRegistryActive(t *testing.T) {
	r := NewRegistry()
	if err := r.Put(testPosition("BTCUSDT", domain.StateProtected)); err != nil {
		t.Fatalf("등록 실패: %v", err)
	}
	if err := r.Put(testPosition("ETHUSDT", domain.StateClosed)); err != nil {
		t.Fatalf("등록 실패: %v", err)
	}
	if err := r.Put(testPosition("XRPUSDT", domain.StateTrailing)); err != nil {
		t.Fatalf("등록 실패: %v", err)
	}

	active := r.Active()
	if len(active) != 2 {
		t.Fatalf("활성 포지션 수 = %d, want 2", len(active))
	}
	// List가 심볼 순 정렬이므로 BTCUSDT, XRPUSDT 순서
	if active[0].Symbol != "BTCUSDT" || active[1].Symbol != "XRPUSDT" {
		t.Errorf("활성 포지션 = %s, %s", active[0].Symbol, active[1].Symbol)
	}
}
