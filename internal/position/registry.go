// Package position은 로컬 포지션 기록의 단일 저장소를 제공합니다.
// 심볼당 하나의 포지션만 허용하며, 보호 주문 설정의 동시 진행을
// 심볼 단위 플래그로 차단합니다.
package position

import (
	"sort"
	"sync"
	"time"

	"github.com/assist-by/aegis/internal/domain"
)

// Registry는 심볼별 포지션 기록을 관리합니다.
// 조회는 항상 복사본을 반환하므로 호출자가 내부 상태를 변경할 수 없습니다.
type Registry struct {
	mu        sync.RWMutex
	positions map[string]*domain.Position
	inFlight  map[string]bool // 보호 주문 설정이 진행 중인 심볼
}

// NewRegistry는 빈 레지스트리를 생성합니다
func NewRegistry() *Registry {
	return &Registry{
		positions: make(map[string]*domain.Position),
		inFlight:  make(map[string]bool),
	}
}

// Put은 새 포지션을 등록합니다. 해당 심볼에 활성 포지션이 있으면 거부합니다.
func (r *Registry) Put(p *domain.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.positions[p.Symbol]; ok && existing.State.IsActive() {
		return NewPositionError(p.Symbol, "put", ErrPositionExists)
	}

	stored := *p
	now := time.Now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	r.positions[p.Symbol] = &stored

	return nil
}

// Get은 심볼의 포지션 복사본을 반환합니다
func (r *Registry) Get(symbol string) (domain.Position, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.positions[symbol]
	if !ok {
		return domain.Position{}, false
	}
	return *p, true
}

// Update는 심볼의 포지션에 변경 함수를 적용합니다.
// 변경 함수가 에러를 반환하면 기록은 수정되지 않습니다.
func (r *Registry) Update(symbol string, fn func(p *domain.Position) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.positions[symbol]
	if !ok {
		return NewPositionError(symbol, "update", ErrPositionNotFound)
	}

	updated := *p
	if err := fn(&updated); err != nil {
		return err
	}
	updated.UpdatedAt = time.Now()
	r.positions[symbol] = &updated

	return nil
}

// Remove는 심볼의 포지션 기록을 삭제합니다
func (r *Registry) Remove(symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.positions, symbol)
	delete(r.inFlight, symbol)
}

// List는 모든 포지션의 복사본을 심볼 순으로 반환합니다
func (r *Registry) List() []domain.Position {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Position, 0, len(r.positions))
	for _, p := range r.positions {
		result = append(result, *p)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Symbol < result[j].Symbol
	})

	return result
}

// Active는 거래소에 남아 있어야 하는 포지션의 복사본만 반환합니다
func (r *Registry) Active() []domain.Position {
	all := r.List()
	result := all[:0]
	for _, p := range all {
		if p.State.IsActive() {
			result = append(result, p)
		}
	}
	return result
}

// TryBeginProtection은 심볼의 보호 주문 진행 플래그를 설정합니다.
// 이미 진행 중이면 false를 반환하며, 심볼당 동시에 하나의 보호 주문
// 시도만 허용됩니다.
func (r *Registry) TryBeginProtection(symbol string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight[symbol] {
		return false
	}
	r.inFlight[symbol] = true
	return true
}

// EndProtection은 심볼의 보호 주문 진행 플래그를 해제합니다
func (r *Registry) EndProtection(symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, symbol)
}

// ProtectionInFlight는 심볼의 보호 주문이 진행 중인지 확인합니다
func (r *Registry) ProtectionInFlight(symbol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.inFlight[symbol]
}
