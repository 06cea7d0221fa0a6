package scheduler

import (
	"context"
	"log"
	"time"
)

// Task는 스케줄러가 실행할 작업을 정의하는 인터페이스입니다
type Task interface {
	Execute(ctx context.Context) error
}

// Scheduler는 고정 간격으로 작업을 실행합니다. 시작 시 한 번 즉시
// 실행한 뒤 벽시계에 정렬된 간격마다 반복합니다.
type Scheduler struct {
	interval time.Duration
	task     Task
	stopCh   chan struct{}
}

// NewScheduler는 새로운 스케줄러를 생성합니다
func NewScheduler(interval time.Duration, task Task) *Scheduler {
	return &Scheduler{
		interval: interval,
		task:     task,
		stopCh:   make(chan struct{}),
	}
}

// Start는 작업 루프를 실행합니다. ctx가 취소되거나 Stop이 호출될
// 때까지 블록되며, 개별 실행의 에러는 기록만 하고 루프를 계속합니다.
func (s *Scheduler) Start(ctx context.Context) error {
	// 첫 실행은 대기 없이 바로 수행합니다
	if err := s.task.Execute(ctx); err != nil {
		log.Printf("작업 실행 실패: %v", err)
	}

	now := time.Now()
	nextRun := now.Truncate(s.interval).Add(s.interval)
	log.Printf("주기 실행 시작: 간격 %v, 다음 실행 %s", s.interval, nextRun.Format("15:04:05"))

	timer := time.NewTimer(time.Until(nextRun))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-s.stopCh:
			return nil

		case <-timer.C:
			if err := s.task.Execute(ctx); err != nil {
				log.Printf("작업 실행 실패: %v", err)
			}

			now := time.Now()
			timer.Reset(time.Until(now.Truncate(s.interval).Add(s.interval)))
		}
	}
}

// Stop은 스케줄러를 중지합니다
func (s *Scheduler) Stop() {
	close(s.stopCh)
}
