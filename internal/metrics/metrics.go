// Package metrics는 프로메테우스 지표와 상태 조회 HTTP 서버를 제공합니다.
//
// 노출 지표:
//   - aegis_signals_total{result}            수신 시그널 처리 결과 (accepted|skipped|rejected|...)
//   - aegis_entries_total{side,path}         진입 체결 (path: maker|taker)
//   - aegis_protection_attempts_total{result} 보호 주문 시도 결과 (success|retry|failed)
//   - aegis_protection_failures_total        보호 실패 확정 (치명적)
//   - aegis_trailing_updates_total{side}     트레일링 익절 갱신
//   - aegis_exits_total{reason,side}         청산 (reason: stop-exit|trail-exit|...)
//   - aegis_recovered_positions_total        재시작 복구로 채택된 포지션
//   - aegis_exchange_errors_total{class}     분류별 거래소 에러
//   - aegis_open_positions                   현재 활성 포지션 수 (게이지)
//   - aegis_equity_usdt                      계정 자본 스냅샷 (게이지)
//   - aegis_tick_duration_seconds            틱 하나의 처리 시간 (히스토그램)
package metrics

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/assist-by/aegis/internal/domain"
)

var (
	signalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_signals_total",
			Help: "수신 시그널 처리 결과",
		},
		[]string{"result"}, // accepted|skipped|rejected|invalid|error
	)

	entriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_entries_total",
			Help: "진입 체결 수",
		},
		[]string{"side", "path"}, // path: maker|taker
	)

	protectionAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_protection_attempts_total",
			Help: "보호 주문 시도 결과",
		},
		[]string{"result"}, // success|retry|failed
	)

	protectionFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aegis_protection_failures_total",
			Help: "보호 주문 설정이 최종 실패한 포지션 수",
		},
	)

	trailingUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_trailing_updates_total",
			Help: "트레일링 익절 갱신 수",
		},
		[]string{"side"},
	)

	exitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_exits_total",
			Help: "청산 수 (사유, 방향별)",
		},
		[]string{"reason", "side"},
	)

	recoveredPositions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aegis_recovered_positions_total",
			Help: "재시작 복구로 채택된 포지션 수",
		},
	)

	exchangeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_exchange_errors_total",
			Help: "분류별 거래소 에러 수",
		},
		[]string{"class"},
	)

	openPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aegis_open_positions",
			Help: "현재 활성 포지션 수",
		},
	)

	equityGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aegis_equity_usdt",
			Help: "계정 자본 스냅샷 (USDT)",
		},
	)

	tickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aegis_tick_duration_seconds",
			Help:    "틱 하나의 처리 시간",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)
)

func init() {
	prometheus.MustRegister(signalsTotal, entriesTotal)
	prometheus.MustRegister(protectionAttempts, protectionFailures)
	prometheus.MustRegister(trailingUpdates, exitsTotal)
	prometheus.MustRegister(recoveredPositions, exchangeErrors)
	prometheus.MustRegister(openPositions, equityGauge)
	prometheus.MustRegister(tickDuration)
}

// 헬퍼 함수들: 다른 패키지에서 지표를 갱신할 때 사용합니다

func IncSignal(result string) { signalsTotal.WithLabelValues(result).Inc() }

func IncEntry(side domain.PositionSide, path string) {
	entriesTotal.WithLabelValues(string(side), path).Inc()
}

func IncProtectionAttempt(result string) { protectionAttempts.WithLabelValues(result).Inc() }

func IncProtectionFailure() { protectionFailures.Inc() }

func IncTrailingUpdate(side domain.PositionSide) {
	trailingUpdates.WithLabelValues(string(side)).Inc()
}

func IncExit(reason string, side domain.PositionSide) {
	exitsTotal.WithLabelValues(reason, string(side)).Inc()
}

func IncRecovered() { recoveredPositions.Inc() }

func IncExchangeError(class string) { exchangeErrors.WithLabelValues(class).Inc() }

func SetOpenPositions(n int) { openPositions.Set(float64(n)) }

func SetEquity(v float64) { equityGauge.Set(v) }

func ObserveTickDuration(d time.Duration) { tickDuration.Observe(d.Seconds()) }

// Serve는 지표와 상태 조회 엔드포인트를 제공하는 HTTP 서버를 시작합니다.
// snapshot은 현재 포지션의 읽기 전용 복사본을 반환해야 합니다.
func Serve(addr string, snapshot func() []domain.Position) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/positions", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snapshot()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("지표 서버 시작: %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("지표 서버 종료: %v", err)
		}
	}()

	return srv
}
