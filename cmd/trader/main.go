package main

import (
	"context"
	"fmt"
	"log"
	"os"
	osSignal "os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/assist-by/aegis/internal/config"
	"github.com/assist-by/aegis/internal/coordinator"
	"github.com/assist-by/aegis/internal/entry"
	"github.com/assist-by/aegis/internal/events"
	"github.com/assist-by/aegis/internal/exchange/binance"
	"github.com/assist-by/aegis/internal/feed"
	"github.com/assist-by/aegis/internal/metrics"
	"github.com/assist-by/aegis/internal/notification"
	"github.com/assist-by/aegis/internal/notification/discord"
	"github.com/assist-by/aegis/internal/notification/telegram"
	"github.com/assist-by/aegis/internal/position"
	"github.com/assist-by/aegis/internal/protection"
	"github.com/assist-by/aegis/internal/recovery"
	"github.com/assist-by/aegis/internal/risk"
	"github.com/assist-by/aegis/internal/scheduler"
	"github.com/assist-by/aegis/internal/signal"
	"github.com/assist-by/aegis/internal/store"
	"github.com/assist-by/aegis/internal/trailing"
)

func main() {
	// 컨텍스트 생성
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 로그 설정
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("거래 실행 코어 시작...")

	// 설정 로드
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("설정 로드 실패: %v", err)
	}

	// 알림 채널 구성: 디스코드는 항상, 텔레그램은 토큰이 있을 때만
	discordClient := discord.NewClient(
		cfg.Discord.AlertWebhook,
		cfg.Discord.TradeWebhook,
		cfg.Discord.ErrorWebhook,
		cfg.Discord.InfoWebhook,
		discord.WithTimeout(10*time.Second),
	)
	dispatcher := notification.NewDispatcher(discordClient)
	if cfg.Telegram.BotToken != "" {
		tg, err := telegram.NewNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
		if err != nil {
			log.Printf("텔레그램 연결 실패, 디스코드만 사용합니다: %v", err)
		} else {
			dispatcher.Add(tg)
		}
	}

	// 시작 알림 전송
	if err := dispatcher.SendInfo("🚀 거래 실행 코어가 시작되었습니다."); err != nil {
		log.Printf("시작 알림 전송 실패: %v", err)
	}

	// API 키 선택
	apiKey := cfg.Binance.APIKey
	secretKey := cfg.Binance.SecretKey
	if cfg.Binance.UseTestnet {
		if cfg.Binance.TestAPIKey != "" {
			apiKey = cfg.Binance.TestAPIKey
			secretKey = cfg.Binance.TestSecretKey
		}
		dispatcher.SendInfo("⚠️ 테스트넷 모드로 실행 중입니다. 실제 자산은 사용되지 않습니다.")
	} else {
		dispatcher.SendInfo("⚠️ 메인넷 모드로 실행 중입니다. 실제 자산이 사용됩니다!")
	}

	// 바이낸스 클라이언트 생성
	binanceClient := binance.NewClient(
		apiKey,
		secretKey,
		binance.WithTimeout(10*time.Second),
		binance.WithTestnet(cfg.Binance.UseTestnet),
	)

	// 바이낸스 서버와 시간 동기화
	if err := binanceClient.SyncTime(ctx); err != nil {
		log.Printf("바이낸스 서버 시간 동기화 실패: %v", err)
		if err := dispatcher.SendError(fmt.Errorf("바이낸스 서버 시간 동기화 실패: %w", err)); err != nil {
			log.Printf("에러 알림 전송 실패: %v", err)
		}
		os.Exit(1)
	}

	// 헤지 모드 고정: 보호 주문이 positionSide 기준으로 동작합니다
	if err := binanceClient.SetPositionMode(ctx, true); err != nil {
		log.Printf("포지션 모드 설정 실패: %v", err)
		if err := dispatcher.SendError(err); err != nil {
			log.Printf("에러 알림 전송 실패: %v", err)
		}
		os.Exit(1)
	}

	// 영속 저장소와 포지션 장부
	st, err := store.New(cfg.App.DatabasePath)
	if err != nil {
		log.Fatalf("저장소 초기화 실패: %v", err)
	}
	registry := position.NewRegistry()

	// 재시작 대조: 거래소 상태를 기준으로 장부를 맞춥니다
	recoverer := recovery.NewManager(binanceClient, registry, st, dispatcher, recovery.Config{
		StopCapitalFraction: cfg.Trading.StopCapitalFraction,
	})
	if err := recoverer.Reconcile(ctx); err != nil {
		log.Printf("재시작 대조 실패: %v", err)
		if err := dispatcher.SendError(fmt.Errorf("재시작 대조 실패: %w", err)); err != nil {
			log.Printf("에러 알림 전송 실패: %v", err)
		}
		os.Exit(1)
	}

	// 마크 가격 스트림 구독
	wsURL := feed.BinanceFuturesWSURL
	if cfg.Binance.UseTestnet {
		wsURL = feed.BinanceTestnetWSURL
	}
	priceFeed := feed.New(wsURL, cfg.App.Symbols)
	priceFeed.Start()

	// 이벤트 버스: 상태 전이 이벤트를 알림 채널로 중계합니다
	bus := events.NewBus()
	busCh := bus.Subscribe(64)
	go func() {
		for event := range busCh {
			if err := dispatcher.SendEvent(event); err != nil {
				log.Printf("이벤트 알림 전송 실패: %v", err)
			}
		}
	}()

	// 지표/상태 조회 서버
	metricsSrv := metrics.Serve(cfg.App.MetricsAddr, registry.List)

	// 시그널 입력원: 레디스 스트림 또는 내부 큐
	var source signal.Source
	if cfg.Redis.Addr != "" {
		redisSource, err := signal.NewRedisSource(ctx,
			cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Stream)
		if err != nil {
			log.Fatalf("시그널 스트림 연결 실패: %v", err)
		}
		source = redisSource
		log.Printf("시그널 스트림 연결 완료: %s (%s)", cfg.Redis.Addr, cfg.Redis.Stream)
	} else {
		source = signal.NewQueue(64)
		log.Println("레디스 주소가 없어 내부 큐로 실행합니다. 외부 시그널은 수신되지 않습니다.")
	}

	// 실행 파이프라인 구성
	calculator := risk.NewCalculator(risk.Config{
		EquityFraction:       cfg.Trading.RiskEquityFraction,
		StopCapitalFraction:  cfg.Trading.StopCapitalFraction,
		TrailCapitalFraction: cfg.Trading.TrailCapitalFraction,
	})
	executor := entry.NewExecutor(binanceClient, calculator, entry.Config{
		Leverage:        cfg.Trading.Leverage,
		EntryWaitTicks:  cfg.Entry.WaitTicks,
		OffsetATRFactor: cfg.Entry.OffsetATRFactor,
		TakerFraction:   cfg.Entry.TakerFraction,
	})
	protector := protection.NewManager(binanceClient, registry, st, bus, dispatcher, protection.Config{
		SettleDelayMaker:     cfg.Protection.SettleDelayMaker,
		SettleDelayTaker:     cfg.Protection.SettleDelayTaker,
		RetryBase:            cfg.Protection.RetryBase,
		MaxAttempts:          cfg.Protection.MaxAttempts,
		TrailCapitalFraction: cfg.Trading.TrailCapitalFraction,
	})
	trailer := trailing.NewController(binanceClient, registry, st, bus, trailing.Config{
		TrailCapitalFraction: cfg.Trading.TrailCapitalFraction,
	})
	coord := coordinator.NewCoordinator(binanceClient, source, priceFeed, registry, st,
		executor, protector, trailer, bus, dispatcher, coordinator.Config{
			Workers:         cfg.App.WorkerPoolSize,
			AccountCacheTTL: cfg.App.AccountCacheTTL,
			PriceMaxAge:     2 * cfg.App.TickInterval,
		})

	// 일일 거래 요약 크론
	summaryCron := cron.New(cron.WithSeconds())
	if _, err := summaryCron.AddFunc(cfg.App.SummaryCron, func() {
		sendDailySummary(st, dispatcher)
	}); err != nil {
		log.Printf("요약 크론 등록 실패: %v", err)
	}
	summaryCron.Start()

	// 거래 루프 스케줄러
	tickScheduler := scheduler.NewScheduler(cfg.App.TickInterval, coord)

	// 종료 신호 처리
	sigChan := make(chan os.Signal, 1)
	osSignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		if err := tickScheduler.Start(ctx); err != nil && ctx.Err() == nil {
			log.Printf("스케줄러 실행 중 에러 발생: %v", err)
			if err := dispatcher.SendError(err); err != nil {
				log.Printf("에러 알림 전송 실패: %v", err)
			}
		}
	}()

	// 시그널 대기
	sig := <-sigChan
	log.Printf("시스템 종료 신호 수신: %v", sig)

	// 진행 중인 틱이 마무리된 뒤 순서대로 내립니다
	tickScheduler.Stop()
	<-schedulerDone
	cancel()
	summaryCron.Stop()
	priceFeed.Stop()
	if err := source.Close(); err != nil {
		log.Printf("시그널 입력원 종료 실패: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("지표 서버 종료 실패: %v", err)
	}

	bus.Close()
	if err := st.Close(); err != nil {
		log.Printf("저장소 종료 실패: %v", err)
	}

	// 종료 알림 전송
	if err := dispatcher.SendInfo("👋 거래 실행 코어가 정상적으로 종료되었습니다."); err != nil {
		log.Printf("종료 알림 전송 실패: %v", err)
	}

	log.Println("프로그램을 종료합니다.")
}

// sendDailySummary는 지난 24시간의 청산 내역을 요약해 전송합니다
func sendDailySummary(st *store.Store, notifier notification.Notifier) {
	trades, err := st.TradesSince(time.Now().Add(-24 * time.Hour))
	if err != nil {
		log.Printf("일일 요약 조회 실패: %v", err)
		return
	}
	if len(trades) == 0 {
		if err := notifier.SendInfo("📊 지난 24시간 동안 청산된 거래가 없습니다."); err != nil {
			log.Printf("요약 전송 실패: %v", err)
		}
		return
	}

	var pnl float64
	wins := 0
	for _, tr := range trades {
		pnl += tr.PnL
		if tr.PnL > 0 {
			wins++
		}
	}

	message := fmt.Sprintf("📊 일일 거래 요약\n거래 %d건 (승 %d / 패 %d)\n실현 손익: %.2f USDT",
		len(trades), wins, len(trades)-wins, pnl)
	if err := notifier.SendInfo(message); err != nil {
		log.Printf("요약 전송 실패: %v", err)
	}
}
