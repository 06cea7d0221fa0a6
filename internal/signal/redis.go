package signal

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/assist-by/aegis/internal/domain"
)

// RedisSource는 레디스 스트림에서 시그널을 읽습니다. 외부 시그널 생성기가
// XADD로 넣은 항목을 XREAD로 순서대로 소비하며, 시작 시점 이후에 도착한
// 시그널만 읽습니다.
type RedisSource struct {
	rdb    *redis.Client
	stream string
	lastID string
}

// NewRedisSource는 레디스에 연결하고 연결 상태를 확인합니다
func NewRedisSource(ctx context.Context, addr, password string, db int, stream string) (*RedisSource, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("레디스 연결 실패: %w", err)
	}

	return &RedisSource{
		rdb:    rdb,
		stream: stream,
		lastID: "$", // 시작 이후 도착분만 소비
	}, nil
}

// Next는 스트림의 다음 시그널을 반환합니다. 유효하지 않은 항목은
// 건너뛰고 다음 항목을 계속 읽습니다.
func (r *RedisSource) Next(ctx context.Context) (domain.Signal, error) {
	for {
		results, err := r.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{r.stream, r.lastID},
			Count:   1,
			Block:   0, // 컨텍스트 취소까지 대기
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return domain.Signal{}, fmt.Errorf("시그널 스트림 읽기 실패: %w", err)
		}

		for _, stream := range results {
			for _, message := range stream.Messages {
				r.lastID = message.ID

				s, err := parseEntry(message.Values)
				if err != nil {
					log.Printf("시그널 항목 무시 [%s]: %v", message.ID, err)
					continue
				}
				return s, nil
			}
		}
	}
}

// Close는 레디스 연결을 닫습니다
func (r *RedisSource) Close() error {
	return r.rdb.Close()
}

// parseEntry는 스트림 항목의 필드 맵을 시그널로 변환합니다
func parseEntry(values map[string]interface{}) (domain.Signal, error) {
	s := domain.Signal{Timestamp: time.Now()}

	symbol, ok := values["symbol"].(string)
	if !ok || symbol == "" {
		return domain.Signal{}, fmt.Errorf("symbol 필드가 없습니다")
	}
	s.Symbol = symbol

	side, ok := values["side"].(string)
	if !ok {
		return domain.Signal{}, fmt.Errorf("side 필드가 없습니다")
	}
	switch domain.PositionSide(side) {
	case domain.LongPosition, domain.ShortPosition:
		s.Side = domain.PositionSide(side)
	default:
		return domain.Signal{}, fmt.Errorf("side 값이 유효하지 않습니다: %s", side)
	}

	var err error
	if s.EntryPrice, err = floatField(values, "entry_price"); err != nil {
		return domain.Signal{}, err
	}

	// 선택 필드: 없으면 0으로 둡니다
	s.StopPrice, _ = floatField(values, "stop_price")
	s.Volatility, _ = floatField(values, "volatility")
	s.Confidence, _ = floatField(values, "confidence")

	if ms, err := intField(values, "timestamp"); err == nil && ms > 0 {
		s.Timestamp = time.Unix(0, ms*int64(time.Millisecond))
	}

	if !s.IsValid() {
		return domain.Signal{}, fmt.Errorf("시그널 필드가 유효하지 않습니다: %+v", s)
	}

	return s, nil
}

func floatField(values map[string]interface{}, key string) (float64, error) {
	raw, ok := values[key].(string)
	if !ok {
		return 0, fmt.Errorf("%s 필드가 없습니다", key)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s 필드 파싱 실패: %w", key, err)
	}
	return v, nil
}

func intField(values map[string]interface{}, key string) (int64, error) {
	raw, ok := values[key].(string)
	if !ok {
		return 0, fmt.Errorf("%s 필드가 없습니다", key)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s 필드 파싱 실패: %w", key, err)
	}
	return v, nil
}
