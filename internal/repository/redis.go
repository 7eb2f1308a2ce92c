package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/lvdashuaibi/littlegate/config"
	"github.com/lvdashuaibi/littlegate/internal/model"
)

const (
	// Redis键前缀
	TicketKey      = "gate:ticket:"
	BookingKey     = "gate:booking:"
	EventCountsKey = "gate:event:"
	ReplayKey      = "gate:replay:"

	// 创建票据：KEYS[1]票据 KEYS[2]订单索引 KEYS[3]活动计数
	CreateTicketScript = `
		if redis.call('EXISTS', KEYS[1]) == 1 then
			return 0
		end
		for i = 2, #ARGV, 2 do
			redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
		end
		redis.call('SADD', KEYS[2], ARGV[1])
		redis.call('HINCRBY', KEYS[3], 'unused', 1)
		return 1
	`

	// unused→used：KEYS[1]票据 KEYS[2]活动计数。
	// 同一扫码机同一attemptID的重试同样返回1
	MarkUsedScript = `
		local status = redis.call('HGET', KEYS[1], 'status')
		if not status then
			return -1
		end

		if status == 'unused' then
			redis.call('HSET', KEYS[1], 'status', 'used', 'used_at', ARGV[1], 'used_by', ARGV[2], 'used_attempt', ARGV[3])
			redis.call('HINCRBY', KEYS[2], 'unused', -1)
			redis.call('HINCRBY', KEYS[2], 'used', 1)
			return 1
		end

		if status == 'used' and ARGV[3] ~= ''
			and redis.call('HGET', KEYS[1], 'used_attempt') == ARGV[3]
			and redis.call('HGET', KEYS[1], 'used_by') == ARGV[2] then
			return 1
		end
		return 0
	`

	// unused→cancelled：KEYS[1]票据 KEYS[2]活动计数
	CancelTicketScript = `
		local status = redis.call('HGET', KEYS[1], 'status')
		if not status then
			return -1
		end
		if status ~= 'unused' then
			return 0
		end

		redis.call('HSET', KEYS[1], 'status', 'cancelled')
		redis.call('HINCRBY', KEYS[2], 'unused', -1)
		redis.call('HINCRBY', KEYS[2], 'cancelled', 1)
		return 1
	`
)

var scripts = map[string]string{
	"createTicket": CreateTicketScript,
	"markUsed":     MarkUsedScript,
	"cancelTicket": CancelTicketScript,
}

type RedisRepository struct {
	client    *redis.Client
	retention time.Duration

	mu           sync.RWMutex
	scriptHashes map[string]string // 存储脚本SHA1哈希值
}

func NewRedisRepository() (*RedisRepository, error) {
	ctx := context.Background()

	client := redis.NewClient(&redis.Options{
		Addr:         config.AppConfig.Redis.DataAddress,
		Password:     config.AppConfig.Redis.Password,
		DB:           config.AppConfig.Redis.DB,
		PoolSize:     config.AppConfig.Redis.PoolSize,
		MaxRetries:   config.AppConfig.Redis.MaxRetries,
		DialTimeout:  config.AppConfig.Redis.Timeout,
		ReadTimeout:  config.AppConfig.Redis.Timeout,
		WriteTimeout: config.AppConfig.Redis.Timeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("Redis数据节点连接测试失败: %w", err)
	}

	return NewRedisRepositoryWithClient(ctx, client, config.AppConfig.Replay.Retention)
}

// NewRedisRepositoryWithClient 使用已有客户端，retention 为防重放条目的过期时间
func NewRedisRepositoryWithClient(ctx context.Context, client *redis.Client, retention time.Duration) (*RedisRepository, error) {
	repo := &RedisRepository{
		client:       client,
		retention:    retention,
		scriptHashes: make(map[string]string),
	}

	if err := repo.preloadScripts(ctx); err != nil {
		return nil, fmt.Errorf("预加载Lua脚本失败: %w", err)
	}
	return repo, nil
}

// preloadScripts 预加载所有Lua脚本
func (r *RedisRepository) preloadScripts(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, src := range scripts {
		sha1, err := r.client.ScriptLoad(ctx, src).Result()
		if err != nil {
			return fmt.Errorf("加载脚本 %s 失败: %w", name, err)
		}
		r.scriptHashes[name] = sha1
	}
	return nil
}

// evalScript 使用EVALSHA执行脚本，脚本缓存被清空时重新加载
func (r *RedisRepository) evalScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	r.mu.RLock()
	sha1, ok := r.scriptHashes[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("脚本 %s 未预加载", name)
	}

	result, err := r.client.EvalSha(ctx, sha1, keys, args...).Result()
	if err == nil || !strings.HasPrefix(err.Error(), "NOSCRIPT") {
		return result, err
	}

	sha1, err = r.client.ScriptLoad(ctx, scripts[name]).Result()
	if err != nil {
		return nil, fmt.Errorf("重新加载脚本 %s 失败: %w", name, err)
	}
	r.mu.Lock()
	r.scriptHashes[name] = sha1
	r.mu.Unlock()

	return r.client.EvalSha(ctx, sha1, keys, args...).Result()
}

func scriptStatus(result interface{}) (int64, error) {
	status, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("LUA脚本返回类型错误: %T", result)
	}
	return status, nil
}

// CreateTicket 创建票据，票号已存在时返回 ErrTicketExists
func (r *RedisRepository) CreateTicket(ctx context.Context, t *model.Ticket) error {
	args := append([]interface{}{t.TicketNumber}, ticketToHash(t)...)
	result, err := r.evalScript(ctx, "createTicket",
		[]string{TicketKey + t.TicketNumber, BookingKey + t.BookingID, eventCountsKey(t.EventID)}, args...)
	if err != nil {
		return classify("创建票据失败", err)
	}
	status, err := scriptStatus(result)
	if err != nil {
		return err
	}
	if status == 0 {
		return fmt.Errorf("%w: %s", model.ErrTicketExists, t.TicketNumber)
	}
	return nil
}

func (r *RedisRepository) GetTicket(ctx context.Context, ticketNumber string) (*model.Ticket, error) {
	data, err := r.client.HGetAll(ctx, TicketKey+ticketNumber).Result()
	if err != nil {
		return nil, classify("获取票据失败", err)
	}
	if len(data) == 0 {
		return nil, model.ErrTicketNotFound
	}
	return ticketFromHash(data)
}

func (r *RedisRepository) GetTicketsByBooking(ctx context.Context, bookingID string) ([]*model.Ticket, error) {
	numbers, err := r.client.SMembers(ctx, BookingKey+bookingID).Result()
	if err != nil {
		return nil, classify("按订单查询票据失败", err)
	}
	sort.Strings(numbers)

	tickets := make([]*model.Ticket, 0, len(numbers))
	for _, n := range numbers {
		t, err := r.GetTicket(ctx, n)
		if errors.Is(err, model.ErrTicketNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	return tickets, nil
}

// MarkUsed 使用Lua脚本完成 unused→used，保证原子性
func (r *RedisRepository) MarkUsed(ctx context.Context, ticketNumber string, usedAt time.Time, usedBy, attemptID string) (*model.ConsumeResult, error) {
	counts, err := r.countsKeyOf(ctx, ticketNumber)
	if err != nil {
		return nil, err
	}
	result, err := r.evalScript(ctx, "markUsed", []string{TicketKey + ticketNumber, counts},
		usedAt.UTC().Format(time.RFC3339Nano), usedBy, attemptID)
	if err != nil {
		return nil, classify("执行核销脚本失败", err)
	}
	status, err := scriptStatus(result)
	if err != nil {
		return nil, err
	}
	if status == -1 {
		return nil, model.ErrTicketNotFound
	}

	t, err := r.GetTicket(ctx, ticketNumber)
	if err != nil {
		return nil, err
	}
	return &model.ConsumeResult{Won: status == 1, Ticket: t}, nil
}

// Cancel unused→cancelled
func (r *RedisRepository) Cancel(ctx context.Context, ticketNumber string) (bool, error) {
	counts, err := r.countsKeyOf(ctx, ticketNumber)
	if err != nil {
		return false, err
	}
	result, err := r.evalScript(ctx, "cancelTicket", []string{TicketKey + ticketNumber, counts})
	if err != nil {
		return false, classify("执行作废脚本失败", err)
	}
	status, err := scriptStatus(result)
	if err != nil {
		return false, err
	}
	if status == -1 {
		return false, model.ErrTicketNotFound
	}
	return status == 1, nil
}

// TicketCounts 读取脚本维护的活动计数
func (r *RedisRepository) TicketCounts(ctx context.Context, eventID string) ([]model.StatusCount, error) {
	data, err := r.client.HGetAll(ctx, eventCountsKey(eventID)).Result()
	if err != nil {
		return nil, classify("读取票据计数失败", err)
	}

	counts := make(map[string]int, len(data))
	for status, v := range data {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("解析票据计数失败: %w", err)
		}
		if n > 0 {
			counts[status] = n
		}
	}
	return sortedCounts(counts), nil
}

// AdmitOnce SET NX PX，条目随保留期自动过期
func (r *RedisRepository) AdmitOnce(ctx context.Context, record *model.ReplayRecord) (*model.AdmitResult, error) {
	if record.FirstSeenAt.IsZero() {
		record.FirstSeenAt = time.Now().UTC()
	}
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("序列化防重放记录失败: %w", err)
	}
	key := ReplayKey + record.Fingerprint

	// 第二轮只在旧条目恰好过期时发生
	for i := 0; i < 2; i++ {
		ok, err := r.client.SetNX(ctx, key, data, r.retention).Result()
		if err != nil {
			return nil, classify("写入防重放记录失败", err)
		}
		if ok {
			return &model.AdmitResult{Admitted: true}, nil
		}

		raw, err := r.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, classify("读取防重放记录失败", err)
		}

		var prev model.ReplayRecord
		if err := json.Unmarshal(raw, &prev); err != nil {
			return nil, fmt.Errorf("解析防重放记录失败: %w", err)
		}
		return &model.AdmitResult{
			Admitted: false,
			Previous: &prev,
		}, nil
	}
	return &model.AdmitResult{Admitted: false}, nil
}

// Close 关闭Redis连接
func (r *RedisRepository) Close() error {
	return r.client.Close()
}

// countsKeyOf 脚本访问的键都要通过 KEYS 传入，event_id 创建后不再变化，可在脚本外读取
func (r *RedisRepository) countsKeyOf(ctx context.Context, ticketNumber string) (string, error) {
	eventID, err := r.client.HGet(ctx, TicketKey+ticketNumber, "event_id").Result()
	if err == redis.Nil {
		return "", model.ErrTicketNotFound
	}
	if err != nil {
		return "", classify("读取票据活动失败", err)
	}
	return eventCountsKey(eventID), nil
}

func eventCountsKey(eventID string) string {
	return EventCountsKey + eventID + ":counts"
}

func ticketToHash(t *model.Ticket) []interface{} {
	fields := []interface{}{
		"ticket_id", t.TicketID,
		"event_id", t.EventID,
		"booking_id", t.BookingID,
		"ticket_number", t.TicketNumber,
		"ticket_type", t.TicketType,
		"holder_name", t.HolderName,
		"seat", t.Seat,
		"event_name", t.EventName,
		"event_date", t.EventDate.UTC().Format(time.RFC3339Nano),
		"token", t.Token,
		"status", string(t.Status),
		"used_by", t.UsedBy,
		"used_attempt", t.UsedAttempt,
		"created_at", t.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if t.UsedAt != nil {
		fields = append(fields, "used_at", t.UsedAt.UTC().Format(time.RFC3339Nano))
	}
	return fields
}

func ticketFromHash(data map[string]string) (*model.Ticket, error) {
	t := &model.Ticket{
		TicketID:     data["ticket_id"],
		EventID:      data["event_id"],
		BookingID:    data["booking_id"],
		TicketNumber: data["ticket_number"],
		TicketType:   data["ticket_type"],
		HolderName:   data["holder_name"],
		Seat:         data["seat"],
		EventName:    data["event_name"],
		Token:        data["token"],
		Status:       model.TicketStatus(data["status"]),
		UsedBy:       data["used_by"],
		UsedAttempt:  data["used_attempt"],
	}

	var err error
	if t.EventDate, err = parseHashTime(data["event_date"]); err != nil {
		return nil, fmt.Errorf("解析活动时间失败: %w", err)
	}
	if t.CreatedAt, err = parseHashTime(data["created_at"]); err != nil {
		return nil, fmt.Errorf("解析创建时间失败: %w", err)
	}
	if data["used_at"] != "" {
		usedAt, err := parseHashTime(data["used_at"])
		if err != nil {
			return nil, fmt.Errorf("解析使用时间失败: %w", err)
		}
		t.UsedAt = &usedAt
	}
	return t, nil
}

func parseHashTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
