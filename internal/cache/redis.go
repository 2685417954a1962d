package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/langchou/fleetgazer/internal/models"
)

const (
	ChannelEvents = "fleet:events"
	ChannelState  = "fleet:state"

	geoKey   = "fleet:geo"
	stateTTL = 30 * time.Minute
)

// cooldownScript 按设备上报时间判断冷却：与已记录时间相差小于冷却期则拒绝
// 只有更晚的事件才刷新记录，乱序到达的旧事件不会推后窗口
var cooldownScript = redis.NewScript(`
local last = redis.call('GET', KEYS[1])
local at = tonumber(ARGV[1])
local cd = tonumber(ARGV[2])
if last then
  local prev = tonumber(last)
  if math.abs(at - prev) < cd then
    return 0
  end
  if at < prev then
    return 1
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

// releaseScript 事件写库失败时撤销冷却记录，只删除自己写入的值
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Options Redis 连接参数
type Options struct {
	Addr     string
	Password string
	DB       int
}

// RedisStore 冷却闸门、设备状态缓存与事件发布
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore 创建 Redis 连接
func NewRedisStore(ctx context.Context, opts Options) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     20,
		MinIdleConns: 2,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewFromClient 使用已有客户端
func NewFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Close 关闭连接
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Ping 健康检查
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// AcquireCooldown 原子判断并占用冷却窗口，返回 true 表示事件可以发出
func (r *RedisStore) AcquireCooldown(ctx context.Context, key string, occurredAt time.Time, cooldown time.Duration) (bool, error) {
	ttl := cooldown + time.Hour
	res, err := cooldownScript.Run(ctx, r.client, []string{CooldownKey(key)},
		occurredAt.UnixMilli(), cooldown.Milliseconds(), ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("acquire cooldown: %w", err)
	}
	return res == 1, nil
}

// ReleaseCooldown 撤销 AcquireCooldown 写入的记录
func (r *RedisStore) ReleaseCooldown(ctx context.Context, key string, occurredAt time.Time) error {
	err := releaseScript.Run(ctx, r.client, []string{CooldownKey(key)},
		strconv.FormatInt(occurredAt.UnixMilli(), 10)).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("release cooldown: %w", err)
	}
	return nil
}

// PublishState 写入设备状态缓存、更新地理索引并广播
func (r *RedisStore) PublishState(ctx context.Context, cp *models.CurrentPosition) error {
	stateData := StateFields(cp)
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	key := StateKey(cp.DeviceID)
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, stateData)
	pipe.Expire(ctx, key, stateTTL)
	if cp.LocationValid && cp.Latitude != nil && cp.Longitude != nil {
		pipe.GeoAdd(ctx, geoKey, &redis.GeoLocation{
			Name:      strconv.FormatInt(cp.DeviceID, 10),
			Longitude: *cp.Longitude,
			Latitude:  *cp.Latitude,
		})
	}
	pipe.Publish(ctx, ChannelState, payload)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

// PublishEvent 广播新写入的领域事件
func (r *RedisStore) PublishEvent(ctx context.Context, e *models.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, ChannelEvents, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// GetState 读取缓存的设备状态，不存在时返回 nil
func (r *RedisStore) GetState(ctx context.Context, deviceID int64) (map[string]string, error) {
	vals, err := r.client.HGetAll(ctx, StateKey(deviceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get cached state: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return vals, nil
}

// Nearby 查找半径内的设备 ID，按距离升序
func (r *RedisStore) Nearby(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]NearbyDevice, error) {
	if limit <= 0 {
		limit = 50
	}
	locs, err := r.client.GeoSearchLocation(ctx, geoKey, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lon,
			Latitude:   lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
		WithDist: true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo search: %w", err)
	}

	out := make([]NearbyDevice, 0, len(locs))
	for _, l := range locs {
		id, err := strconv.ParseInt(l.Name, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, NearbyDevice{DeviceID: id, DistanceKm: l.Dist})
	}
	return out, nil
}

// NearbyDevice 附近设备
type NearbyDevice struct {
	DeviceID   int64   `json:"device_id"`
	DistanceKm float64 `json:"distance_km"`
}

// Subscribe 订阅事件与状态频道，收到消息时回调，ctx 结束后返回
func (r *RedisStore) Subscribe(ctx context.Context, handle func(channel string, payload []byte)) error {
	sub := r.client.Subscribe(ctx, ChannelEvents, ChannelState)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handle(msg.Channel, []byte(msg.Payload))
		}
	}
}

// CooldownKey 冷却记录的 Redis key
func CooldownKey(key string) string {
	return "cooldown:" + key
}

// StateKey 设备状态缓存 key
func StateKey(deviceID int64) string {
	return fmt.Sprintf("device:%d:state", deviceID)
}

// StateFields 状态缓存的 hash 字段
func StateFields(cp *models.CurrentPosition) map[string]interface{} {
	fields := map[string]interface{}{
		"device_id":           cp.DeviceID,
		"vendor_device_id":    cp.VendorDeviceID,
		"speed_kmh":           cp.SpeedKmh,
		"ignition":            cp.Ignition,
		"ignition_confidence": cp.IgnitionConfidence,
		"detection_method":    string(cp.DetectionMethod),
		"online":              cp.Online,
		"state":               cp.State,
		"recorded_at":         cp.RecordedAt.Unix(),
	}
	if cp.LocationValid && cp.Latitude != nil && cp.Longitude != nil {
		fields["lat"] = *cp.Latitude
		fields["lng"] = *cp.Longitude
	}
	if cp.BatteryPercent != nil {
		fields["battery_percent"] = *cp.BatteryPercent
	}
	return fields
}
