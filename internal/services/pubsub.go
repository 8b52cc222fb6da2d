package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"dermio/pkg/protocol"
)

// bridgeFrame Redis 通道上承载的一帧，InstanceID 用于过滤自己发布的事件
type bridgeFrame struct {
	InstanceID string            `json:"instance_id"`
	RoomID     string            `json:"room_id"`
	Envelope   protocol.Envelope `json:"envelope"`
}

// RedisBridge 在多个服务实例间扇出房间事件：本实例广播时同时发布到
// Redis，订阅端只做本地投递，避免回环
type RedisBridge struct {
	rdb        *redis.Client
	hub        *RoomHub
	instanceID string
}

const bridgeChannelPrefix = "dermio:room:"

func NewRedisBridge(rdb *redis.Client, hub *RoomHub) *RedisBridge {
	return &RedisBridge{
		rdb:        rdb,
		hub:        hub,
		instanceID: uuid.NewString(),
	}
}

// Publish 将一帧发布到该房间的 Redis 通道。失败只记录日志：
// 跨实例扇出是尽力而为，本地投递已经完成
func (b *RedisBridge) Publish(roomID string, env protocol.Envelope, excludeClientID string) {
	// excludeClientID 只在本实例有意义，远端按“非本实例”整体投递。
	// 打字与呼叫事件已在本地剔除发送方，远端实例上发送方不存在
	frame := bridgeFrame{
		InstanceID: b.instanceID,
		RoomID:     roomID,
		Envelope:   env,
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		logrus.Errorf("Encode bridge frame: %v", err)
		return
	}
	if err := b.rdb.Publish(context.Background(), bridgeChannelPrefix+roomID, payload).Err(); err != nil {
		logrus.Warnf("Publish to redis room channel %s: %v", roomID, err)
	}
}

// Run 订阅所有房间通道并把远端事件注入本地 Hub，直到 ctx 取消
func (b *RedisBridge) Run(ctx context.Context) error {
	pubsub := b.rdb.PSubscribe(ctx, bridgeChannelPrefix+"*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	logrus.Info("Redis room bridge started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis subscription closed")
			}
			var frame bridgeFrame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				logrus.Warnf("Malformed bridge frame: %v", err)
				continue
			}
			if frame.InstanceID == b.instanceID {
				continue
			}
			b.hub.deliverFromBridge(frame.RoomID, frame.Envelope)
		}
	}
}
