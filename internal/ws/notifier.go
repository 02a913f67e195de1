package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pen/orchestrator/internal/saga"
	"github.com/pen/orchestrator/pkg/logger"
)

// DefaultChannel saga 状态变更的 pub/sub 频道
const DefaultChannel = "pen:saga:status"

// SagaUpdate 推送给面板的 saga 快照
type SagaUpdate struct {
	SagaID         string         `json:"sagaId"`
	SagaName       string         `json:"sagaName"`
	SagaState      saga.EventType `json:"sagaState"`
	Status         saga.Status    `json:"status"`
	CorrelationKey string         `json:"correlationKey"`
	RetryCount     int            `json:"retryCount"`
	UpdateUser     string         `json:"updateUser"`
	UpdateDate     time.Time      `json:"updateDate"`
}

func updateFrom(s *saga.Saga) SagaUpdate {
	return SagaUpdate{
		SagaID:         s.SagaID,
		SagaName:       s.SagaName,
		SagaState:      s.SagaState,
		Status:         s.Status,
		CorrelationKey: s.CorrelationKey,
		RetryCount:     s.RetryCount,
		UpdateUser:     s.UpdateUser,
		UpdateDate:     s.UpdateDate,
	}
}

// Notifier 把 saga 变更发布到 Redis，所有实例的 Consumer 再推送给本地连接
type Notifier struct {
	client  *redis.Client
	channel string
	log     *logger.Logger
}

var _ saga.Notifier = (*Notifier)(nil)

func NewNotifier(client *redis.Client, channel string, log *logger.Logger) *Notifier {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Notifier{client: client, channel: channel, log: log.WithField("component", "ws.notifier")}
}

// SagaChanged 发布失败只记录日志
func (n *Notifier) SagaChanged(ctx context.Context, s *saga.Saga) {
	data, err := json.Marshal(updateFrom(s))
	if err != nil {
		n.log.WithError(err).Warn("marshal saga update failed")
		return
	}
	if err := n.client.Publish(ctx, n.channel, data).Err(); err != nil {
		n.log.WithContext(ctx).WithError(err).Warnf("publish saga update failed", logger.Fields{"sagaId": s.SagaID})
	}
}
