// Package recovery 定时重放卡住的 saga，并清理已完成 saga 的事件日志
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pen/orchestrator/internal/saga"
	"github.com/pen/orchestrator/pkg/health"
	"github.com/pen/orchestrator/pkg/logger"
)

// Replayer 重放单个 saga
type Replayer interface {
	Replay(ctx context.Context, sagaID string) (saga.Result, error)
}

// Observer 可选的指标回调
type Observer interface {
	IncRecoveryRuns()
	ObserveRetention(events, sagas int64)
}

type Options struct {
	Interval   time.Duration
	Grace      time.Duration
	BatchSize  int
	MaxRetries int // 0 表示不限

	// RetentionSpec 为空则不启用清理
	RetentionSpec        string
	RetentionAge         time.Duration
	RetentionDeleteSagas bool

	Logger   *logger.Logger
	Observer Observer
	Monitor  *health.LoopMonitor
	Now      func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.Grace <= 0 {
		o.Grace = 5 * time.Minute
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetentionAge <= 0 {
		o.RetentionAge = 30 * 24 * time.Hour
	}
	if o.Logger == nil {
		o.Logger = logger.Nop()
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type job struct {
	name     string
	schedule cron.Schedule
	fn       func(ctx context.Context)
}

// Scheduler 恢复与清理任务调度器
type Scheduler struct {
	store    saga.Store
	replayer Replayer
	opts     Options
	log      *logger.Logger

	mu   sync.Mutex
	jobs []job
}

func New(store saga.Store, replayer Replayer, opts Options) (*Scheduler, error) {
	opts = opts.withDefaults()
	s := &Scheduler{
		store:    store,
		replayer: replayer,
		opts:     opts,
		log:      opts.Logger.WithField("component", "recovery"),
	}
	s.jobs = append(s.jobs, job{name: "recovery", schedule: cron.Every(opts.Interval), fn: func(ctx context.Context) {
		if _, err := s.RunRecovery(ctx); err != nil && ctx.Err() == nil {
			s.log.WithError(err).Warn("recovery run failed")
		}
	}})
	if opts.RetentionSpec != "" {
		schedule, err := parser.Parse(opts.RetentionSpec)
		if err != nil {
			return nil, fmt.Errorf("invalid retention cron %q: %w", opts.RetentionSpec, err)
		}
		s.jobs = append(s.jobs, job{name: "retention", schedule: schedule, fn: func(ctx context.Context) {
			if _, _, err := s.RunRetention(ctx); err != nil && ctx.Err() == nil {
				s.log.WithError(err).Warn("retention run failed")
			}
		}})
	}
	return s, nil
}

// AddEvery 追加周期任务，需在 Run 之前调用
func (s *Scheduler) AddEvery(name string, every time.Duration, fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job{name: name, schedule: cron.Every(every), fn: fn})
}

// Run 启动调度，阻塞到 ctx 结束并等待正在执行的任务退出
func (s *Scheduler) Run(ctx context.Context) error {
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	s.mu.Lock()
	for _, j := range s.jobs {
		c.Schedule(j.schedule, cron.FuncJob(func() {
			if ctx.Err() != nil {
				return
			}
			j.fn(ctx)
		}))
		s.log.Infof("job scheduled", logger.Fields{"job": j.name})
	}
	s.mu.Unlock()

	if s.opts.Monitor != nil {
		s.opts.Monitor.Tick()
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// RunRecovery 重放创建时间早于 grace 的活跃 saga，返回实际被推进的数量
func (s *Scheduler) RunRecovery(ctx context.Context) (int, error) {
	cutoff := s.opts.Now().Add(-s.opts.Grace)
	sagas, err := s.store.ListSagas(ctx, saga.ListFilter{
		Statuses:      saga.ActiveStatuses,
		CreatedBefore: cutoff,
		Limit:         s.opts.BatchSize,
	})
	if err != nil {
		if s.opts.Monitor != nil {
			s.opts.Monitor.SetError(err)
		}
		return 0, fmt.Errorf("list stuck sagas: %w", err)
	}

	replayed, skipped, failed := 0, 0, 0
	for _, sg := range sagas {
		if ctx.Err() != nil {
			break
		}
		log := s.log.WithContext(ctx).WithFields(logger.Fields{
			"sagaId": sg.SagaID, "workflow": sg.SagaName, "sagaState": sg.SagaState, "retryCount": sg.RetryCount,
		})
		if s.opts.MaxRetries > 0 && sg.RetryCount >= s.opts.MaxRetries {
			log.Warn("saga reached max retries, skipped")
			skipped++
			continue
		}
		res, err := s.replayer.Replay(ctx, sg.SagaID)
		if err != nil {
			if errors.Is(err, saga.ErrSagaNotFound) {
				continue
			}
			if errors.Is(err, saga.ErrSagaForceStopped) {
				// 查询之后被人工停止
				skipped++
				continue
			}
			log.WithError(err).Warn("replay failed")
			failed++
			continue
		}
		if res == saga.ResultApplied {
			replayed++
		}
	}

	if s.opts.Observer != nil {
		s.opts.Observer.IncRecoveryRuns()
	}
	if s.opts.Monitor != nil {
		s.opts.Monitor.Tick()
	}
	if len(sagas) > 0 {
		s.log.Infof("recovery run finished", logger.Fields{
			"scanned": len(sagas), "replayed": replayed, "skipped": skipped, "failed": failed,
		})
	}
	return replayed, nil
}

// RunRetention 删除完成时间早于 RetentionAge 的 saga 事件
func (s *Scheduler) RunRetention(ctx context.Context) (int64, int64, error) {
	cutoff := s.opts.Now().Add(-s.opts.RetentionAge)
	events, sagas, err := s.store.DeleteCompletedBefore(ctx, cutoff, s.opts.RetentionDeleteSagas)
	if err != nil {
		return 0, 0, fmt.Errorf("delete completed sagas: %w", err)
	}
	if s.opts.Observer != nil {
		s.opts.Observer.ObserveRetention(events, sagas)
	}
	s.log.Infof("retention run finished", logger.Fields{"events": events, "sagas": sagas, "cutoff": cutoff})
	return events, sagas, nil
}

// cronLogger 把 cron 的 key/value 日志转为结构化字段
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugf("cron: "+msg, toFields(keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithError(err).Errorf("cron: "+msg, toFields(keysAndValues))
}

func toFields(kv []interface{}) logger.Fields {
	fields := make(logger.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		fields[key] = kv[i+1]
	}
	return fields
}
