// Package rollup maintains the live per-day attendance view in redis from
// attendance.marked events.
package rollup

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"smartattendance/internal/metrics"
	"smartattendance/internal/model"
	"smartattendance/internal/queue"
)

const keyPrefix = "attendance:live:"

func studentsKey(date string) string { return keyPrefix + date }
func methodsKey(date string) string  { return keyPrefix + date + ":methods" }

// Rollup applies events to redis.
type Rollup struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

// New creates a roll-up writer. Keys expire ttl after the last event.
func New(client *redis.Client, ttl time.Duration, log *zap.Logger) *Rollup {
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Rollup{client: client, ttl: ttl, log: log}
}

// Apply records one event. The method tally counts events, the student set
// counts distinct students.
func (r *Rollup) Apply(ctx context.Context, ev model.AttendanceEvent) error {
	if ev.Date == "" || ev.StudentID == 0 {
		return errors.New("rollup: event missing date or student")
	}
	sk, mk := studentsKey(ev.Date), methodsKey(ev.Date)
	method := ev.Method
	if method == "" {
		method = "unknown"
	}

	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, sk, ev.StudentID)
		p.HIncrBy(ctx, mk, method, 1)
		p.Expire(ctx, sk, r.ttl)
		p.Expire(ctx, mk, r.ttl)
		return nil
	})
	return errors.Wrap(err, "rollup: apply")
}

// Live reads the roll-up for date.
func (r *Rollup) Live(ctx context.Context, date string) (model.LiveRollup, error) {
	out := model.LiveRollup{Date: date, StudentIDs: []int64{}, ByMethod: map[string]int{}}

	members, err := r.client.SMembers(ctx, studentsKey(date)).Result()
	if err != nil {
		return out, errors.Wrap(err, "rollup: read students")
	}
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		out.StudentIDs = append(out.StudentIDs, id)
	}
	sort.Slice(out.StudentIDs, func(i, j int) bool { return out.StudentIDs[i] < out.StudentIDs[j] })
	out.Present = int64(len(out.StudentIDs))

	counts, err := r.client.HGetAll(ctx, methodsKey(date)).Result()
	if err != nil {
		return out, errors.Wrap(err, "rollup: read methods")
	}
	for method, v := range counts {
		n, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		out.ByMethod[method] = n
	}
	return out, nil
}

// Run consumes q until ctx is done. Bad messages are logged and dropped.
func (r *Rollup) Run(ctx context.Context, q queue.Queue) error {
	msgs, err := q.Consume(ctx)
	if err != nil {
		return errors.Wrap(err, "rollup: consume")
	}
	r.log.Info("rollup consumer started")
	for msg := range msgs {
		ev, err := queue.DecodeMarked(msg)
		if err != nil {
			metrics.RollupEvents.WithLabelValues("invalid").Inc()
			r.log.Warn("dropping message", zap.String("type", msg.Type), zap.Error(err))
			continue
		}
		if err := r.Apply(ctx, ev); err != nil {
			if ctx.Err() != nil {
				break
			}
			metrics.RollupEvents.WithLabelValues("error").Inc()
			r.log.Error("rollup apply failed", zap.Int64("record_id", ev.RecordID), zap.Error(err))
			continue
		}
		metrics.RollupEvents.WithLabelValues("ok").Inc()
		r.log.Debug("rollup applied", zap.Int64("record_id", ev.RecordID), zap.String("date", ev.Date))
	}
	r.log.Info("rollup consumer stopped")
	return nil
}
