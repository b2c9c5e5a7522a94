package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store はジョブレコードの保存先です。
// Transition は比較交換として動作し、現在の状態が from と一致し、かつ遷移が許可されている場合のみ成功します。
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Transition(ctx context.Context, id string, from, to State, mutate func(*Job)) (*Job, error)
	// Update は状態以外のフィールド（進捗ステージなど）を更新します。
	Update(ctx context.Context, id string, mutate func(*Job)) (*Job, error)
	Delete(ctx context.Context, id string) error
	// ListByState は指定状態に enteredBefore 以前から留まっているジョブを返します。
	// enteredBefore がゼロ値の場合は全件を返します。
	ListByState(ctx context.Context, state State, enteredBefore time.Time) ([]*Job, error)
}

var allowedTransitions = map[State][]State{
	StateQueued:    {StateRunning, StateCancelled, StateFailed},
	StateRunning:   {StateSucceeded, StateFailed, StateCancelled},
	StateSucceeded: {},
	StateFailed:    {},
	StateCancelled: {},
}

func isAllowedTransition(from, to State) bool {
	for _, target := range allowedTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// applyTransition は遷移条件を検査し、mutate を適用した新しいレコードを返します。
func applyTransition(current *Job, from, to State, mutate func(*Job), now time.Time) (*Job, error) {
	if current.State != from || !isAllowedTransition(from, to) {
		return nil, &TransitionError{JobID: current.ID, From: from, To: to, Current: current.State}
	}
	next := current.clone()
	if mutate != nil {
		mutate(next)
	}
	next.ID = current.ID
	next.SessionID = current.SessionID
	next.State = to
	next.UpdatedAt = now
	if to.Terminal() && next.FinishedAt.IsZero() {
		next.FinishedAt = now
	}
	if to == StateRunning && next.StartedAt.IsZero() {
		next.StartedAt = now
	}
	return next, nil
}

func applyUpdate(current *Job, mutate func(*Job), now time.Time) *Job {
	next := current.clone()
	if mutate != nil {
		mutate(next)
	}
	next.ID = current.ID
	next.SessionID = current.SessionID
	next.State = current.State
	next.UpdatedAt = now
	return next
}

const (
	jobKeyPrefix        = "job:"
	stateIndexKeyPrefix = "jobs:state:"
	maxWatchRetries     = 16
)

// RedisStore はジョブ状態を Redis に保存します。
// 状態ごとのソート済みセット（スコア＝その状態に入った時刻）でウォッチドッグと保持期間の走査を行います。
type RedisStore struct {
	rdb         *redis.Client
	prefix      string
	terminalTTL time.Duration
	now         func() time.Time
}

// NewRedisStore は RedisStore を作成します。terminalTTL は終了済みレコードに設定する有効期限です。
// namespace を指定するとキーに接頭辞を付け、同じ Redis を共有するインスタンス同士のジョブを分離します。
func NewRedisStore(rdb *redis.Client, namespace string, terminalTTL time.Duration) *RedisStore {
	prefix := ""
	if namespace != "" {
		prefix = namespace + ":"
	}
	return &RedisStore{
		rdb:         rdb,
		prefix:      prefix,
		terminalTTL: terminalTTL,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Create はジョブを作成します。同じIDが既に存在する場合はエラーになります。
func (s *RedisStore) Create(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job is nil or has no id")
	}
	now := s.now()
	record := job.clone()
	if record.SubmittedAt.IsZero() {
		record.SubmittedAt = now
	}
	record.UpdatedAt = now
	payload, err := encodeJob(record)
	if err != nil {
		return err
	}

	key := s.jobKey(record.ID)
	ok, err := s.rdb.SetNX(ctx, key, payload, s.ttlFor(record.State)).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s already exists", record.ID)
	}
	if err := s.rdb.ZAdd(ctx, s.stateIndexKey(record.State), redis.Z{Score: score(record.enteredAt()), Member: record.ID}).Err(); err != nil {
		return err
	}
	*job = *record
	return nil
}

// Get はジョブ情報を取得します。
func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	data, err := s.rdb.Get(ctx, s.jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeJob(data)
}

// Transition は状態を from から to へ比較交換で遷移させます。
func (s *RedisStore) Transition(ctx context.Context, id string, from, to State, mutate func(*Job)) (*Job, error) {
	var result *Job
	err := s.watch(ctx, id, func(tx *redis.Tx, current *Job) error {
		next, err := applyTransition(current, from, to, mutate, s.now())
		if err != nil {
			return err
		}
		payload, err := encodeJob(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.jobKey(id), payload, s.ttlFor(to))
			pipe.ZRem(ctx, s.stateIndexKey(from), id)
			pipe.ZAdd(ctx, s.stateIndexKey(to), redis.Z{Score: score(next.enteredAt()), Member: id})
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	})
	return result, err
}

// Update は状態を変えずにレコードを更新します。
func (s *RedisStore) Update(ctx context.Context, id string, mutate func(*Job)) (*Job, error) {
	var result *Job
	err := s.watch(ctx, id, func(tx *redis.Tx, current *Job) error {
		next := applyUpdate(current, mutate, s.now())
		payload, err := encodeJob(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.jobKey(id), payload, redis.KeepTTL)
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	})
	return result, err
}

// Delete はジョブを削除します。存在しない場合も成功として扱います。
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.jobKey(id))
		for _, state := range AllStates() {
			pipe.ZRem(ctx, s.stateIndexKey(state), id)
		}
		return nil
	})
	return err
}

// ListByState は状態インデックスからジョブを取得します。有効期限切れのエントリはインデックスから除去します。
func (s *RedisStore) ListByState(ctx context.Context, state State, enteredBefore time.Time) ([]*Job, error) {
	maxScore := "+inf"
	if !enteredBefore.IsZero() {
		maxScore = strconv.FormatInt(enteredBefore.UnixMilli(), 10)
	}
	ids, err := s.rdb.ZRangeByScore(ctx, s.stateIndexKey(state), &redis.ZRangeBy{Min: "-inf", Max: maxScore}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.jobKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var (
		list  []*Job
		stale []any
	)
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		job, err := decodeJob([]byte(raw))
		if err != nil {
			return nil, err
		}
		if job.State != state {
			continue
		}
		list = append(list, job)
	}
	if len(stale) > 0 {
		_ = s.rdb.ZRem(ctx, s.stateIndexKey(state), stale...).Err()
	}
	return list, nil
}

// watch は WATCH/MULTI で楽観的ロックをかけ、競合時は再試行します。
func (s *RedisStore) watch(ctx context.Context, id string, fn func(tx *redis.Tx, current *Job) error) error {
	key := s.jobKey(id)
	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return ErrNotFound
				}
				return err
			}
			current, err := decodeJob(data)
			if err != nil {
				return err
			}
			return fn(tx, current)
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("job %s: too many concurrent updates: %w", id, ErrContention)
}

func (s *RedisStore) ttlFor(state State) time.Duration {
	if state.Terminal() && s.terminalTTL > 0 {
		return s.terminalTTL
	}
	return 0
}

func encodeJob(job *Job) ([]byte, error) {
	return json.Marshal(storedJob{Job: job, SessionID: job.SessionID})
}

func decodeJob(data []byte) (*Job, error) {
	stored := storedJob{Job: &Job{}}
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	stored.Job.SessionID = stored.SessionID
	return stored.Job, nil
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func (s *RedisStore) jobKey(id string) string {
	return s.prefix + jobKeyPrefix + id
}

func (s *RedisStore) stateIndexKey(state State) string {
	return s.prefix + stateIndexKeyPrefix + string(state)
}
