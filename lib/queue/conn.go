package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/go-i2p/statepool/lib/errors"
	"github.com/go-i2p/statepool/lib/validation"
)

// Job states stored in the job hash.
const (
	JobReady    = "ready"
	JobReserved = "reserved"
	JobBuried   = "buried"
)

// Job is a unit of work stored in a tube.
type Job struct {
	ID       uint64
	Tube     string
	Body     []byte
	Priority int64
	State    string
}

// TubeStats reports the size of a tube.
type TubeStats struct {
	Name   string
	Ready  int64
	Buried int64
}

// Conn is a single Redis connection with beanstalk-style session state:
// the tube new jobs go to and the tubes Reserve takes jobs from. Redis
// itself has no sessions, so the state lives on the Conn and is lost on
// Reconnect, exactly like a beanstalkd connection.
type Conn struct {
	opts        *redis.Options
	keys        keys
	defaultTube string

	mu       sync.Mutex
	rdb      *redis.Client
	using    string
	watching map[string]struct{}
}

// Dial opens a connection and checks it with PING.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	c := &Conn{
		opts:        opts.redisOptions(),
		keys:        keys{prefix: opts.KeyPrefix},
		defaultTube: opts.DefaultTube,
	}
	c.rdb = redis.NewClient(c.opts)
	c.resetLocked()

	if err := c.rdb.Ping(ctx).Err(); err != nil {
		_ = c.rdb.Close()
		return nil, fmt.Errorf("dial %s: %w", c.opts.Addr, err)
	}
	log.WithField("addr", c.opts.Addr).Debug("connected to redis")
	return c, nil
}

func (c *Conn) resetLocked() {
	c.using = c.defaultTube
	c.watching = map[string]struct{}{c.defaultTube: {}}
}

func (c *Conn) client() *redis.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rdb
}

// Reconnect replaces the underlying connection. Session state returns to
// the default tube.
func (c *Conn) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	old := c.rdb
	c.rdb = redis.NewClient(c.opts)
	c.resetLocked()
	rdb := c.rdb
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("reconnect %s: %w", c.opts.Addr, err)
	}
	return nil
}

// Close closes the connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rdb == nil {
		return nil
	}
	err := c.rdb.Close()
	c.rdb = nil
	return err
}

// Ping checks the connection.
func (c *Conn) Ping(ctx context.Context) error {
	rdb := c.client()
	if rdb == nil {
		return redis.ErrClosed
	}
	return rdb.Ping(ctx).Err()
}

// Use selects the tube Put writes to.
func (c *Conn) Use(tube string) error {
	if err := validation.ValidateUseParams(tube); err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrInvalidTube, err)
	}
	if err := c.register(tube); err != nil {
		return err
	}
	c.mu.Lock()
	c.using = tube
	c.mu.Unlock()
	return nil
}

// Watch adds tube to the tubes Reserve takes jobs from.
func (c *Conn) Watch(tube string) error {
	if err := validation.ValidateWatchParams(tube); err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrInvalidTube, err)
	}
	if err := c.register(tube); err != nil {
		return err
	}
	c.mu.Lock()
	c.watching[tube] = struct{}{}
	c.mu.Unlock()
	return nil
}

// Ignore removes tube from the watch list. The last watched tube cannot be
// ignored.
func (c *Conn) Ignore(tube string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.watching[tube]; ok && len(c.watching) == 1 {
		return fmt.Errorf("ignore %q: %w", tube, apperrors.ErrNotIgnored)
	}
	delete(c.watching, tube)
	return nil
}

// register records the tube in the set of known tubes.
func (c *Conn) register(tube string) error {
	rdb := c.client()
	if rdb == nil {
		return redis.ErrClosed
	}
	return rdb.SAdd(context.Background(), c.keys.tubes(), tube).Err()
}

// Using returns the tube Put writes to.
func (c *Conn) Using() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.using
}

// Watching returns the watched tubes, sorted.
func (c *Conn) Watching() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	tubes := make([]string, 0, len(c.watching))
	for t := range c.watching {
		tubes = append(tubes, t)
	}
	sort.Strings(tubes)
	return tubes
}

// Put stores a job in the tube in use and returns its id.
func (c *Conn) Put(ctx context.Context, body []byte, priority int64) (uint64, error) {
	tube := c.Using()
	if err := validation.ValidatePutParams(tube, body, priority); err != nil {
		return 0, err
	}
	rdb := c.client()
	if rdb == nil {
		return 0, redis.ErrClosed
	}

	id, err := rdb.Incr(ctx, c.keys.seq()).Uint64()
	if err != nil {
		return 0, err
	}
	_, err = rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, c.keys.job(id),
			"tube", tube,
			"body", body,
			"priority", priority,
			"state", JobReady,
		)
		pipe.LPush(ctx, c.keys.ready(tube), id)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Reserve waits for a job on any watched tube and marks it reserved.
// A zero timeout waits until ctx is done.
func (c *Conn) Reserve(ctx context.Context, timeout time.Duration) (*Job, error) {
	rdb := c.client()
	if rdb == nil {
		return nil, redis.ErrClosed
	}
	watching := c.Watching()
	lists := make([]string, len(watching))
	for i, tube := range watching {
		lists[i] = c.keys.ready(tube)
	}

	res, err := rdb.BRPop(ctx, timeout, lists...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, apperrors.ErrReserveTimeout
	}
	if err != nil {
		return nil, err
	}

	id, err := strconv.ParseUint(res[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed job id %q in %s: %w", res[1], res[0], apperrors.ErrInternal)
	}
	if err := rdb.HSet(ctx, c.keys.job(id), "state", JobReserved).Err(); err != nil {
		return nil, err
	}
	return c.peek(ctx, rdb, id)
}

// Peek returns a job without changing it.
func (c *Conn) Peek(ctx context.Context, id uint64) (*Job, error) {
	rdb := c.client()
	if rdb == nil {
		return nil, redis.ErrClosed
	}
	return c.peek(ctx, rdb, id)
}

func (c *Conn) peek(ctx context.Context, rdb *redis.Client, id uint64) (*Job, error) {
	fields, err := rdb.HGetAll(ctx, c.keys.job(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("job %d: %w", id, apperrors.ErrJobNotFound)
	}
	priority, _ := strconv.ParseInt(fields["priority"], 10, 64)
	return &Job{
		ID:       id,
		Tube:     fields["tube"],
		Body:     []byte(fields["body"]),
		Priority: priority,
		State:    fields["state"],
	}, nil
}

// Delete removes a job.
func (c *Conn) Delete(ctx context.Context, id uint64) error {
	job, err := c.Peek(ctx, id)
	if err != nil {
		return err
	}
	rdb := c.client()
	if rdb == nil {
		return redis.ErrClosed
	}
	_, err = rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, c.keys.job(id))
		pipe.LRem(ctx, c.keys.ready(job.Tube), 0, id)
		pipe.SRem(ctx, c.keys.buried(job.Tube), id)
		return nil
	})
	return err
}

// Release puts a reserved job back into its tube.
func (c *Conn) Release(ctx context.Context, id uint64) error {
	job, err := c.reserved(ctx, id)
	if err != nil {
		return err
	}
	rdb := c.client()
	if rdb == nil {
		return redis.ErrClosed
	}
	_, err = rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, c.keys.job(id), "state", JobReady)
		pipe.LPush(ctx, c.keys.ready(job.Tube), id)
		return nil
	})
	return err
}

// Bury sets a reserved job aside until it is deleted.
func (c *Conn) Bury(ctx context.Context, id uint64) error {
	job, err := c.reserved(ctx, id)
	if err != nil {
		return err
	}
	rdb := c.client()
	if rdb == nil {
		return redis.ErrClosed
	}
	_, err = rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, c.keys.job(id), "state", JobBuried)
		pipe.SAdd(ctx, c.keys.buried(job.Tube), id)
		return nil
	})
	return err
}

func (c *Conn) reserved(ctx context.Context, id uint64) (*Job, error) {
	job, err := c.Peek(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.State != JobReserved {
		return nil, fmt.Errorf("job %d is %s: %w", id, job.State, apperrors.ErrJobNotFound)
	}
	return job, nil
}

// StatsTube reports the ready and buried counts of a tube.
func (c *Conn) StatsTube(ctx context.Context, tube string) (TubeStats, error) {
	if err := validation.TubeName("tube", tube); err != nil {
		return TubeStats{}, fmt.Errorf("%w: %w", apperrors.ErrInvalidTube, err)
	}
	rdb := c.client()
	if rdb == nil {
		return TubeStats{}, redis.ErrClosed
	}
	var ready, buried *redis.IntCmd
	_, err := rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		ready = pipe.LLen(ctx, c.keys.ready(tube))
		buried = pipe.SCard(ctx, c.keys.buried(tube))
		return nil
	})
	if err != nil {
		return TubeStats{}, err
	}
	return TubeStats{Name: tube, Ready: ready.Val(), Buried: buried.Val()}, nil
}

// Tubes lists every tube used or watched so far.
func (c *Conn) Tubes(ctx context.Context) ([]string, error) {
	rdb := c.client()
	if rdb == nil {
		return nil, redis.ErrClosed
	}
	tubes, err := rdb.SMembers(ctx, c.keys.tubes()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(tubes)
	return tubes, nil
}

// keys builds the Redis key layout under a prefix.
type keys struct {
	prefix string
}

func (k keys) seq() string { return k.prefix + ":seq" }

func (k keys) tubes() string { return k.prefix + ":tubes" }

func (k keys) job(id uint64) string { return k.prefix + ":job:" + strconv.FormatUint(id, 10) }

func (k keys) ready(tube string) string { return k.prefix + ":tube:" + tube }

func (k keys) buried(tube string) string { return k.prefix + ":buried:" + tube }
