package redis

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/knadh/callrelay/store"
)

// Config represents the Redis store config structure.
type Config struct {
	Address     string        `koanf:"address"`
	Password    string        `koanf:"password"`
	DB          int           `koanf:"db"`
	ActiveConns int           `koanf:"active_conns"`
	IdleConns   int           `koanf:"idle_conns"`
	Timeout     time.Duration `koanf:"timeout"`

	PrefixRoom      string `koanf:"prefix_room"`
	PrefixCandidate string `koanf:"prefix_candidate"`
	PrefixData      string `koanf:"prefix_data"`
}

// Redis represents the Redis implementation of the Store interface.
type Redis struct {
	cfg  *Config
	pool *redis.Pool
}

// New returns a new Redis store.
func New(cfg Config) (*Redis, error) {
	pool := &redis.Pool{
		Wait:      true,
		MaxActive: cfg.ActiveConns,
		MaxIdle:   cfg.IdleConns,
		Dial: func() (redis.Conn, error) {
			return redis.Dial(
				"tcp",
				cfg.Address,
				redis.DialPassword(cfg.Password),
				redis.DialConnectTimeout(cfg.Timeout),
				redis.DialReadTimeout(cfg.Timeout),
				redis.DialWriteTimeout(cfg.Timeout),
				redis.DialDatabase(cfg.DB),
			)
		},
	}

	// Test connection.
	c := pool.Get()
	defer c.Close()

	if err := c.Err(); err != nil {
		return nil, err
	}
	return &Redis{cfg: &cfg, pool: pool}, nil
}

// Close closes the connection pool.
func (r *Redis) Close() error {
	return r.pool.Close()
}

// SetOffer records a room's offer and resets its candidate lists.
func (r *Redis) SetOffer(callID string, offer json.RawMessage, ttl time.Duration) error {
	c := r.pool.Get()
	defer c.Close()

	key := fmt.Sprintf(r.cfg.PrefixRoom, callID)
	c.Send("DEL", key,
		r.candKey(callID, store.SideCaller),
		r.candKey(callID, store.SideCallee))
	c.Send("HSET", key, "offer", []byte(offer))
	r.sendExpire(c, callID, ttl)
	return flush(c)
}

// SetAnswer records a room's answer.
func (r *Redis) SetAnswer(callID string, answer json.RawMessage, ttl time.Duration) error {
	c := r.pool.Get()
	defer c.Close()

	if err := r.checkRoom(c, callID); err != nil {
		return err
	}

	c.Send("HSET", fmt.Sprintf(r.cfg.PrefixRoom, callID), "answer", []byte(answer))
	r.sendExpire(c, callID, ttl)
	return flush(c)
}

// AddCandidate appends a candidate to one side of a room.
func (r *Redis) AddCandidate(callID, side string, cand json.RawMessage, ttl time.Duration) error {
	if side != store.SideCaller && side != store.SideCallee {
		return store.ErrInvalidSide
	}

	c := r.pool.Get()
	defer c.Close()

	if err := r.checkRoom(c, callID); err != nil {
		return err
	}

	c.Send("RPUSH", r.candKey(callID, side), []byte(cand))
	r.sendExpire(c, callID, ttl)
	return flush(c)
}

// GetRoom gets a room from the store.
func (r *Redis) GetRoom(callID string) (store.Room, error) {
	c := r.pool.Get()
	defer c.Close()

	offer, err := redis.Bytes(c.Do("HGET", fmt.Sprintf(r.cfg.PrefixRoom, callID), "offer"))
	if err != nil {
		if errors.Is(err, redis.ErrNil) {
			return store.Room{}, store.ErrRoomNotFound
		}
		return store.Room{}, err
	}

	answer, err := redis.Bytes(c.Do("HGET", fmt.Sprintf(r.cfg.PrefixRoom, callID), "answer"))
	if err != nil && !errors.Is(err, redis.ErrNil) {
		return store.Room{}, err
	}

	out := store.Room{
		CallID: callID,
		Offer:  offer,
		Answer: answer,
	}
	if out.CallerCandidates, err = r.getCandidates(c, callID, store.SideCaller); err != nil {
		return store.Room{}, err
	}
	if out.AnswerCandidates, err = r.getCandidates(c, callID, store.SideCallee); err != nil {
		return store.Room{}, err
	}
	return out, nil
}

// RemoveRoom deletes a room and its candidate lists from the store.
func (r *Redis) RemoveRoom(callID string) error {
	c := r.pool.Get()
	defer c.Close()

	_, err := c.Do("DEL", fmt.Sprintf(r.cfg.PrefixRoom, callID),
		r.candKey(callID, store.SideCaller),
		r.candKey(callID, store.SideCallee))
	return err
}

// Get value from a key.
func (r *Redis) Get(key string) ([]byte, error) {
	c := r.pool.Get()
	defer c.Close()

	return redis.Bytes(c.Do("GET", fmt.Sprintf(r.cfg.PrefixData, key)))
}

// Set a value.
func (r *Redis) Set(key string, data []byte) error {
	c := r.pool.Get()
	defer c.Close()

	_, err := c.Do("SET", fmt.Sprintf(r.cfg.PrefixData, key), data)
	return err
}

func (r *Redis) getCandidates(c redis.Conn, callID, side string) ([]json.RawMessage, error) {
	res, err := redis.ByteSlices(c.Do("LRANGE", r.candKey(callID, side), 0, -1))
	if err != nil && !errors.Is(err, redis.ErrNil) {
		return nil, err
	}

	out := make([]json.RawMessage, 0, len(res))
	for _, b := range res {
		out = append(out, b)
	}
	return out, nil
}

// checkRoom returns ErrRoomNotFound if there's no room hash for the call.
func (r *Redis) checkRoom(c redis.Conn, callID string) error {
	ok, err := redis.Bool(c.Do("EXISTS", fmt.Sprintf(r.cfg.PrefixRoom, callID)))
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrRoomNotFound
	}
	return nil
}

// sendExpire queues a TTL refresh of all of a room's keys. A ttl <= 0
// leaves the keys without expiry.
func (r *Redis) sendExpire(c redis.Conn, callID string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	ms := ttl.Milliseconds()
	c.Send("PEXPIRE", fmt.Sprintf(r.cfg.PrefixRoom, callID), ms)
	c.Send("PEXPIRE", r.candKey(callID, store.SideCaller), ms)
	c.Send("PEXPIRE", r.candKey(callID, store.SideCallee), ms)
}

// flush sends the pipelined commands on c. Errors of individual commands
// come back as replies, not as the error of Do.
func flush(c redis.Conn) error {
	res, err := redis.Values(c.Do(""))
	if err != nil {
		return err
	}
	for _, v := range res {
		if e, ok := v.(redis.Error); ok {
			return e
		}
	}
	return nil
}

func (r *Redis) candKey(callID, side string) string {
	return fmt.Sprintf(r.cfg.PrefixCandidate, callID, side)
}
