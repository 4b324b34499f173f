package redis

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ezspot/ezspot/store"
	"github.com/gomodule/redigo/redis"
)

// Config represents the Redis store config structure.
type Config struct {
	Address     string        `koanf:"address"`
	Password    string        `koanf:"password"`
	DB          int           `koanf:"db"`
	ActiveConns int           `koanf:"active_conns"`
	IdleConns   int           `koanf:"idle_conns"`
	Timeout     time.Duration `koanf:"timeout"`

	// KeyRooms is the set of live room IDs. SADD on it doubles as the
	// atomic insert-if-absent primitive for room ID reservation.
	KeyRooms      string `koanf:"key_rooms"`
	PrefixCreds   string `koanf:"prefix_creds"`
	PrefixMembers string `koanf:"prefix_members"`
	PrefixSession string `koanf:"prefix_session"`
}

// Redis represents the Redis implementation of the Store interface.
// Atomicity relies on single-key Redis commands: SADD/SREM for room IDs
// and membership, HDEL's return count for one-off password consumption,
// SET NX for session creation and GETDEL for session rotation.
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

// AddRoom adds a room to the store if its ID isn't already live.
func (r *Redis) AddRoom(room store.Room) error {
	c := r.pool.Get()
	defer c.Close()

	n, err := redis.Int(c.Do("SADD", r.cfg.KeyRooms, room.ID))
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrRoomExists
	}

	key := fmt.Sprintf(r.cfg.PrefixCreds, room.ID)
	for pw, f := range room.Passwords {
		b, err := json.Marshal(f)
		if err != nil {
			return err
		}
		if err := c.Send("HSET", key, pw, b); err != nil {
			return err
		}
	}
	return c.Flush()
}

// RoomExists checks if a room exists in the store.
func (r *Redis) RoomExists(id uint64) (bool, error) {
	c := r.pool.Get()
	defer c.Close()

	return redis.Bool(c.Do("SISMEMBER", r.cfg.KeyRooms, id))
}

// RoomCount returns the number of live rooms.
func (r *Redis) RoomCount() (int, error) {
	c := r.pool.Get()
	defer c.Close()

	return redis.Int(c.Do("SCARD", r.cfg.KeyRooms))
}

// RemoveRoom deletes a room and its credentials and membership.
func (r *Redis) RemoveRoom(id uint64) error {
	c := r.pool.Get()
	defer c.Close()

	c.Send("SREM", r.cfg.KeyRooms, id)
	c.Send("DEL", fmt.Sprintf(r.cfg.PrefixCreds, id))
	c.Send("DEL", fmt.Sprintf(r.cfg.PrefixMembers, id))
	return c.Flush()
}

// PutPassword adds a credential to a room.
func (r *Redis) PutPassword(roomID uint64, pw string, f store.Password) error {
	c := r.pool.Get()
	defer c.Close()

	ok, err := redis.Bool(c.Do("SISMEMBER", r.cfg.KeyRooms, roomID))
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrRoomNotFound
	}

	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_, err = c.Do("HSET", fmt.Sprintf(r.cfg.PrefixCreds, roomID), pw, b)
	return err
}

// GetPassword fetches a room credential without removing it.
func (r *Redis) GetPassword(roomID uint64, pw string) (store.Password, error) {
	c := r.pool.Get()
	defer c.Close()

	b, err := redis.Bytes(c.Do("HGET", fmt.Sprintf(r.cfg.PrefixCreds, roomID), pw))
	if err == redis.ErrNil {
		ok, err := redis.Bool(c.Do("SISMEMBER", r.cfg.KeyRooms, roomID))
		if err != nil {
			return store.Password{}, err
		}
		if !ok {
			return store.Password{}, store.ErrRoomNotFound
		}
		return store.Password{}, store.ErrPasswordNotFound
	}
	if err != nil {
		return store.Password{}, err
	}

	var f store.Password
	if err := json.Unmarshal(b, &f); err != nil {
		return store.Password{}, err
	}
	return f, nil
}

// TakePassword removes a credential and reports whether this caller
// removed it. HDEL's return count decides the winner among concurrent
// redeemers.
func (r *Redis) TakePassword(roomID uint64, pw string) (bool, error) {
	c := r.pool.Get()
	defer c.Close()

	n, err := redis.Int(c.Do("HDEL", fmt.Sprintf(r.cfg.PrefixCreds, roomID), pw))
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// AddMember adds a client to a room's membership.
func (r *Redis) AddMember(roomID uint64, clientID string) error {
	c := r.pool.Get()
	defer c.Close()

	ok, err := redis.Bool(c.Do("SISMEMBER", r.cfg.KeyRooms, roomID))
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrRoomNotFound
	}

	n, err := redis.Int(c.Do("SADD", fmt.Sprintf(r.cfg.PrefixMembers, roomID), clientID))
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrAlreadyMember
	}
	return nil
}

// RemoveMember removes a client from a room's membership.
func (r *Redis) RemoveMember(roomID uint64, clientID string) error {
	c := r.pool.Get()
	defer c.Close()

	n, err := redis.Int(c.Do("SREM", fmt.Sprintf(r.cfg.PrefixMembers, roomID), clientID))
	if err != nil {
		return err
	}
	if n == 0 {
		ok, err := redis.Bool(c.Do("SISMEMBER", r.cfg.KeyRooms, roomID))
		if err != nil {
			return err
		}
		if !ok {
			return store.ErrRoomNotFound
		}
		return store.ErrNotAMember
	}
	return nil
}

// HasMember checks if a client is a member of a room.
func (r *Redis) HasMember(roomID uint64, clientID string) (bool, error) {
	c := r.pool.Get()
	defer c.Close()

	return redis.Bool(c.Do("SISMEMBER", fmt.Sprintf(r.cfg.PrefixMembers, roomID), clientID))
}

// AddSession adds a session to the store if the key isn't occupied.
// SET NX makes the existence check and the insert a single step.
func (r *Redis) AddSession(id string, s store.Session, ttl time.Duration) error {
	c := r.pool.Get()
	defer c.Close()

	b, err := json.Marshal(s)
	if err != nil {
		return err
	}

	_, err = redis.String(c.Do("SET", fmt.Sprintf(r.cfg.PrefixSession, id),
		b, "NX", "EX", int(ttl.Seconds())))
	if err == redis.ErrNil {
		return store.ErrSessionExists
	}
	return err
}

// GetSession fetches a session without removing it.
func (r *Redis) GetSession(id string) (store.Session, error) {
	c := r.pool.Get()
	defer c.Close()

	return r.session(c.Do("GET", fmt.Sprintf(r.cfg.PrefixSession, id)))
}

// TakeSession fetches and deletes a session in one step via GETDEL, so
// at most one concurrent taker observes the record.
func (r *Redis) TakeSession(id string) (store.Session, error) {
	c := r.pool.Get()
	defer c.Close()

	return r.session(c.Do("GETDEL", fmt.Sprintf(r.cfg.PrefixSession, id)))
}

// RemoveSession deletes a session from the store.
func (r *Redis) RemoveSession(id string) error {
	c := r.pool.Get()
	defer c.Close()

	n, err := redis.Int(c.Do("DEL", fmt.Sprintf(r.cfg.PrefixSession, id)))
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrSessionNotFound
	}
	return nil
}

// session unmarshals a GET/GETDEL reply into a Session.
func (r *Redis) session(reply interface{}, err error) (store.Session, error) {
	b, err := redis.Bytes(reply, err)
	if err == redis.ErrNil {
		return store.Session{}, store.ErrSessionNotFound
	}
	if err != nil {
		return store.Session{}, err
	}

	var s store.Session
	if err := json.Unmarshal(b, &s); err != nil {
		return store.Session{}, err
	}
	return s, nil
}
