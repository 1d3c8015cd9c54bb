package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store keeps socket and presence info in Redis.
// Keys used:
// - <prefix>:conn:<user>: set of connection meta JSON
// - <prefix>:presence:<user> -> json {status,last_seen}
type Store struct {
	client *redis.Client
	prefix string
}

type ConnMeta struct {
	SocketID    string `json:"socket_id"`
	Role        string `json:"role"`
	ConnectedAt int64  `json:"connected_at"`
}

type Presence struct {
	UserID      string `json:"user_id"`
	Status      string `json:"status"`
	LastSeen    int64  `json:"last_seen"`
	Connections int64  `json:"connections"`
}

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

func NewStore(r *redis.Client, prefix string) *Store {
	return &Store{client: r, prefix: prefix}
}

func (s *Store) connKey(userID string) string     { return fmt.Sprintf("%s:conn:%s", s.prefix, userID) }
func (s *Store) presenceKey(userID string) string { return fmt.Sprintf("%s:presence:%s", s.prefix, userID) }

func presenceJSON(status string) []byte {
	b, _ := json.Marshal(map[string]any{"status": status, "last_seen": time.Now().Unix()})
	return b
}

// AddConnection registers one socket and marks the user online for ttl.
func (s *Store) AddConnection(ctx context.Context, userID, socketID, role string, ttl time.Duration) error {
	meta, err := json.Marshal(ConnMeta{SocketID: socketID, Role: role, ConnectedAt: time.Now().Unix()})
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.connKey(userID), meta)
		pipe.Expire(ctx, s.connKey(userID), ttl)
		pipe.Set(ctx, s.presenceKey(userID), presenceJSON(StatusOnline), ttl)
		return nil
	})
	return err
}

// Touch extends the presence and connection keys while the socket is active.
func (s *Store) Touch(ctx context.Context, userID string, ttl time.Duration) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Expire(ctx, s.connKey(userID), ttl)
		pipe.Set(ctx, s.presenceKey(userID), presenceJSON(StatusOnline), ttl)
		return nil
	})
	return err
}

// RemoveConnection drops one socket; the user goes offline with the last.
func (s *Store) RemoveConnection(ctx context.Context, userID, socketID string) error {
	key := s.connKey(userID)
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return err
	}
	for _, m := range members {
		var cm ConnMeta
		if json.Unmarshal([]byte(m), &cm) != nil {
			continue
		}
		if cm.SocketID == socketID {
			if err := s.client.SRem(ctx, key, m).Err(); err != nil {
				return err
			}
		}
	}
	cnt, err := s.client.SCard(ctx, key).Result()
	if err != nil {
		return err
	}
	if cnt == 0 {
		return s.client.Set(ctx, s.presenceKey(userID), presenceJSON(StatusOffline), 0).Err()
	}
	return nil
}

func (s *Store) GetPresence(ctx context.Context, userID string) (Presence, error) {
	p := Presence{UserID: userID, Status: StatusOffline}
	b, err := s.client.Get(ctx, s.presenceKey(userID)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return p, nil
	case err != nil:
		return p, err
	}
	var raw struct {
		Status   string `json:"status"`
		LastSeen int64  `json:"last_seen"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return p, fmt.Errorf("decode presence: %w", err)
	}
	p.Status = raw.Status
	p.LastSeen = raw.LastSeen
	n, err := s.client.SCard(ctx, s.connKey(userID)).Result()
	if err != nil {
		return p, err
	}
	p.Connections = n
	return p, nil
}

func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return c, nil
}
