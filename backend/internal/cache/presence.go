package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const DefaultPresenceTTL = 600 * time.Second

// PresenceCache mirrors session membership into Redis so other processes can
// see who is editing a document. It is observational only; sessions never
// read it back.
type PresenceCache interface {
	AddMember(ctx context.Context, docID, memberID, name string, ttl time.Duration) error
	RemoveMember(ctx context.Context, docID, memberID string) error
	AliveMembers(ctx context.Context, docID string) ([]PresenceMember, error)
}

type PresenceMember struct {
	MemberID string `json:"memberId"`
	Name     string `json:"name"`
}

type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

// expiry drops members whose expireAt score is not after now.
//
// KEYS[1] = roomKey(docID), KEYS[2] = namesKey(docID), ARGV[1] = now (unix seconds)
var expiry = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// AddMember also refreshes the TTL of a member already present.
func (p *redisPresence) AddMember(ctx context.Context, docID, memberID, name string, ttl time.Duration) error {
	tx := p.rdb.TxPipeline()
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: memberID})
	tx.HSet(ctx, namesKey(docID), memberID, name)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, docID, memberID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), memberID)
	tx.HDel(ctx, namesKey(docID), memberID)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) AliveMembers(ctx context.Context, docID string) ([]PresenceMember, error) {
	now := time.Now().Unix()
	err := expiry.Run(ctx, p.rdb, []string{roomKey(docID), namesKey(docID)}, now).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	alive, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(alive) == 0 {
		return []PresenceMember{}, nil
	}

	names, err := p.rdb.HMGet(ctx, namesKey(docID), alive...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(alive))
	for i, id := range alive {
		name := ""
		if i < len(names) && names[i] != nil {
			name, _ = names[i].(string)
		}
		members = append(members, PresenceMember{MemberID: id, Name: name})
	}
	return members, nil
}
