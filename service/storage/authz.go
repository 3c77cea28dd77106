package storage

import (
	"context"
	"strings"

	redisx "PPGateway/service/storage/redis"

	"github.com/pkg/errors"
)

// Room membership lives in redis sets written by the REST backend:
//
//	im:room:members:<room>   channel rooms
//	im:server:members:<id>   server-wide rooms ("srv:<id>")
//
// Direct-message rooms are named dm:<userA>:<userB> and admit exactly their
// two principals, no set lookup needed.
func roomMembersKey(roomID string) string     { return "im:room:members:" + roomID }
func serverMembersKey(serverID string) string { return "im:server:members:" + serverID }

// RedisAuthorizer answers room access questions from the membership sets.
type RedisAuthorizer struct{}

func NewRedisAuthorizer() *RedisAuthorizer { return &RedisAuthorizer{} }

func (a *RedisAuthorizer) CanAccess(ctx context.Context, userID, roomID string) (bool, error) {
	if userID == "" || roomID == "" {
		return false, nil
	}
	if rest, ok := strings.CutPrefix(roomID, "dm:"); ok {
		for _, principal := range strings.Split(rest, ":") {
			if principal == userID {
				return true, nil
			}
		}
		return false, nil
	}
	key := roomMembersKey(roomID)
	if serverID, ok := strings.CutPrefix(roomID, "srv:"); ok {
		key = serverMembersKey(serverID)
	}
	ok, err := redisx.GetRedis().SIsMember(ctx, key, userID).Result()
	if err != nil {
		return false, errors.Wrapf(err, "membership lookup %s", key)
	}
	return ok, nil
}
