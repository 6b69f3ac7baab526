// Package redis connects the hub to Redis, the shared backend for the
// property state store.
//
//	client, err := redis.Connect(ctx, cfg.Redis)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	store := state.NewRedisStore(client.Redis(), cfg.Redis.KeyPrefix)
package redis
