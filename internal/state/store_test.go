package state

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, ""), mr
}

// Both implementations satisfy the same contract.
func TestStores(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"redis": func(t *testing.T) Store {
			s, _ := newTestRedisStore(t)
			return s
		},
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("get missing", func(t *testing.T) {
				_, err := newStore(t).Get(ctx, "nope")
				assert.ErrorIs(t, err, ErrStateNotFound)
			})

			t.Run("apply and get", func(t *testing.T) {
				s := newStore(t)
				st, change, err := s.Apply(ctx, "p1", Update{ActualValue: Value(21.5)})
				require.NoError(t, err)
				assert.Equal(t, Created, change)
				assert.True(t, st.Valid)

				st, change, err = s.Apply(ctx, "p1", Update{ExpectedValue: Value("on"), Pending: PendingPtr(PendingConfirming)})
				require.NoError(t, err)
				assert.Equal(t, Updated, change)

				got, err := s.Get(ctx, "p1")
				require.NoError(t, err)
				assert.Equal(t, 21.5, got.ActualValue)
				assert.Equal(t, "on", got.ExpectedValue)
				assert.Equal(t, PendingConfirming, got.Pending)
				assert.Equal(t, st.UpdatedAt.Unix(), got.UpdatedAt.Unix())
			})

			t.Run("repeated update is unchanged", func(t *testing.T) {
				s := newStore(t)
				first, _, err := s.Apply(ctx, "p1", Update{ActualValue: Value(21.5)})
				require.NoError(t, err)

				again, change, err := s.Apply(ctx, "p1", Update{ActualValue: Value(21.5)})
				require.NoError(t, err)
				assert.Equal(t, Unchanged, change)
				assert.Equal(t, first.UpdatedAt.UnixNano(), again.UpdatedAt.UnixNano())
			})

			t.Run("conditional update", func(t *testing.T) {
				s := newStore(t)
				st, change, err := s.Apply(ctx, "p1", Update{Pending: PendingPtr(PendingConfirming), IfExpected: Value("on")})
				require.NoError(t, err)
				assert.Equal(t, Unchanged, change)
				assert.Nil(t, st)
				_, err = s.Get(ctx, "p1")
				assert.ErrorIs(t, err, ErrStateNotFound)

				_, _, err = s.Apply(ctx, "p1", Update{ExpectedValue: Value("off")})
				require.NoError(t, err)
				st, change, err = s.Apply(ctx, "p1", Update{Pending: PendingPtr(PendingConfirming), IfExpected: Value("on")})
				require.NoError(t, err)
				assert.Equal(t, Unchanged, change)
				assert.Equal(t, "off", st.ExpectedValue)
				assert.True(t, st.Pending.IsIdle())
			})

			t.Run("delete and keys", func(t *testing.T) {
				s := newStore(t)
				for _, id := range []string{"b", "a"} {
					_, _, err := s.Apply(ctx, id, Update{Valid: Bool(true)})
					require.NoError(t, err)
				}
				keys, err := s.Keys(ctx)
				require.NoError(t, err)
				assert.Equal(t, []string{"a", "b"}, keys)

				existed, err := s.Delete(ctx, "a")
				require.NoError(t, err)
				assert.True(t, existed)

				existed, err = s.Delete(ctx, "a")
				require.NoError(t, err)
				assert.False(t, existed)

				keys, err = s.Keys(ctx)
				require.NoError(t, err)
				assert.Equal(t, []string{"b"}, keys)
			})

			t.Run("concurrent applies on one key", func(t *testing.T) {
				s := newStore(t)
				var wg sync.WaitGroup
				for i := 0; i < 8; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						_, _, err := s.Apply(ctx, "p1", Update{ActualValue: Value(fmt.Sprintf("v%d", i))})
						assert.NoError(t, err)
					}(i)
				}
				wg.Wait()

				got, err := s.Get(ctx, "p1")
				require.NoError(t, err)
				assert.NotNil(t, got.ActualValue)
			})
		})
	}
}

func TestRedisStore_KeyLayout(t *testing.T) {
	s, mr := newTestRedisStore(t)
	_, _, err := s.Apply(context.Background(), "p1", Update{ActualValue: Value(true)})
	require.NoError(t, err)

	assert.True(t, mr.Exists("graylogic:property_state:p1"))
	raw, err := mr.Get("graylogic:property_state:p1")
	require.NoError(t, err)
	assert.Contains(t, raw, `"actual_value":true`)
	assert.Contains(t, raw, `"pending":false`)
}
