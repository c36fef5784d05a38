package rollingstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testRollingStoreBasics(t *testing.T, rs RollingStore, capacity int) {
	assert := assert.New(t)
	ctx := context.Background()

	w, err := rs.Read(ctx, UserKey("abc"))
	assert.NoError(err)
	assert.Empty(w)

	for i := 1; i <= capacity+3; i++ {
		assert.NoError(rs.Push(ctx, UserKey("abc"), float64(i)/10))
		w, err = rs.Read(ctx, UserKey("abc"))
		assert.NoError(err)
		assert.LessOrEqual(len(w), capacity)
	}

	// oldest evicted first; remaining in arrival order
	w, err = rs.Read(ctx, UserKey("abc"))
	assert.NoError(err)
	expected := []float64{}
	for i := 4; i <= capacity+3; i++ {
		expected = append(expected, float64(i)/10)
	}
	assert.Equal(expected, w)

	// keys are independent
	w, err = rs.Read(ctx, ChannelKey("abc"))
	assert.NoError(err)
	assert.Empty(w)
}

func TestMemRollingStoreBasics(t *testing.T) {
	rs := NewMemRollingStore(DefaultCapacity, 100, time.Hour)
	testRollingStoreBasics(t, rs, DefaultCapacity)
}

func TestMemRollingStoreReadIsCopy(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	rs := NewMemRollingStore(3, 100, time.Hour)

	assert.NoError(rs.Push(ctx, "k", 0.1))
	w, err := rs.Read(ctx, "k")
	assert.NoError(err)
	w[0] = 0.9
	w, err = rs.Read(ctx, "k")
	assert.NoError(err)
	assert.Equal([]float64{0.1}, w)
}

func TestMemRollingStoreConcurrent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	rs := NewMemRollingStore(DefaultCapacity, 1000, time.Hour)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			key := fmt.Sprintf("chan/%d", g%2)
			for i := 0; i < 50; i++ {
				assert.NoError(rs.Push(ctx, key, float64(i)/50))
				w, err := rs.Read(ctx, key)
				assert.NoError(err)
				assert.LessOrEqual(len(w), DefaultCapacity)
			}
		}(g)
	}
	wg.Wait()

	for _, key := range []string{"chan/0", "chan/1"} {
		w, err := rs.Read(ctx, key)
		assert.NoError(err)
		assert.Len(w, DefaultCapacity)
	}
}

func TestRedisRollingStoreBasics(t *testing.T) {
	t.Skip("live test, need redis running locally")

	rs, err := NewRedisRollingStore("redis://localhost:6379/0", DefaultCapacity, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	rs.Client.Del(ctx, redisRollingPrefix+UserKey("abc"), redisRollingPrefix+ChannelKey("abc"))
	testRollingStoreBasics(t, rs, DefaultCapacity)
}
