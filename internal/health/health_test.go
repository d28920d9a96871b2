package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryEmpty(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(_ context.Context) Status {
		return Status{Name: "database", Healthy: true}
	})
	r.Register("redis", func(_ context.Context) Status {
		return Status{Name: "redis", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, "database", statuses[0].Name)
	assert.Equal(t, "connection refused", statuses[1].Detail)
}

func TestRegistryFillsMissingName(t *testing.T) {
	r := NewRegistry()
	r.Register("sweeper", func(_ context.Context) Status { return Status{Healthy: true} })

	_, statuses := r.CheckAll(context.Background())
	require.Len(t, statuses, 1)
	assert.Equal(t, "sweeper", statuses[0].Name)
}

func TestRegistryTimeout(t *testing.T) {
	r := NewRegistry().WithTimeout(20 * time.Millisecond)
	r.Register("slow", func(ctx context.Context) Status {
		<-ctx.Done()
		return Status{Name: "slow", Detail: ctx.Err().Error()}
	})

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Less(t, time.Since(start), time.Second)
	assert.Contains(t, statuses[0].Detail, "deadline")
}

func TestRunning(t *testing.T) {
	up := true
	check := Running("sweeper", func() bool { return up })
	assert.True(t, check(context.Background()).Healthy)

	up = false
	st := check(context.Background())
	assert.False(t, st.Healthy)
	assert.Equal(t, "not running", st.Detail)
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status {
				return Status{Name: "checker", Healthy: true}
			})
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}
