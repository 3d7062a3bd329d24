package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_StartFillsMinIdle(t *testing.T) {
	p := NewPool(DefaultConfig(), PoolConfig{MinIdle: 2, MaxIdle: 4, RefillDelay: 20 * time.Millisecond})
	p.Start(context.Background())
	defer p.Stop()

	assert.Equal(t, 2, p.Size())
}

func TestPool_AcquireIsSingleUse(t *testing.T) {
	p := NewPool(DefaultConfig(), PoolConfig{MinIdle: 1, MaxIdle: 1, RefillDelay: time.Hour})
	p.Start(context.Background())
	defer p.Stop()

	svc := p.Acquire()
	require.NotNil(t, svc)
	defer svc.Dispose()

	assert.Nil(t, p.Acquire(), "pool should be empty until the next refill")

	res, err := svc.Execute(context.Background(), Request{Code: "return 5"})
	require.NoError(t, err)
	assert.JSONEq(t, "5", string(res.ReturnedValue))
}

func TestPool_Refills(t *testing.T) {
	p := NewPool(DefaultConfig(), PoolConfig{MinIdle: 1, MaxIdle: 2, RefillDelay: 10 * time.Millisecond})
	p.Start(context.Background())
	defer p.Stop()

	svc := p.Acquire()
	require.NotNil(t, svc)
	svc.Dispose()

	assert.Eventually(t, func() bool { return p.Size() >= 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestPool_SkipsExpired(t *testing.T) {
	p := NewPool(DefaultConfig(), PoolConfig{MinIdle: 1, MaxIdle: 1, RefillDelay: time.Hour, MaxAge: time.Millisecond})
	p.Start(context.Background())
	defer p.Stop()

	time.Sleep(5 * time.Millisecond)
	assert.Nil(t, p.Acquire())
}

func TestPool_StopDisposesIdle(t *testing.T) {
	p := NewPool(DefaultConfig(), PoolConfig{MinIdle: 2, MaxIdle: 2, RefillDelay: time.Hour})
	p.Start(context.Background())

	p.Stop()
	p.Stop()

	assert.Nil(t, p.Acquire())
	assert.Equal(t, 0, p.Size())
}
