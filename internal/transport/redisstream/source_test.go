package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vitalmesh/vitalmesh/pkg/types"
)

func startSource(t *testing.T, handler Handler) (*miniredis.Miniredis, *redis.Client, context.CancelFunc) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	src := NewWithClient(zap.NewNop(), client, Options{
		Stream:   "vitalmesh:readings",
		Group:    "vitalmesh",
		Consumer: "test-1",
		Block:    50 * time.Millisecond,
	}, handler)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = src.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = client.Close()
	})
	return mr, client, cancel
}

func addReading(t *testing.T, client *redis.Client, r types.Reading) {
	t.Helper()
	body, err := json.Marshal(r)
	require.NoError(t, err)
	require.NoError(t, client.XAdd(context.Background(), &redis.XAddArgs{
		Stream: "vitalmesh:readings",
		Values: map[string]interface{}{payloadField: string(body)},
	}).Err())
}

func TestSourceDeliversReadings(t *testing.T) {
	var mu sync.Mutex
	var got []types.Reading
	_, client, _ := startSource(t, func(r types.Reading) error {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
		return nil
	})

	addReading(t, client, types.Reading{
		DeviceID:  "hr-1",
		Timestamp: time.Now().UTC(),
		Kind:      types.KindHeartRate,
		Value:     types.ScalarValue(72),
		Quality:   types.QualityGood,
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "hr-1", got[0].DeviceID)
	assert.Equal(t, types.ScalarValue(72), got[0].Value)
}

func TestSourceAcksHandledEntries(t *testing.T) {
	_, client, _ := startSource(t, func(types.Reading) error { return nil })

	addReading(t, client, types.Reading{
		DeviceID:  "hr-1",
		Timestamp: time.Now().UTC(),
		Kind:      types.KindHeartRate,
		Value:     types.ScalarValue(72),
	})

	require.Eventually(t, func() bool {
		pending, err := client.XPending(context.Background(), "vitalmesh:readings", "vitalmesh").Result()
		return err == nil && pending.Count == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSourceDropsUndecodableEntries(t *testing.T) {
	var mu sync.Mutex
	var calls int
	_, client, _ := startSource(t, func(types.Reading) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})

	require.NoError(t, client.XAdd(context.Background(), &redis.XAddArgs{
		Stream: "vitalmesh:readings",
		Values: map[string]interface{}{payloadField: "{not json"},
	}).Err())

	// The bad entry is acknowledged without reaching the handler.
	require.Eventually(t, func() bool {
		pending, err := client.XPending(context.Background(), "vitalmesh:readings", "vitalmesh").Result()
		return err == nil && pending.Count == 0
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)
}

func TestSourceAcksPermanentFailures(t *testing.T) {
	_, client, _ := startSource(t, func(types.Reading) error {
		return Permanent(errors.New("unknown device"))
	})

	addReading(t, client, types.Reading{
		DeviceID:  "ghost",
		Timestamp: time.Now().UTC(),
		Kind:      types.KindHeartRate,
		Value:     types.ScalarValue(72),
	})

	require.Eventually(t, func() bool {
		pending, err := client.XPending(context.Background(), "vitalmesh:readings", "vitalmesh").Result()
		return err == nil && pending.Count == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSourceLeavesRetryableFailuresPending(t *testing.T) {
	_, client, _ := startSource(t, func(types.Reading) error {
		return errors.New("store unavailable")
	})

	addReading(t, client, types.Reading{
		DeviceID:  "hr-1",
		Timestamp: time.Now().UTC(),
		Kind:      types.KindHeartRate,
		Value:     types.ScalarValue(72),
	})

	require.Eventually(t, func() bool {
		pending, err := client.XPending(context.Background(), "vitalmesh:readings", "vitalmesh").Result()
		return err == nil && pending.Count == 1
	}, 2*time.Second, 10*time.Millisecond)
}
