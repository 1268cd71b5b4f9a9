package notify_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fuel-shift-engine/notify"
	"github.com/warp/fuel-shift-engine/shift"
)

type published struct {
	channel string
	payload []byte
}

type fakePublisher struct {
	sent []published
	err  error
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx, "publish", channel, message)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	f.sent = append(f.sent, published{channel: channel, payload: message.([]byte)})
	cmd.SetVal(1)
	return cmd
}

func event() shift.DiscrepancyEvent {
	return shift.DiscrepancyEvent{
		ShiftID:     "s-1",
		DispenserID: "d-1",
		StationID:   "st-1",
		OperatorID:  "op-1",
		Amount:      decimal.RequireFromString("-500.00"),
		Category:    shift.CategoryShortage,
		FlaggedAt:   time.Date(2025, time.March, 10, 14, 0, 0, 0, time.UTC),
	}
}

func TestRedis_PublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	d := notify.NewRedis(pub, "")

	require.NoError(t, d.DispatchDiscrepancy(context.Background(), event()))
	require.Len(t, pub.sent, 1)
	assert.Equal(t, notify.DefaultChannel, pub.sent[0].channel)

	var got map[string]any
	require.NoError(t, json.Unmarshal(pub.sent[0].payload, &got))
	assert.Equal(t, "discrepancy.flagged", got["event"])
	assert.Equal(t, "s-1", got["shift_id"])
	assert.Equal(t, "-500", got["amount"])
	assert.Equal(t, "shortage", got["category"])
	assert.Equal(t, "2025-03-10T14:00:00Z", got["flagged_at"])
}

func TestRedis_PublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("connection refused")}
	d := notify.NewRedis(pub, "alerts")

	err := d.DispatchDiscrepancy(context.Background(), event())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alerts")
	assert.ErrorIs(t, err, pub.err)
}

func TestRedis_AuditAlert(t *testing.T) {
	pub := &fakePublisher{}
	d := notify.NewRedis(pub, "")

	d.AuditAlert(context.Background(), &shift.AuditWriteError{
		EntityType: shift.EntityShift, EntityID: "s-1", Action: shift.AuditUpdate, Err: errors.New("disk full"),
	})
	require.Len(t, pub.sent, 1)

	var got map[string]any
	require.NoError(t, json.Unmarshal(pub.sent[0].payload, &got))
	assert.Equal(t, "audit.write_failed", got["event"])
	assert.Equal(t, "s-1", got["entity_id"])
	assert.Equal(t, "UPDATE", got["action"])
	assert.Equal(t, "disk full", got["error"])
}

func TestLog_WritesWarning(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	require.NoError(t, notify.NewLog(logger).DispatchDiscrepancy(context.Background(), event()))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warning", line["level"])
	assert.Equal(t, "discrepancy flagged", line["msg"])
	assert.Equal(t, "-500", line["amount"])
}

func TestFanout_JoinsErrors(t *testing.T) {
	ok := &fakePublisher{}
	bad := &fakePublisher{err: errors.New("down")}
	f := notify.Fanout{notify.NewRedis(bad, "a"), notify.NewRedis(ok, "b")}

	err := f.DispatchDiscrepancy(context.Background(), event())
	assert.ErrorIs(t, err, bad.err)
	assert.Len(t, ok.sent, 1, "one failure doesn't stop the others")
}
