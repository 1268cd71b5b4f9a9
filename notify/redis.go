package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/warp/fuel-shift-engine/shift"
)

const DefaultChannel = "shift.discrepancies"

// Publisher is the part of *redis.Client the dispatcher uses.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Redis publishes events as JSON on a pub/sub channel for downstream
// notifiers (push, email) to consume.
type Redis struct {
	client  Publisher
	channel string
	timeout time.Duration

	// Logger receives alert publish failures, which have no caller to return to.
	Logger *logrus.Logger
}

func NewRedis(client Publisher, channel string) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Redis{client: client, channel: channel, timeout: 3 * time.Second}
}

// Connect dials addr and verifies it with PING.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("could not connect to redis: %w", err)
	}
	return client, nil
}

// message is the wire shape. Amount is a decimal string.
type message struct {
	Event       string            `json:"event"`
	ShiftID     shift.ShiftID     `json:"shift_id"`
	DispenserID shift.DispenserID `json:"dispenser_id"`
	StationID   shift.StationID   `json:"station_id"`
	OperatorID  string            `json:"operator_id"`
	Amount      string            `json:"amount"`
	Category    shift.Category    `json:"category"`
	FlaggedAt   time.Time         `json:"flagged_at"`
}

func (r *Redis) DispatchDiscrepancy(ctx context.Context, ev shift.DiscrepancyEvent) error {
	payload, err := json.Marshal(message{
		Event:       "discrepancy.flagged",
		ShiftID:     ev.ShiftID,
		DispenserID: ev.DispenserID,
		StationID:   ev.StationID,
		OperatorID:  ev.OperatorID,
		Amount:      ev.Amount.String(),
		Category:    ev.Category,
		FlaggedAt:   ev.FlaggedAt.UTC(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", r.channel, err)
	}
	return nil
}

type alertMessage struct {
	Event      string            `json:"event"`
	EntityType shift.EntityType  `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Action     shift.AuditAction `json:"action"`
	Error      string            `json:"error"`
}

// AuditAlert publishes a degraded-mode audit failure. It satisfies
// shift.AlertFunc.
func (r *Redis) AuditAlert(ctx context.Context, failure *shift.AuditWriteError) {
	payload, err := json.Marshal(alertMessage{
		Event:      "audit.write_failed",
		EntityType: failure.EntityType,
		EntityID:   failure.EntityID,
		Action:     failure.Action,
		Error:      failure.Err.Error(),
	})
	if err == nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		err = r.client.Publish(ctx, r.channel, payload).Err()
	}
	if err != nil && r.Logger != nil {
		r.Logger.WithFields(logrus.Fields{
			"module":    "notify",
			"funcName":  "Redis.AuditAlert",
			"entity_id": failure.EntityID,
		}).Error(err.Error())
	}
}
