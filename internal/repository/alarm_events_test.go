package repository

import (
	"context"
	"testing"
	"time"

	"intercom-core/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPersistAlarmEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewAlarmEventsRepository(db, zap.NewNop())

	ev := &models.AlarmEvent{
		EventID:     "ev-001",
		Seq:         42,
		TenantID:    "tenant-a",
		DeviceID:    "dev-1",
		DeviceGroup: "ward-a",
		Severity:    models.SeverityHigh,
		Payload:     []byte(`{"zone":"entrance"}`),
		TriggeredAt: time.Now(),
	}

	mock.ExpectExec("INSERT INTO alarm_events").
		WithArgs(ev.EventID, ev.Seq, ev.TenantID, ev.DeviceID, ev.DeviceGroup,
			"high", []byte(`{"zone":"entrance"}`), ev.TriggeredAt, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.PersistAlarmEvent(context.Background(), ev)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistAlarmEvent_EmptyPayloadDefaults(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewAlarmEventsRepository(db, zap.NewNop())

	ev := &models.AlarmEvent{
		EventID:     "ev-002",
		Seq:         1,
		TenantID:    "tenant-a",
		DeviceID:    "dev-1",
		Severity:    models.SeverityLow,
		TriggeredAt: time.Now(),
	}

	mock.ExpectExec("INSERT INTO alarm_events").
		WithArgs(ev.EventID, ev.Seq, ev.TenantID, ev.DeviceID, "",
			"low", []byte("{}"), ev.TriggeredAt, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.PersistAlarmEvent(context.Background(), ev)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistAlarmEvent_MissingTenant(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewAlarmEventsRepository(db, zap.NewNop())

	err = repo.PersistAlarmEvent(context.Background(), &models.AlarmEvent{EventID: "ev-003"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "tenant_id is required")
}

func TestAcknowledgeAlarmEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewAlarmEventsRepository(db, zap.NewNop())

	mock.ExpectExec("INSERT INTO alarm_event_acks").
		WithArgs("ev-001", "tenant-a", "op-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.AcknowledgeAlarmEvent(context.Background(), "tenant-a", "ev-001", "op-1")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcknowledgeAlarmEvent_DuplicateIsNoOp(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewAlarmEventsRepository(db, zap.NewNop())

	// ON CONFLICT DO NOTHING：冲突时 0 行受影响，不报错
	mock.ExpectExec("INSERT INTO alarm_event_acks").
		WithArgs("ev-001", "tenant-a", "op-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = repo.AcknowledgeAlarmEvent(context.Background(), "tenant-a", "ev-001", "op-1")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
