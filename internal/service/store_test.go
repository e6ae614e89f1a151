package service

import (
	"context"
	"testing"
	"time"

	"intercom-core/internal/dispatcher"
	"intercom-core/internal/models"
	"intercom-core/internal/repository"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// 分发器的三个存储操作都要经由组合门面可达
func TestAlarmStore_ImplementsEventStore(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	logger := zap.NewNop()
	var store dispatcher.EventStore = newAlarmStore(
		repository.NewAlarmEventsRepository(db, logger),
		repository.NewSubscriptionsRepository(db, logger),
	)

	mock.ExpectExec("INSERT INTO alarm_events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	err = store.PersistAlarmEvent(context.Background(), &models.AlarmEvent{
		EventID:     "ev-001",
		Seq:         1,
		TenantID:    "tenant-a",
		DeviceID:    "dev-1",
		Severity:    models.SeverityHigh,
		TriggeredAt: time.Now(),
	})
	assert.NoError(t, err)

	mock.ExpectExec("INSERT INTO alarm_event_acks").
		WillReturnResult(sqlmock.NewResult(0, 1))
	err = store.AcknowledgeAlarmEvent(context.Background(), "tenant-a", "ev-001", "op-1")
	assert.NoError(t, err)

	mock.ExpectQuery("SELECT tenant_id, endpoint_id, severity_floor, device_groups").
		WithArgs("tenant-a").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "endpoint_id", "severity_floor", "device_groups"}).
			AddRow("tenant-a", "op-1", "low", "{}"))
	subs, err := store.LoadSubscriptions(context.Background(), "tenant-a")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "op-1", subs[0].EndpointID)

	assert.NoError(t, mock.ExpectationsWereMet())
}
