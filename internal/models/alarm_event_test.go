package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeverityRank_Ordering(t *testing.T) {
	assert.Less(t, SeverityLow.Rank(), SeverityMedium.Rank())
	assert.Less(t, SeverityMedium.Rank(), SeverityHigh.Rank())
	assert.Less(t, SeverityHigh.Rank(), SeverityCritical.Rank())

	// 未知级别按 low 兜底
	assert.Equal(t, SeverityLow.Rank(), Severity("catastrophic").Rank())
	assert.False(t, Severity("catastrophic").Valid())
}

func TestSubscriptionMatches(t *testing.T) {
	ev := &AlarmEvent{TenantID: "tenant-a", DeviceGroup: "ward-a", Severity: SeverityMedium}

	all := &Subscription{TenantID: "tenant-a", SeverityFloor: SeverityLow}
	assert.True(t, all.Matches(ev))

	floorTooHigh := &Subscription{TenantID: "tenant-a", SeverityFloor: SeverityHigh}
	assert.False(t, floorTooHigh.Matches(ev))

	groupMatch := &Subscription{TenantID: "tenant-a", SeverityFloor: SeverityLow, DeviceGroups: []string{"ward-a"}}
	assert.True(t, groupMatch.Matches(ev))

	groupMiss := &Subscription{TenantID: "tenant-a", SeverityFloor: SeverityLow, DeviceGroups: []string{"ward-b"}}
	assert.False(t, groupMiss.Matches(ev))
}

func TestCapabilityAllowed(t *testing.T) {
	assert.True(t, CapabilityAllowed(KindDevice, CapInitiateCall))
	assert.True(t, CapabilityAllowed(KindDevice, CapReportAlarm))
	assert.False(t, CapabilityAllowed(KindDevice, CapAnswerCall))
	assert.False(t, CapabilityAllowed(KindDevice, CapAckAlarm))

	assert.True(t, CapabilityAllowed(KindOperator, CapAnswerCall))
	assert.True(t, CapabilityAllowed(KindOperator, CapAckAlarm))
	assert.False(t, CapabilityAllowed(KindOperator, CapReportAlarm))
}
