package service

import (
	"intercom-core/internal/dispatcher"
	"intercom-core/internal/repository"
)

// alarmStore 组合报警事件与订阅两个 Repository，向分发器提供统一存储门面
type alarmStore struct {
	*repository.AlarmEventsRepository
	*repository.SubscriptionsRepository
}

func newAlarmStore(events *repository.AlarmEventsRepository, subs *repository.SubscriptionsRepository) *alarmStore {
	return &alarmStore{AlarmEventsRepository: events, SubscriptionsRepository: subs}
}

// 编译期断言：组合后满足分发器的存储接口
var _ dispatcher.EventStore = (*alarmStore)(nil)
