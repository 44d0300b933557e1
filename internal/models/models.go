package models

// All enumerates every persisted model, in migration order.
var All = []any{
	&Asset{},
	&Protocol{},
	&ScheduleEntry{},
	&AssetReservation{},
	&AssetLock{},
	&ProtocolRun{},
	&FunctionCallLog{},
	&ScheduleHistoryEvent{},
}
