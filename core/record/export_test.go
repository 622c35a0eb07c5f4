package record

func SetClock(svc *Service, now func() int64) {
	svc.clock = &clock{now: now}
}
