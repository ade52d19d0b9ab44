package cron

// DeliveryPlan is the resolved routing decision for an isolated run's
// result.
type DeliveryPlan struct {
	Mode DeliveryMode
	// Requested reports whether the result should be sent outward.
	Requested  bool
	Channel    string
	To         string
	BestEffort bool
}

// ResolveDeliveryPlan decides whether and where the result of an isolated
// agent run is delivered. An explicit delivery record wins; a record without
// a mode is an announce request. Jobs predating the delivery record fall
// back to the legacy per-payload hints, where deliver=false means none and
// anything else announces.
func ResolveDeliveryPlan(job *Job) DeliveryPlan {
	if job.Delivery != nil {
		mode := job.Delivery.Mode
		if mode == "" {
			mode = DeliveryModeAnnounce
		}
		plan := DeliveryPlan{
			Mode:      mode,
			Requested: mode == DeliveryModeAnnounce,
			Channel:   job.Delivery.Channel,
			To:        job.Delivery.To,
		}
		if job.Delivery.BestEffort != nil {
			plan.BestEffort = *job.Delivery.BestEffort
		}
		return plan
	}

	payload := &job.Payload
	mode := DeliveryModeAnnounce
	if payload.Deliver != nil && !*payload.Deliver {
		mode = DeliveryModeNone
	}
	plan := DeliveryPlan{
		Mode:      mode,
		Requested: mode == DeliveryModeAnnounce,
		Channel:   payload.Channel,
		To:        payload.To,
	}
	if payload.BestEffortDeliver != nil {
		plan.BestEffort = *payload.BestEffortDeliver
	}
	return plan
}
