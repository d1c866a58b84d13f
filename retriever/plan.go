package retriever

// buildPlan takes the single top-ranked match and emits a one-step plan,
// merging the capability's defaultPayload with id-specific templating
// (spec §4.2.6). GET capabilities never carry a payload.
func buildPlan(best CapabilityMatch, task string, context map[string]interface{}) []PlanStep {
	cap := best.Capability

	step := PlanStep{
		Step:         1,
		CapabilityID: cap.ID,
		Route:        cap.Route,
		Method:       cap.Method,
		Goal:         task,
	}

	if cap.Method == "GET" {
		return []PlanStep{step}
	}

	payload := make(map[string]interface{}, len(cap.DefaultPayload)+2)
	for k, v := range cap.DefaultPayload {
		payload[k] = v
	}

	switch cap.ID {
	case "company.plan", "company.create":
		mergeContextString(payload, context, "name")
		mergeContextString(payload, context, "companyType")
		payload["description"] = task
	case "media.image.generate", "media.video.generate":
		payload["prompt"] = task
	case "research.search", "proxy.search":
		payload["query"] = task
	case "chat.general":
		payload["messages"] = []map[string]interface{}{
			{"role": "user", "content": task},
		}
	default:
		payload["task"] = task
	}

	step.Payload = payload
	return []PlanStep{step}
}

// mergeContextString overlays payload[key] with context[key] only when
// context actually supplies a non-empty string, so a defaultPayload value
// already merged in survives a caller context that omits the field.
func mergeContextString(payload, context map[string]interface{}, key string) {
	if context == nil {
		return
	}
	if v, ok := context[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			payload[key] = s
		}
	}
}
