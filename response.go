package tgviz

// Response is the TGViz reply to a reported update.
type Response struct {
	UpdateID   int64      `json:"update_id"`
	SkipUpdate *bool      `json:"skip_update,omitempty"`
	Action     *BotAction `json:"action,omitempty"`
}

// BotAction carries per-update instructions nested under "action".
type BotAction struct {
	SkipUpdate *bool `json:"skip_update,omitempty"`
	SendAds    *int  `json:"send_ads,omitempty"`
}

// Skip reports whether the service asked the bot to drop this update.
// Both the flat skip_update field and the nested action form are
// honored; a missing or null value means the handler should run.
func (r *Response) Skip() bool {
	if r == nil {
		return false
	}
	if r.SkipUpdate != nil {
		return *r.SkipUpdate
	}
	if r.Action != nil && r.Action.SkipUpdate != nil {
		return *r.Action.SkipUpdate
	}
	return false
}
