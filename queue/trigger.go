package queue

import "encoding/json"

// Trigger is the queue message body that wakes a processor for one
// conversation's pending batch.
type Trigger struct {
	TriggerID      string `json:"trigger_id"`
	ConversationID string `json:"conversation_id"`
	PrimaryChannel string `json:"primary_channel"`
	Channel        string `json:"channel"`
}

// Encode renders the trigger as a queue message body.
func (t *Trigger) Encode() (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeTrigger parses a queue message body back into a Trigger.
func DecodeTrigger(body string) (*Trigger, error) {
	var t Trigger
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return nil, err
	}
	return &t, nil
}
