package gnats

// Msg is a message delivered to a subscription or published by the client.
type Msg struct {
	Subject string
	Reply   string
	Data    []byte

	// Sub is the subscription that received the message, nil when publishing.
	Sub *Subscription
}

// Size returns the payload size in bytes.
func (m *Msg) Size() int {
	return len(m.Data)
}

// Respond publishes data to the message's reply subject.
func (m *Msg) Respond(data []byte) error {
	if m.Reply == "" {
		return ErrNoReply
	}
	if m.Sub == nil || m.Sub.client == nil {
		return ErrNotBound
	}
	return m.Sub.client.Publish(m.Reply, data)
}

// Clone returns a copy of the message with its own payload.
func (m *Msg) Clone() *Msg {
	c := *m
	if m.Data != nil {
		c.Data = append([]byte(nil), m.Data...)
	}
	return &c
}
