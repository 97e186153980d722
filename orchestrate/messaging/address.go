package messaging

// Address is the routing key on the bus. Exactly one of Topic and
// Correlation is set: a topic names a participant, a correlation names the
// reply channel of one exchange.
type Address struct {
	Topic       string
	Correlation string
}

// Topic addresses the participant or channel called name.
func Topic(name string) Address {
	return Address{Topic: name}
}

// ReplyAddress addresses the replies of the exchange with correlationID.
func ReplyAddress(correlationID string) Address {
	return Address{Correlation: correlationID}
}

// IsReply reports whether a is a reply address.
func (a Address) IsReply() bool {
	return a.Correlation != ""
}

// Valid reports whether exactly one component is set.
func (a Address) Valid() bool {
	return (a.Topic == "") != (a.Correlation == "")
}

func (a Address) String() string {
	if a.IsReply() {
		return "reply:" + a.Correlation
	}
	return "topic:" + a.Topic
}
