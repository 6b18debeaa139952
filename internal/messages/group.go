package messages

// Group buckets msgs by counterparty relative to userID. Messages keep the
// order they arrive in; callers pass them sorted by created_at. Messages that
// do not involve userID are skipped.
func Group(msgs []Message, userID string) map[string]Thread {
	threads := make(map[string]Thread)
	for _, m := range msgs {
		if !m.Involves(userID) {
			continue
		}
		id := m.Counterparty(userID)
		t := threads[id]
		t.CounterpartyID = id
		t.Messages = append(t.Messages, m)
		threads[id] = t
	}
	return threads
}
