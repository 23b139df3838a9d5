package pubsub

import "slices"

// registry maps subscription ids to topics. A topic is held by at most one id.
type registry struct {
	byID    map[string]string
	byTopic map[string]string
}

func newRegistry() *registry {
	return &registry{
		byID:    make(map[string]string),
		byTopic: make(map[string]string),
	}
}

// add maps id to topic, dropping any earlier mapping of either.
func (r *registry) add(id, topic string) {
	if old, ok := r.byTopic[topic]; ok {
		delete(r.byID, old)
	}
	if old, ok := r.byID[id]; ok {
		delete(r.byTopic, old)
	}
	r.byID[id] = topic
	r.byTopic[topic] = id
}

func (r *registry) removeTopic(topic string) {
	if id, ok := r.byTopic[topic]; ok {
		delete(r.byID, id)
		delete(r.byTopic, topic)
	}
}

func (r *registry) topic(id string) (string, bool) {
	t, ok := r.byID[id]
	return t, ok
}

func (r *registry) id(topic string) (string, bool) {
	id, ok := r.byTopic[topic]
	return id, ok
}

func (r *registry) len() int { return len(r.byID) }

func (r *registry) ids() []string {
	out := make([]string, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (r *registry) topics() []string {
	out := make([]string, 0, len(r.byTopic))
	for t := range r.byTopic {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}
