package mqttcodec

import "sync"

// txAlias tracks one topic's outbound alias assignment: an index and
// whether it has been sent on the wire yet (usage_count > 0 in spec
// terms is represented here as the boolean sent, since this codec
// only needs "has this alias ever gone out" to pick the wire shape).
type txAlias struct {
	idx  uint16
	sent bool
}

// aliasTable holds both directions of the topic-alias state machine.
// Reference: transport spec §4.5's topic-alias design; guards what the
// spec calls tx_topic_aliases_lock.
type aliasTable struct {
	mu sync.Mutex

	idxMax      uint16
	nextIdx     uint16
	tx          map[string]*txAlias
	rx          map[uint16]string
}

func newAliasTable(idxMax uint16) *aliasTable {
	return &aliasTable{idxMax: idxMax, tx: make(map[string]*txAlias), rx: make(map[uint16]string)}
}

// ErrAliasesExhausted is returned by SetTopicAlias when idxMax aliases
// are already assigned.
var ErrAliasesExhausted = errAliasesExhausted{}

type errAliasesExhausted struct{}

func (errAliasesExhausted) Error() string { return "mqttcodec: topic alias space exhausted" }

// Set assigns topic a fresh outbound alias index, or returns the
// existing one if already assigned. Returns 0 (plus ErrAliasesExhausted)
// if idxMax aliases are already in use and topic isn't among them.
func (t *aliasTable) Set(topic string) (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.tx[topic]; ok {
		return a.idx, nil
	}
	if t.nextIdx >= t.idxMax {
		return 0, ErrAliasesExhausted
	}
	t.nextIdx++
	t.tx[topic] = &txAlias{idx: t.nextIdx}
	return t.nextIdx, nil
}

// resolveTX reports the wire shape for publishing to topic: whether an
// alias property should be written (aliasIdx != 0), and whether the
// topic name itself should also be written (first use of an alias, or
// no alias at all).
func (t *aliasTable) resolveTX(topic string) (aliasIdx uint16, writeTopic bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.tx[topic]
	if !ok {
		return 0, true
	}
	if a.sent {
		return a.idx, false
	}
	a.sent = true
	return a.idx, true
}

// ErrTopicAliasReassigned mirrors packet.ErrTopicAliasReassigned for
// the case an inbound PUBLISH tries to repoint an already-bound alias.
type ErrTopicAliasReassigned struct{ Alias uint16 }

func (e *ErrTopicAliasReassigned) Error() string {
	return "mqttcodec: topic alias reassigned"
}

// resolveRX installs or looks up an inbound alias mapping. When topic
// is non-empty it (re)binds alias -> topic, rejecting a rebind to a
// different topic than previously installed. When topic is empty, the
// previously bound topic is returned.
func (t *aliasTable) resolveRX(alias uint16, topic string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	existing, bound := t.rx[alias]
	if topic == "" {
		if !bound {
			return "", &ErrTopicAliasReassigned{Alias: alias}
		}
		return existing, nil
	}
	if bound && existing != topic {
		return "", &ErrTopicAliasReassigned{Alias: alias}
	}
	t.rx[alias] = topic
	return topic, nil
}
