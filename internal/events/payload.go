package events

// Payload is the zipped artifact attached to an event once triples generation
// succeeded. The producer compresses it; the event log stores and forwards
// the bytes untouched.
type Payload []byte
