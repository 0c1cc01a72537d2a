package event

import "github.com/fxamacker/cbor/v2"

// Encode serializes an Event into the canonical, self-describing binary
// form stored as a WAL entry's payload. Field ordering is stable because
// every struct field carries an explicit integer cbor tag (see Event and
// Payload in types.go); a future schema_version can add fields without breaking
// older readers, satisfying the forward-compatible evolution requirement.
func Encode(e Event) ([]byte, error) {
	return cbor.Marshal(e)
}

// Decode reconstructs an Event from bytes produced by Encode. A Decode
// that never saw the writing process produces a semantically equal Event,
// satisfying the WAL's replay contract.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := cbor.Unmarshal(data, &e); err != nil {
		return Event{}, err
	}
	return e, nil
}
