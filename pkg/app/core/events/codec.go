package events

import (
	"encoding/json"
	"fmt"
)

// UnmarshalJSON restores the concrete payload type from the envelope's type tag
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw struct {
		Seq     uint64          `json:"seq"`
		Type    Type            `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	ev, err := Decode(raw.Type, raw.Payload)
	if err != nil {
		return err
	}
	e.Seq, e.Type, e.Event = raw.Seq, raw.Type, ev
	return nil
}

// Decode parses a payload of the given type
func Decode(t Type, payload []byte) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch t {
	case TypeDeposit:
		var v Deposit
		err = json.Unmarshal(payload, &v)
		ev = v
	case TypeWithdraw:
		var v Withdraw
		err = json.Unmarshal(payload, &v)
		ev = v
	case TypeOrder:
		var v Order
		err = json.Unmarshal(payload, &v)
		ev = v
	case TypeCancel:
		var v Cancel
		err = json.Unmarshal(payload, &v)
		ev = v
	case TypeTrade:
		var v Trade
		err = json.Unmarshal(payload, &v)
		ev = v
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s event: %w", t, err)
	}
	return ev, nil
}
