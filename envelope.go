package ridewatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Event Types
// ============================================================================

// Event type tags pushed by the backend.
const (
	EventTripRequested    = "TRIP_REQUESTED"
	EventTripMatched      = "TRIP_MATCHED"
	EventTripAccepted     = "TRIP_ACCEPTED"
	EventStatusChanged    = "STATUS_CHANGED"
	EventLocationUpdated  = "LOCATION_UPDATED"
	EventPaymentProcessed = "PAYMENT_PROCESSED"
	EventRatingCreated    = "RATING_CREATED"

	// EventMessage tags frames that carry no type of their own.
	EventMessage = "message"
	// EventPing is the heartbeat frame type.
	EventPing = "PING"
	// AllEvents subscribes a listener to every dispatched event.
	AllEvents = "*"
)

// Tags emitted by older backend builds, decoded as their current equivalents.
const (
	legacyTripOffer      = "TRIP_OFFER"
	legacyTripOfferLower = "trip_offer"
	legacyDriverLocation = "DRIVER_LOCATION_UPDATE"
	legacyTripStatus     = "TRIP_STATUS_UPDATE"
)

var errEmptyFrame = errors.New("empty frame")

// ============================================================================
// Envelopes
// ============================================================================

// Envelope is the typed form of an event payload. Concrete values are
// TripEvent, StatusEvent, LocationEvent, PaymentEvent, RatingEvent and
// Unrecognized.
type Envelope interface {
	EventType() string
	isEnvelope()
}

// LocationPoint is a geographic point with an optional label.
type LocationPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address,omitempty"`
}

// EnvelopeHeader holds the correlation fields shared by every event.
type EnvelopeHeader struct {
	EventID   string `json:"eventId,omitempty"`
	Type      string `json:"eventType,omitempty"`
	TripID    string `json:"tripId,omitempty"`
	RiderID   string `json:"riderId,omitempty"`
	DriverID  string `json:"driverId,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

func (h EnvelopeHeader) EventType() string { return h.Type }

func (EnvelopeHeader) isEnvelope() {}

// Time parses Timestamp as RFC 3339. ok is false when it is absent or malformed.
func (h EnvelopeHeader) Time() (t time.Time, ok bool) {
	if h.Timestamp == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, h.Timestamp)
	return t, err == nil
}

// TripEvent covers TRIP_REQUESTED, TRIP_MATCHED and TRIP_ACCEPTED.
type TripEvent struct {
	EnvelopeHeader
	Pickup  *LocationPoint `json:"pickup,omitempty"`
	Dropoff *LocationPoint `json:"dropoff,omitempty"`
	Fare    *float64       `json:"fare,omitempty"`
	Status  string         `json:"status,omitempty"`
}

// StatusEvent is a trip status transition.
type StatusEvent struct {
	EnvelopeHeader
	Status string `json:"status"`
}

// LocationEvent is a driver position update. Both latitude/longitude and
// the short lat/lng spelling are accepted on the wire.
type LocationEvent struct {
	EnvelopeHeader
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Heading   *float64 `json:"heading,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
}

func (e *LocationEvent) UnmarshalJSON(data []byte) error {
	type plain LocationEvent
	var aux struct {
		plain
		Lat *float64 `json:"lat"`
		Lng *float64 `json:"lng"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*e = LocationEvent(aux.plain)
	if aux.Lat != nil {
		e.Latitude = *aux.Lat
	}
	if aux.Lng != nil {
		e.Longitude = *aux.Lng
	}
	return nil
}

// PaymentEvent reports a settled trip payment.
type PaymentEvent struct {
	EnvelopeHeader
	Amount float64  `json:"amount,omitempty"`
	Fare   *float64 `json:"fare,omitempty"`
	Status string   `json:"status,omitempty"`
}

// RatingEvent reports a rating left for a trip.
type RatingEvent struct {
	EnvelopeHeader
	Rating  int    `json:"rating"`
	Comment string `json:"comment,omitempty"`
}

// Unrecognized carries the raw payload of a tag this client has no type for,
// or of a known tag whose payload did not decode.
type Unrecognized struct {
	Type string
	Raw  json.RawMessage
}

func (u Unrecognized) EventType() string { return u.Type }

func (Unrecognized) isEnvelope() {}

// ============================================================================
// Frames
// ============================================================================

// Event is one decoded inbound frame as delivered to listeners.
type Event struct {
	// Type is the frame's eventType/type tag, or EventMessage when absent.
	Type string
	// Payload is the nested payload field, or the whole frame when absent.
	Payload  json.RawMessage
	Envelope Envelope
}

// Decode unmarshals the raw payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

type inboundFrame struct {
	EventType string          `json:"eventType"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

type outboundFrame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// pingFrame is the heartbeat frame, written as-is on every tick.
var pingFrame = []byte(`{"type":"` + EventPing + `"}`)

// DecodeFrame parses one inbound frame. It fails only when data is not JSON.
func DecodeFrame(data []byte) (Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Event{}, errEmptyFrame
	}
	if !json.Valid(data) {
		return Event{}, fmt.Errorf("frame is not valid JSON (%d bytes)", len(data))
	}

	ev := Event{Type: EventMessage, Payload: json.RawMessage(data)}

	// Non-object frames (arrays, scalars) are delivered whole under EventMessage.
	var frame inboundFrame
	if data[0] == '{' && json.Unmarshal(data, &frame) == nil {
		switch {
		case frame.EventType != "":
			ev.Type = frame.EventType
		case frame.Type != "":
			ev.Type = frame.Type
		}
		if frame.Payload != nil {
			ev.Payload = frame.Payload
		}
	}

	ev.Envelope = decodeEnvelope(ev.Type, ev.Payload)
	return ev, nil
}

func decodeEnvelope(tag string, payload json.RawMessage) Envelope {
	var (
		env    Envelope
		header *EnvelopeHeader
		err    error
	)

	switch tag {
	case EventTripRequested, EventTripMatched, EventTripAccepted, legacyTripOffer, legacyTripOfferLower:
		var e TripEvent
		err = json.Unmarshal(payload, &e)
		header, env = &e.EnvelopeHeader, &e
	case EventStatusChanged, legacyTripStatus:
		var e StatusEvent
		err = json.Unmarshal(payload, &e)
		header, env = &e.EnvelopeHeader, &e
	case EventLocationUpdated, legacyDriverLocation:
		var e LocationEvent
		err = json.Unmarshal(payload, &e)
		header, env = &e.EnvelopeHeader, &e
	case EventPaymentProcessed:
		var e PaymentEvent
		err = json.Unmarshal(payload, &e)
		header, env = &e.EnvelopeHeader, &e
	case EventRatingCreated:
		var e RatingEvent
		err = json.Unmarshal(payload, &e)
		header, env = &e.EnvelopeHeader, &e
	default:
		return Unrecognized{Type: tag, Raw: payload}
	}

	if err != nil {
		return Unrecognized{Type: tag, Raw: payload}
	}
	header.Type = tag
	return derefEnvelope(env)
}

// derefEnvelope hands listeners values rather than pointers into the decoder.
func derefEnvelope(env Envelope) Envelope {
	switch e := env.(type) {
	case *TripEvent:
		return *e
	case *StatusEvent:
		return *e
	case *LocationEvent:
		return *e
	case *PaymentEvent:
		return *e
	case *RatingEvent:
		return *e
	}
	return env
}
