package signaling

import (
	"encoding/json"
	"time"
)

// ParticipantID is assigned by the relay when a client connects. It is unique
// among live connections and changes on every reconnect.
type ParticipantID string

// CallID identifies one call attempt end to end. The caller generates it when
// it sends an invite and every later envelope of that call carries it.
type CallID string

// Blob is an opaque negotiation payload. Only the transport package produces
// or interprets it; the relay forwards it untouched.
type Blob = json.RawMessage

// Participant is the metadata the relay publishes for each connection.
type Participant struct {
	JoinedAt time.Time `json:"joinedAt"`
}

// Roster maps every connected participant, self included, to its metadata.
// Each roster snapshot replaces the previous one.
type Roster map[ParticipantID]Participant

// Clone returns an independent copy of r.
func (r Roster) Clone() Roster {
	out := make(Roster, len(r))
	for id, p := range r {
		out[id] = p
	}
	return out
}

// MessageType identifies the kind of relay frame.
type MessageType string

const (
	// relay → client
	msgTypeIdentity MessageType = "yourID"
	msgTypeRoster   MessageType = "allUsers"
	msgTypeIncoming MessageType = "hey"
	msgTypeAccepted MessageType = "callAccepted"
	msgTypeDeclined MessageType = "callDeclined"

	// client → relay
	msgTypeCallUser    MessageType = "callUser"
	msgTypeAcceptCall  MessageType = "acceptCall"
	msgTypeDeclineCall MessageType = "declineCall"

	// both directions
	msgTypeHangup MessageType = "hangup"
)

// message is the JSON structure exchanged over the relay WebSocket. Which
// fields are set depends on Type.
type message struct {
	Type MessageType `json:"type"`

	ID    ParticipantID `json:"id,omitempty"`
	Users Roster        `json:"users,omitempty"`

	UserToCall ParticipantID `json:"userToCall,omitempty"`
	SignalData Blob          `json:"signalData,omitempty"`
	Signal     Blob          `json:"signal,omitempty"`
	From       ParticipantID `json:"from,omitempty"`
	To         ParticipantID `json:"to,omitempty"`
	CallID     CallID        `json:"callId,omitempty"`
	Reason     string        `json:"reason,omitempty"`
}

// Envelope is an outbound signaling message. The set of envelopes is closed:
// Invite, Accept, Decline and Hangup.
type Envelope interface {
	message() message
}

// Invite starts a call toward To with the caller's offer.
type Invite struct {
	To     ParticipantID
	From   ParticipantID
	CallID CallID
	Offer  Blob
}

func (e Invite) message() message {
	return message{
		Type:       msgTypeCallUser,
		UserToCall: e.To,
		SignalData: e.Offer,
		From:       e.From,
		CallID:     e.CallID,
	}
}

// Accept answers the invite identified by CallID.
type Accept struct {
	To     ParticipantID
	CallID CallID
	Answer Blob
}

func (e Accept) message() message {
	return message{
		Type:   msgTypeAcceptCall,
		Signal: e.Answer,
		To:     e.To,
		CallID: e.CallID,
	}
}

// Decline refuses the invite identified by CallID.
type Decline struct {
	To     ParticipantID
	CallID CallID
	Reason string
}

func (e Decline) message() message {
	return message{
		Type:   msgTypeDeclineCall,
		To:     e.To,
		CallID: e.CallID,
		Reason: e.Reason,
	}
}

// Hangup tells the peer that the call identified by CallID is over.
type Hangup struct {
	To     ParticipantID
	CallID CallID
}

func (e Hangup) message() message {
	return message{
		Type:   msgTypeHangup,
		To:     e.To,
		CallID: e.CallID,
	}
}
