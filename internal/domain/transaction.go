// Package domain defines the core interfaces and types shared by the
// fraud-scoring engine's ingest, feature, fusion and analyzer packages.
package domain

import (
	"encoding/json"
	"time"
)

// Transaction is the Transaction entity, as held in the graph store.
type Transaction struct {
	ID         string `json:"id"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`

	Amount    float64   `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
	Channel   string    `json:"channel"`

	SenderLat *float64 `json:"senderLat,omitempty"`
	SenderLon *float64 `json:"senderLon,omitempty"`

	DeviceFingerprint string         `json:"deviceFingerprint,omitempty"`
	DeviceOS          string         `json:"deviceOs,omitempty"`
	EndpointIP        string         `json:"endpointIp,omitempty"`
	Credential        CredentialType `json:"credential"`

	// RiskScore is written back once the worker fuses a score.
	RiskScore *float64 `json:"riskScore,omitempty"`
}

// CapabilityMask derives the device-capability bits observable on this
// transaction. Only the low bits are populated from the wire; a stored
// device mask keeps whatever richer probe data first set it.
func (t *Transaction) CapabilityMask() uint32 {
	var mask uint32
	if t.SenderLat != nil && t.SenderLon != nil {
		mask |= 1 << 0 // location capable
	}
	if t.DeviceOS != "" {
		mask |= 1 << 1 // OS reported
	}
	if t.Credential == CredentialMPIN || t.Credential == CredentialUPI {
		mask |= 1 << 2 // app channel
	}
	return mask
}

// StreamRecord is the queue payload consumed off the durable
// queue. Unknown keys are preserved in Extra and ignored by scoring.
type StreamRecord struct {
	TxID       string  `json:"tx_id"`
	SenderID   string  `json:"sender_id"`
	ReceiverID string  `json:"receiver_id"`
	Amount     float64 `json:"amount"`
	Timestamp  int64   `json:"timestamp"` // unix seconds

	DeviceHash string `json:"device_hash,omitempty"`
	DeviceOS   string `json:"device_os,omitempty"`
	IPAddress  string `json:"ip_address,omitempty"`

	SenderLat *float64 `json:"sender_lat,omitempty"`
	SenderLon *float64 `json:"sender_lon,omitempty"`

	Channel        string `json:"channel,omitempty"`
	CredentialType string `json:"credential_type,omitempty"`

	UPIIDSender   string `json:"upi_id_sender,omitempty"`
	UPIIDReceiver string `json:"upi_id_receiver,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// DecodeStreamRecord parses a queue payload, preserving unrecognized keys
// in Extra rather than rejecting the record for them.
func DecodeStreamRecord(raw []byte) (*StreamRecord, error) {
	var rec StreamRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, err
	}
	known := map[string]struct{}{
		"tx_id": {}, "sender_id": {}, "receiver_id": {}, "amount": {},
		"timestamp": {}, "device_hash": {}, "device_os": {}, "ip_address": {},
		"sender_lat": {}, "sender_lon": {}, "channel": {}, "credential_type": {},
		"upi_id_sender": {}, "upi_id_receiver": {},
	}
	for k := range known {
		delete(all, k)
	}
	if len(all) > 0 {
		rec.Extra = all
	}
	return &rec, nil
}

// Validate rejects a record whose shape or value range cannot be scored.
func (r *StreamRecord) Validate() error {
	if r.TxID == "" || r.SenderID == "" || r.ReceiverID == "" {
		return ErrInvalidInput
	}
	if r.Amount < 0 {
		return ErrInvalidInput
	}
	return nil
}

// ToTransaction converts a decoded stream record into the graph-store shape.
func (r *StreamRecord) ToTransaction() *Transaction {
	ts := time.Unix(r.Timestamp, 0).UTC()
	if r.Timestamp == 0 {
		ts = time.Now().UTC()
	}
	cred := CredentialType(r.CredentialType)
	if cred == "" {
		cred = CredentialUnknown
	}
	return &Transaction{
		ID:                r.TxID,
		SenderID:          r.SenderID,
		ReceiverID:        r.ReceiverID,
		Amount:            r.Amount,
		Timestamp:         ts,
		Channel:           r.Channel,
		SenderLat:         r.SenderLat,
		SenderLon:         r.SenderLon,
		DeviceFingerprint: r.DeviceHash,
		DeviceOS:          r.DeviceOS,
		EndpointIP:        r.IPAddress,
		Credential:        cred,
	}
}
