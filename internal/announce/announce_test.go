package announce

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/crosshatch-labs/crosshatch/internal/auction"
	"github.com/crosshatch-labs/crosshatch/internal/swap"
	"github.com/crosshatch-labs/crosshatch/pkg/logging"
)

func TestSealerRoundTrip(t *testing.T) {
	senderPriv, senderPub, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		t.Fatalf("Failed to generate sender key: %v", err)
	}
	recipientPriv, recipientPub, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		t.Fatalf("Failed to generate recipient key: %v", err)
	}

	senderID, err := peer.IDFromPublicKey(senderPub)
	if err != nil {
		t.Fatalf("Failed to create sender peer ID: %v", err)
	}
	recipientID, err := peer.IDFromPublicKey(recipientPub)
	if err != nil {
		t.Fatalf("Failed to create recipient peer ID: %v", err)
	}

	sender, err := NewSealer(senderPriv, senderID)
	if err != nil {
		t.Fatalf("Failed to create sender sealer: %v", err)
	}
	recipient, err := NewSealer(recipientPriv, recipientID)
	if err != nil {
		t.Fatalf("Failed to create recipient sealer: %v", err)
	}

	original := &Direct{
		Type:      DirectOrderSubmit,
		SessionID: "11111111-2222-3333-4444-555555555555",
		MessageID: "msg-456",
		Payload:   []byte(`{"order":"c2lnbmVk"}`),
		Timestamp: time.Now().Unix(),
	}

	env, err := sender.Seal(recipientID, original)
	if err != nil {
		t.Fatalf("Failed to seal message: %v", err)
	}

	if env.Recipient != recipientID.String() {
		t.Errorf("Wrong recipient: got %s, want %s", env.Recipient, recipientID.String())
	}
	if env.Sender != senderID.String() {
		t.Errorf("Wrong sender: got %s, want %s", env.Sender, senderID.String())
	}
	if len(env.EphemeralKey) != 32 {
		t.Errorf("Invalid ephemeral key length: %d", len(env.EphemeralKey))
	}
	if len(env.Nonce) != 24 {
		t.Errorf("Invalid nonce length: %d", len(env.Nonce))
	}
	if env.MessageID != original.MessageID {
		t.Errorf("MessageID mismatch: got %s, want %s", env.MessageID, original.MessageID)
	}

	if !recipient.IsFor(env) {
		t.Error("IsFor returned false for recipient")
	}
	if sender.IsFor(env) {
		t.Error("IsFor returned true for sender")
	}

	opened, err := recipient.Open(env)
	if err != nil {
		t.Fatalf("Failed to open envelope: %v", err)
	}
	if opened.Type != original.Type {
		t.Errorf("Type mismatch: got %s, want %s", opened.Type, original.Type)
	}
	if opened.SessionID != original.SessionID {
		t.Errorf("SessionID mismatch: got %s, want %s", opened.SessionID, original.SessionID)
	}
	if string(opened.Payload) != string(original.Payload) {
		t.Errorf("Payload mismatch: got %s, want %s", opened.Payload, original.Payload)
	}
}

func TestSealerWrongRecipient(t *testing.T) {
	senderPriv, senderPub, _ := crypto.GenerateEd25519Key(nil)
	_, recipientPub, _ := crypto.GenerateEd25519Key(nil)
	wrongPriv, wrongPub, _ := crypto.GenerateEd25519Key(nil)

	senderID, _ := peer.IDFromPublicKey(senderPub)
	recipientID, _ := peer.IDFromPublicKey(recipientPub)
	wrongID, _ := peer.IDFromPublicKey(wrongPub)

	sender, _ := NewSealer(senderPriv, senderID)
	wrong, _ := NewSealer(wrongPriv, wrongID)

	env, err := sender.Seal(recipientID, &Direct{Type: DirectOrderSubmit, MessageID: "msg-1"})
	if err != nil {
		t.Fatalf("Failed to seal: %v", err)
	}

	if wrong.IsFor(env) {
		t.Error("IsFor should return false for wrong recipient")
	}
	if _, err := wrong.Open(env); err == nil {
		t.Error("Open should fail for wrong recipient")
	}
}

func TestSealerMultipleMessages(t *testing.T) {
	senderPriv, senderPub, _ := crypto.GenerateEd25519Key(nil)
	recipientPriv, recipientPub, _ := crypto.GenerateEd25519Key(nil)

	senderID, _ := peer.IDFromPublicKey(senderPub)
	recipientID, _ := peer.IDFromPublicKey(recipientPub)

	sender, _ := NewSealer(senderPriv, senderID)
	recipient, _ := NewSealer(recipientPriv, recipientID)

	// Each seal must use a fresh ephemeral key and nonce.
	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		msg := &Direct{
			Type:      DirectOrderSubmit,
			MessageID: "msg-" + string(rune('0'+i)),
		}

		env, err := sender.Seal(recipientID, msg)
		if err != nil {
			t.Fatalf("Failed to seal message %d: %v", i, err)
		}

		eph := hex.EncodeToString(env.EphemeralKey)
		if seen[eph] {
			t.Errorf("Message %d reused an ephemeral key", i)
		}
		seen[eph] = true

		opened, err := recipient.Open(env)
		if err != nil {
			t.Fatalf("Failed to open message %d: %v", i, err)
		}
		if opened.MessageID != msg.MessageID {
			t.Errorf("Message %d: MessageID mismatch", i)
		}
	}
}

func TestKeyConversion(t *testing.T) {
	priv, pub, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	x25519Priv, err := ed25519PrivToX25519(priv)
	if err != nil {
		t.Fatalf("Failed to convert private key: %v", err)
	}

	allZero := true
	for _, b := range x25519Priv {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		t.Error("X25519 private key is all zeros")
	}

	peerID, _ := peer.IDFromPublicKey(pub)
	x25519Pub, err := peerX25519(peerID)
	if err != nil {
		t.Fatalf("Failed to convert public key: %v", err)
	}

	allZero = true
	for _, b := range x25519Pub {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		t.Error("X25519 public key is all zeros")
	}
}

func TestEnvelopeValidation(t *testing.T) {
	priv, pub, _ := crypto.GenerateEd25519Key(nil)
	peerID, _ := peer.IDFromPublicKey(pub)
	sealer, _ := NewSealer(priv, peerID)

	tests := []struct {
		name     string
		envelope *Envelope
	}{
		{
			name: "invalid ephemeral key length",
			envelope: &Envelope{
				Recipient:    peerID.String(),
				EphemeralKey: []byte{1, 2, 3},
				Nonce:        make([]byte, 24),
				Ciphertext:   []byte{1, 2, 3},
			},
		},
		{
			name: "invalid nonce length",
			envelope: &Envelope{
				Recipient:    peerID.String(),
				EphemeralKey: make([]byte, 32),
				Nonce:        []byte{1, 2, 3},
				Ciphertext:   []byte{1, 2, 3},
			},
		},
		{
			name: "wrong recipient",
			envelope: &Envelope{
				Recipient:    "12D3KooWDummyPeerID",
				EphemeralKey: make([]byte, 32),
				Nonce:        make([]byte, 24),
				Ciphertext:   []byte{1, 2, 3},
			},
		},
		{
			name: "garbage ciphertext",
			envelope: &Envelope{
				Recipient:    peerID.String(),
				EphemeralKey: make([]byte, 32),
				Nonce:        make([]byte, 24),
				Ciphertext:   []byte{1, 2, 3},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := sealer.Open(tt.envelope); err == nil {
				t.Error("Open() succeeded, want error")
			}
		})
	}
}

func TestSessionAnnouncementCarriesNoSecret(t *testing.T) {
	var secret [32]byte
	for i := range secret {
		secret[i] = byte(i + 1)
	}

	sess := &swap.Session{
		ID:             "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee",
		SourceChain:    "ETH",
		DestChain:      "BTC",
		SourceAmount:   big.NewInt(1000000000000000000),
		DestAmount:     big.NewInt(5000000),
		Status:         swap.StatusInitialized,
		Hashlock:       sha256.Sum256(secret[:]),
		RevealedSecret: secret[:],
	}

	ann := newSessionAnnouncement(sess)
	if ann.Status != string(swap.StatusInitialized) {
		t.Errorf("Status = %s, want %s", ann.Status, swap.StatusInitialized)
	}
	if ann.Hashlock != sess.HashlockHex() {
		t.Errorf("Hashlock = %s, want %s", ann.Hashlock, sess.HashlockHex())
	}
	if ann.SourceAmount != "1000000000000000000" {
		t.Errorf("SourceAmount = %s", ann.SourceAmount)
	}

	data, err := json.Marshal(ann)
	if err != nil {
		t.Fatalf("Failed to marshal announcement: %v", err)
	}
	body := string(data)

	if !strings.Contains(body, sess.HashlockHex()) {
		t.Error("Announcement does not carry the hashlock")
	}
	if strings.Contains(body, hex.EncodeToString(secret[:])) {
		t.Error("Announcement leaks the preimage")
	}
}

func TestAuctionAnnouncement(t *testing.T) {
	validUntil := time.Now().Add(time.Minute)
	sess := &swap.Session{
		ID:           "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee",
		SourceChain:  "ETH",
		DestChain:    "BTC",
		SourceAmount: big.NewInt(1),
		DestAmount:   big.NewInt(1),
		Quote: &auction.Quote{
			Pair:            "ETH/BTC",
			StartPrice:      "0.05025",
			EndPrice:        "0.04975",
			DurationSeconds: 300,
			ValidUntil:      validUntil,
		},
	}

	op := newAuctionAnnouncement(sess)
	if op.SessionID != sess.ID {
		t.Errorf("SessionID = %s, want %s", op.SessionID, sess.ID)
	}
	if op.Pair != "ETH/BTC" {
		t.Errorf("Pair = %s, want ETH/BTC", op.Pair)
	}
	if op.StartPrice != "0.05025" || op.EndPrice != "0.04975" {
		t.Errorf("Prices = %s..%s", op.StartPrice, op.EndPrice)
	}
	if op.ValidUntil != validUntil.Unix() {
		t.Errorf("ValidUntil = %d, want %d", op.ValidUntil, validUntil.Unix())
	}
}

func TestDispatchOrderSubmit(t *testing.T) {
	recipientPriv, recipientPub, _ := crypto.GenerateEd25519Key(nil)
	recipientID, _ := peer.IDFromPublicKey(recipientPub)
	recipientSealer, err := NewSealer(recipientPriv, recipientID)
	if err != nil {
		t.Fatalf("Failed to create sealer: %v", err)
	}

	var gotID string
	var gotOrder []byte
	svc := &Service{
		sealer:   recipientSealer,
		handlers: make(map[string]DirectHandler),
		log:      logging.GetDefault().Component("announce"),
		exec: func(id string, order []byte) error {
			gotID = id
			gotOrder = order
			return nil
		},
	}
	svc.OnDirect(DirectOrderSubmit, svc.handleOrderSubmit)

	senderPriv, senderPub, _ := crypto.GenerateEd25519Key(nil)
	senderID, _ := peer.IDFromPublicKey(senderPub)
	senderSealer, _ := NewSealer(senderPriv, senderID)

	payload, _ := json.Marshal(&OrderSubmitPayload{Order: []byte("signed order bytes")})
	msg := &Direct{
		Type:      DirectOrderSubmit,
		SessionID: "11111111-2222-3333-4444-555555555555",
		MessageID: "msg-1",
		Payload:   payload,
		Timestamp: time.Now().Unix(),
	}

	env, err := senderSealer.Seal(recipientID, msg)
	if err != nil {
		t.Fatalf("Failed to seal: %v", err)
	}
	data, _ := json.Marshal(env)

	if !svc.dispatchEnvelope(context.Background(), data) {
		t.Fatal("dispatchEnvelope() = false, want true")
	}
	if gotID != msg.SessionID {
		t.Errorf("Execute got session %s, want %s", gotID, msg.SessionID)
	}
	if string(gotOrder) != "signed order bytes" {
		t.Errorf("Execute got order %q", gotOrder)
	}

	// Envelopes for other peers are ignored.
	other, _ := senderSealer.Seal(senderID, msg)
	otherData, _ := json.Marshal(other)
	if svc.dispatchEnvelope(context.Background(), otherData) {
		t.Error("dispatchEnvelope() processed an envelope for another peer")
	}

	// An order submit without order bytes is rejected.
	emptyPayload, _ := json.Marshal(&OrderSubmitPayload{})
	bad := &Direct{
		Type:      DirectOrderSubmit,
		SessionID: msg.SessionID,
		MessageID: "msg-2",
		Payload:   emptyPayload,
	}
	badEnv, _ := senderSealer.Seal(recipientID, bad)
	badData, _ := json.Marshal(badEnv)
	if svc.dispatchEnvelope(context.Background(), badData) {
		t.Error("dispatchEnvelope() accepted an empty order")
	}
}
