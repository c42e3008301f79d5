// Package announce - NaCl-sealed envelopes for peer-addressed messages.
package announce

import (
	"crypto/rand"
	"crypto/sha512"
	"encoding/json"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/crypto/nacl/box"
)

// Direct message types carried inside envelopes.
const (
	// DirectOrderSubmit attaches a resolver's signed order to a passive
	// session, the mesh-side twin of the session_execute RPC method.
	DirectOrderSubmit = "order_submit"
)

// Direct is a peer-addressed message. It travels sealed: only the
// recipient named in the envelope can read it.
type Direct struct {
	// Type selects the handler on the receiving side.
	Type string `json:"type"`

	// SessionID routes the message to a swap session.
	SessionID string `json:"session_id,omitempty"`

	// MessageID identifies one publish across rebroadcasts.
	MessageID string `json:"message_id"`

	// Payload is the type-specific body.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Timestamp is the sender's Unix time.
	Timestamp int64 `json:"timestamp"`
}

// OrderSubmitPayload is the body of a DirectOrderSubmit message.
type OrderSubmitPayload struct {
	Order []byte `json:"order"`
}

// Envelope wraps a sealed Direct for gossip delivery. Every node on the
// mesh sees the envelope; only the recipient can open it.
type Envelope struct {
	// Recipient is the intended recipient's peer ID.
	Recipient string `json:"recipient"`

	// Sender identifies the sender for reply routing.
	Sender string `json:"sender"`

	// EphemeralKey is the sender's one-use X25519 public key (32 bytes).
	EphemeralKey []byte `json:"ephemeral_key"`

	// Nonce is the 24-byte box nonce.
	Nonce []byte `json:"nonce"`

	// Ciphertext is the sealed Direct.
	Ciphertext []byte `json:"ciphertext"`

	// MessageID mirrors Direct.MessageID so receivers can skip
	// envelopes they have already opened.
	MessageID string `json:"message_id"`
}

// Sealer seals and opens envelopes using the node's libp2p identity.
// Peer IDs double as key material: an Ed25519 identity converts to
// X25519 for NaCl box, so no key exchange round trip is needed.
type Sealer struct {
	x25519Priv [32]byte
	self       peer.ID
}

// NewSealer derives the X25519 keypair from the node's Ed25519 identity.
func NewSealer(priv crypto.PrivKey, self peer.ID) (*Sealer, error) {
	x25519Priv, err := ed25519PrivToX25519(priv)
	if err != nil {
		return nil, fmt.Errorf("derive X25519 key: %w", err)
	}
	return &Sealer{x25519Priv: x25519Priv, self: self}, nil
}

// Seal encrypts a Direct for one peer. An ephemeral sender key gives
// forward secrecy; box.Seal is X25519 + XSalsa20-Poly1305.
func (s *Sealer) Seal(to peer.ID, msg *Direct) (*Envelope, error) {
	plaintext, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal direct message: %w", err)
	}

	recipientPub, err := peerX25519(to)
	if err != nil {
		return nil, fmt.Errorf("recipient public key: %w", err)
	}

	ephemeralPub, ephemeralPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := box.Seal(nil, plaintext, &nonce, &recipientPub, ephemeralPriv)

	return &Envelope{
		Recipient:    to.String(),
		Sender:       s.self.String(),
		EphemeralKey: ephemeralPub[:],
		Nonce:        nonce[:],
		Ciphertext:   ciphertext,
		MessageID:    msg.MessageID,
	}, nil
}

// Open decrypts an envelope addressed to this node.
func (s *Sealer) Open(env *Envelope) (*Direct, error) {
	if env.Recipient != s.self.String() {
		return nil, fmt.Errorf("envelope not addressed to us")
	}
	if len(env.EphemeralKey) != 32 {
		return nil, fmt.Errorf("invalid ephemeral key length: %d", len(env.EphemeralKey))
	}
	if len(env.Nonce) != 24 {
		return nil, fmt.Errorf("invalid nonce length: %d", len(env.Nonce))
	}

	var ephemeralPub [32]byte
	copy(ephemeralPub[:], env.EphemeralKey)
	var nonce [24]byte
	copy(nonce[:], env.Nonce)

	plaintext, ok := box.Open(nil, env.Ciphertext, &nonce, &ephemeralPub, &s.x25519Priv)
	if !ok {
		return nil, fmt.Errorf("envelope decryption failed")
	}

	var msg Direct
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal direct message: %w", err)
	}
	return &msg, nil
}

// IsFor reports whether the envelope is addressed to this node.
func (s *Sealer) IsFor(env *Envelope) bool {
	return env.Recipient == s.self.String()
}

// ed25519PrivToX25519 converts an Ed25519 private key to X25519: hash
// the 32-byte seed with SHA-512 and clamp per RFC 7748.
func ed25519PrivToX25519(priv crypto.PrivKey) ([32]byte, error) {
	var out [32]byte

	raw, err := priv.Raw()
	if err != nil {
		return out, fmt.Errorf("raw private key: %w", err)
	}
	// Ed25519 private keys are seed || public key; the seed comes first.
	if len(raw) < 32 {
		return out, fmt.Errorf("invalid private key length: %d", len(raw))
	}

	h := sha512.Sum512(raw[:32])
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64

	copy(out[:], h[:32])
	return out, nil
}

// peerX25519 recovers a peer's Ed25519 public key from its ID and maps
// the Edwards point to the Montgomery u-coordinate X25519 expects.
func peerX25519(p peer.ID) ([32]byte, error) {
	var out [32]byte

	pub, err := p.ExtractPublicKey()
	if err != nil {
		return out, fmt.Errorf("extract public key: %w", err)
	}
	raw, err := pub.Raw()
	if err != nil {
		return out, fmt.Errorf("raw public key: %w", err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("invalid public key length: %d", len(raw))
	}

	edPoint, err := new(edwards25519.Point).SetBytes(raw)
	if err != nil {
		return out, fmt.Errorf("invalid Ed25519 public key: %w", err)
	}
	copy(out[:], edPoint.BytesMontgomery())
	return out, nil
}
