package nanopub

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Publication types understood by the registry. Anything else is stored
// verbatim but carries no crawl semantics.
const (
	TypeIntroduction = "introduction"
	TypeEndorsement  = "endorsement"
	TypeRetraction   = "retraction"
	TypeSetting      = "setting"
)

var (
	ErrNoSignature  = errors.New("publication has no signature")
	ErrBadSignature = errors.New("publication signature is invalid")
	ErrBadPubkey    = errors.New("publication pubkey is malformed")
)

// KeyDeclaration states that an agent owns a public key.
type KeyDeclaration struct {
	Agent  string `json:"agent"`
	Pubkey string `json:"pubkey"`
}

// Body carries the type-specific assertion fields of a publication.
type Body struct {
	Declares  []KeyDeclaration `json:"declares,omitempty"`   // introduction
	Approves  string           `json:"approves,omitempty"`   // endorsement
	Retracts  string           `json:"retracts,omitempty"`   // retraction
	RootIntro string           `json:"root_intro,omitempty"` // setting
	Services  []string         `json:"services,omitempty"`   // setting
	IntroRefs []string         `json:"intro_refs,omitempty"` // setting
}

// Publication is the JSON envelope a nanopublication travels in. The RDF
// quad serialization used on the wire maps 1:1 onto this envelope.
type Publication struct {
	FullID string `json:"full_id"`
	Type   string `json:"type"`
	Agent  string `json:"agent"`
	Pubkey string `json:"pubkey"`
	Body   Body   `json:"body"`
	Sig    string `json:"sig,omitempty"`
}

// canonicalEnvelope is Publication without the signature field. Marshaling a
// struct yields deterministic field order, so these bytes are the canonical
// content both the artifact code and the signature are computed over.
type canonicalEnvelope struct {
	FullID string `json:"full_id"`
	Type   string `json:"type"`
	Agent  string `json:"agent"`
	Pubkey string `json:"pubkey"`
	Body   Body   `json:"body"`
}

// CanonicalBytes returns the canonical content bytes of a publication.
func (p *Publication) CanonicalBytes() []byte {
	data, err := json.Marshal(canonicalEnvelope{
		FullID: p.FullID,
		Type:   p.Type,
		Agent:  p.Agent,
		Pubkey: p.Pubkey,
		Body:   p.Body,
	})
	if err != nil {
		// Marshaling a plain struct of strings and slices cannot fail
		panic(fmt.Sprintf("canonical marshal: %v", err))
	}
	return data
}

// ArtifactCode derives the content-addressed identifier of a publication.
// It is a pure function of the canonical content.
func (p *Publication) ArtifactCode() string {
	sum := sha256.Sum256(p.CanonicalBytes())
	return "RA" + hex.EncodeToString(sum[:])
}

// KeyHash returns the hex SHA-256 of a hex-encoded public key.
func KeyHash(pubkeyHex string) string {
	raw, err := hex.DecodeString(pubkeyHex)
	if err != nil {
		// Fall back to hashing the literal string so malformed keys still
		// produce a stable value for logging purposes
		raw = []byte(pubkeyHex)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// TypeHash returns the hex SHA-256 list key for a publication type name.
func TypeHash(name string) string {
	sum := sha256.Sum256([]byte("nanoreg:type:" + name))
	return hex.EncodeToString(sum[:])
}

// Verify checks the ed25519 signature over the canonical content bytes.
// A publication that fails Verify must never be stored.
func (p *Publication) Verify() error {
	if p.Sig == "" {
		return ErrNoSignature
	}
	pub, err := hex.DecodeString(p.Pubkey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return ErrBadPubkey
	}
	sig, err := hex.DecodeString(p.Sig)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrBadSignature
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), p.CanonicalBytes(), sig) {
		return ErrBadSignature
	}
	return nil
}

// Sign fills in the pubkey and signature fields from an ed25519 private key.
// The registry itself only verifies; signing lives here for clients and tests.
func (p *Publication) Sign(priv ed25519.PrivateKey) {
	pub := priv.Public().(ed25519.PublicKey)
	p.Pubkey = hex.EncodeToString(pub)
	sig := ed25519.Sign(priv, p.CanonicalBytes())
	p.Sig = hex.EncodeToString(sig)
}

// Parse decodes and validates a publication envelope.
func Parse(data []byte) (*Publication, error) {
	var p Publication
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode publication: %w", err)
	}
	if p.FullID == "" {
		return nil, errors.New("publication has no full_id")
	}
	return &p, nil
}

// Encode serializes a publication envelope including its signature.
func (p *Publication) Encode() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode publication: %w", err)
	}
	return data, nil
}
