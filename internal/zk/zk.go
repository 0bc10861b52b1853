// Package zk declares the interfaces to the external proof backend and
// verification ledger. Both are consumed as opaque services: the system hands
// over commitments and nullifiers (never raw amounts) and gets back a
// pass/fail plus an identifier.
package zk

import "context"

// Batch is the public input set for one matching's validity proof.
type Batch struct {
	Commitments []string `json:"commitments"`
	Nullifiers  []string `json:"nullifiers"`
	MerkleRoot  string   `json:"merkle_root"`
}

// ProofArtifact is the opaque proof produced by the backend.
type ProofArtifact struct {
	ImageID      string `json:"image_id"`
	PublicValues []byte `json:"public_values"`
	ProofBytes   []byte `json:"proof_bytes"`
}

// Receipt statuses returned by the verification ledger.
const (
	ReceiptPending  = "PENDING"
	ReceiptVerified = "VERIFIED"
	ReceiptFailed   = "FAILED"
)

// Receipt is the verification ledger's answer for a submitted proof. The
// AttestationID doubles as the opaque authorization token for settlement.
type Receipt struct {
	ProofID       string `json:"proof_id"`
	Status        string `json:"status"`
	BlockRef      string `json:"block_ref,omitempty"`
	AttestationID string `json:"attestation_id,omitempty"`
}

// ProofBackend turns a batch of public inputs into a proof artifact.
// Long-latency: callers must pass a context and expect seconds to minutes.
type ProofBackend interface {
	RequestProof(ctx context.Context, batch Batch) (*ProofArtifact, error)
}

// VerificationLedger confirms proof validity. SubmitProof may return a
// pending receipt; callers poll until the status is terminal.
type VerificationLedger interface {
	SubmitProof(ctx context.Context, artifact *ProofArtifact) (*Receipt, error)
	PollReceipt(ctx context.Context, proofID string) (*Receipt, error)
}
