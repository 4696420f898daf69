package verifier

import (
	"bytes"
	"encoding/hex"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/backend/plonk"
	"github.com/consensys/gnark/backend/witness"
)

// ─── gnark verifiers (BN254) ────────────────────────────────────────────────
//
// Artefact encoding shared by both schemes:
//   vk        hex of the verifying key as written by vk.WriteTo
//   inputData public witness as written by witness.MarshalBinary
//   proof     proof as written by proof.WriteTo
// Anything that fails to decode is an invalid proof.

// Groth16 verifies Groth16 proofs over BN254.
type Groth16 struct{}

// Verify implements domain.ProofVerifier.
func (Groth16) Verify(vkHex string, inputData, proofData []byte) (ok bool) {
	defer recoverInvalid(&ok)

	raw, pub, ok := decodeCommon(vkHex, inputData, proofData)
	if !ok {
		return false
	}
	vk := groth16.NewVerifyingKey(ecc.BN254)
	if _, err := vk.ReadFrom(bytes.NewReader(raw)); err != nil {
		return false
	}
	proof := groth16.NewProof(ecc.BN254)
	if _, err := proof.ReadFrom(bytes.NewReader(proofData)); err != nil {
		return false
	}
	return groth16.Verify(proof, vk, pub) == nil
}

// Plonk verifies PLONK proofs over BN254.
type Plonk struct{}

// Verify implements domain.ProofVerifier.
func (Plonk) Verify(vkHex string, inputData, proofData []byte) (ok bool) {
	defer recoverInvalid(&ok)

	raw, pub, ok := decodeCommon(vkHex, inputData, proofData)
	if !ok {
		return false
	}
	vk := plonk.NewVerifyingKey(ecc.BN254)
	if _, err := vk.ReadFrom(bytes.NewReader(raw)); err != nil {
		return false
	}
	proof := plonk.NewProof(ecc.BN254)
	if _, err := proof.ReadFrom(bytes.NewReader(proofData)); err != nil {
		return false
	}
	return plonk.Verify(proof, vk, pub) == nil
}

func decodeCommon(vkHex string, inputData, proofData []byte) ([]byte, witness.Witness, bool) {
	if vkHex == "" || len(inputData) == 0 || len(proofData) == 0 {
		return nil, nil, false
	}
	raw, err := hex.DecodeString(vkHex)
	if err != nil {
		return nil, nil, false
	}
	pub, err := witness.New(ecc.BN254.ScalarField())
	if err != nil {
		return nil, nil, false
	}
	if err := pub.UnmarshalBinary(inputData); err != nil {
		return nil, nil, false
	}
	return raw, pub, true
}

// Decoding untrusted bytes can panic inside curve code; that is a bad proof.
func recoverInvalid(ok *bool) {
	if r := recover(); r != nil {
		*ok = false
	}
}
