// Package verifier provides proof-verification collaborators and the
// per-protocol set the market engine resolves them through.
package verifier

import (
	"fmt"
	"sort"
	"strings"

	"github.com/proofmarket/pmkt/internal/domain"
)

// Scheme names accepted in configuration.
const (
	SchemeAlways  = "always"
	SchemeGroth16 = "groth16"
	SchemePlonk   = "plonk"
)

// AlwaysValid accepts every proof. It stands in for a real verifier in
// development deployments and tests.
type AlwaysValid struct{}

// Verify implements domain.ProofVerifier.
func (AlwaysValid) Verify(string, []byte, []byte) bool { return true }

// Func adapts a plain function to domain.ProofVerifier.
type Func func(vk string, inputData, proof []byte) bool

// Verify implements domain.ProofVerifier.
func (f Func) Verify(vk string, inputData, proof []byte) bool { return f(vk, inputData, proof) }

// ─── Set ────────────────────────────────────────────────────────────────────

// Set maps protocol ids to verifiers, falling back to a default.
// It is built once at startup and read-only afterwards.
type Set struct {
	def     domain.ProofVerifier
	byProto map[string]domain.ProofVerifier
	schemes map[string]string
	defName string
}

// NewSet creates a set whose default is def.
func NewSet(def domain.ProofVerifier) *Set {
	return &Set{
		def:     def,
		byProto: make(map[string]domain.ProofVerifier),
		schemes: make(map[string]string),
	}
}

// Register binds protocol to v.
func (s *Set) Register(protocol string, v domain.ProofVerifier) {
	s.byProto[protocol] = v
}

// For returns the verifier for protocol.
func (s *Set) For(protocol string) domain.ProofVerifier {
	if v, ok := s.byProto[protocol]; ok {
		return v
	}
	return s.def
}

// Scheme returns the configured scheme name for protocol, if the set was
// built from configuration.
func (s *Set) Scheme(protocol string) string {
	if name, ok := s.schemes[protocol]; ok {
		return name
	}
	return s.defName
}

// Protocols lists protocols with an explicit binding.
func (s *Set) Protocols() []string {
	out := make([]string, 0, len(s.byProto))
	for p := range s.byProto {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ByName returns the verifier for a scheme name.
func ByName(name string) (domain.ProofVerifier, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case SchemeAlways, "":
		return AlwaysValid{}, nil
	case SchemeGroth16:
		return Groth16{}, nil
	case SchemePlonk:
		return Plonk{}, nil
	default:
		return nil, fmt.Errorf("unknown verifier scheme %q", name)
	}
}

// FromConfig builds a set from a default scheme and per-protocol overrides.
func FromConfig(def string, perProtocol map[string]string) (*Set, error) {
	dv, err := ByName(def)
	if err != nil {
		return nil, fmt.Errorf("default verifier: %w", err)
	}
	s := NewSet(dv)
	s.defName = strings.ToLower(strings.TrimSpace(def))
	if s.defName == "" {
		s.defName = SchemeAlways
	}
	for proto, name := range perProtocol {
		v, err := ByName(name)
		if err != nil {
			return nil, fmt.Errorf("verifier for protocol %q: %w", proto, err)
		}
		s.byProto[proto] = v
		s.schemes[proto] = strings.ToLower(strings.TrimSpace(name))
	}
	return s, nil
}
