package domain

// ProtocolEntry maps a proof protocol to its settlement asset and the
// minimum stake increment per asset.
type ProtocolEntry struct {
	Protocol string             `json:"protocol"`
	Asset    AssetID            `json:"asset"` // Empty after removal
	MinStake map[AssetID]Amount `json:"min_stake,omitempty"`
}

// Active reports whether the protocol currently resolves to an asset.
func (p ProtocolEntry) Active() bool {
	return p.Asset != ""
}

// Clone returns a copy whose MinStake map is not shared.
func (p ProtocolEntry) Clone() ProtocolEntry {
	if p.MinStake != nil {
		m := make(map[AssetID]Amount, len(p.MinStake))
		for k, v := range p.MinStake {
			m[k] = v
		}
		p.MinStake = m
	}
	return p
}
