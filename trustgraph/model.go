// Package trustgraph reconstructs an account's trust graph from the peer
// revisions observed on the change feed and evaluates, for a given local
// peer, which peers it should trust.
package trustgraph

import (
	"bytes"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/ruteri/octagon-trust/codec"
	"github.com/ruteri/octagon-trust/cryptoutils"
	"github.com/ruteri/octagon-trust/interfaces"
	"github.com/ruteri/octagon-trust/peer"
)

// PeerState is the latest trusted view of one peer.
type PeerState struct {
	Permanent *peer.PermanentInfo
	Stable    *peer.StableInfo
	Dynamic   *peer.DynamicInfo

	SignedPermanent peer.Signed[peer.PermanentInfo]
	SignedStable    *peer.Signed[peer.StableInfo]
	SignedDynamic   *peer.Signed[peer.DynamicInfo]
}

// AuditEntry is a superseded stable or dynamic revision.
type AuditEntry struct {
	PeerID interfaces.PeerID `json:"peer_id" cbor:"1,keyasint"`
	Record string            `json:"record" cbor:"2,keyasint"`
	Clock  uint64            `json:"clock" cbor:"3,keyasint"`
	Data   []byte            `json:"data" cbor:"4,keyasint"`
	Sig    []byte            `json:"sig" cbor:"5,keyasint"`
}

const (
	recordStable  = "stable"
	recordDynamic = "dynamic"
)

// Model holds every peer known to an account. It is not safe for
// concurrent use; the owning container serializes access.
type Model struct {
	peers    map[interfaces.PeerID]*PeerState
	vouchers map[string]peer.SignedVoucher
	history  map[string]AuditEntry
	applied  map[interfaces.ContentID]struct{}

	log *slog.Logger
}

// NewModel creates an empty model.
func NewModel(log *slog.Logger) *Model {
	return &Model{
		peers:    make(map[interfaces.PeerID]*PeerState),
		vouchers: make(map[string]peer.SignedVoucher),
		history:  make(map[string]AuditEntry),
		applied:  make(map[interfaces.ContentID]struct{}),
		log:      log,
	}
}

// Apply merges one revision into the model. Reapplying a known revision is
// a no-op. Stable and dynamic infos are last-writer-wins by their clocks;
// superseded records are kept in the audit history. Apply reports whether
// the model changed.
func (m *Model) Apply(rev *peer.Revision) (bool, error) {
	hash := rev.Hash()
	if _, ok := m.applied[hash]; ok {
		return false, nil
	}

	v, err := rev.Verify()
	if err != nil {
		return false, err
	}
	id := v.PeerID()

	st, known := m.peers[id]
	if !known {
		st = &PeerState{Permanent: v.Permanent, SignedPermanent: rev.Permanent}
	} else if !bytes.Equal(st.SignedPermanent.Data, rev.Permanent.Data) {
		return false, interfaces.NewError(interfaces.CodeInvalidArgument, "peer %s presented a different permanent info", id.Short())
	}

	changed := !known

	if v.Stable != nil {
		if m.mergeStable(st, v.Stable, rev.Stable) {
			changed = true
		}
	}
	if v.Dynamic != nil {
		if m.mergeDynamic(st, v.Dynamic, rev.Dynamic) {
			changed = true
		}
	}

	for _, sv := range rev.Vouchers {
		if _, ok := m.vouchers[sv.ID()]; !ok {
			m.vouchers[sv.ID()] = sv
			changed = true
		}
	}

	m.peers[id] = st
	m.applied[hash] = struct{}{}
	return changed, nil
}

// supersedes decides between two revisions of the same record. A higher
// clock wins; equal clocks fall back to the signature digest so every
// observer picks the same winner regardless of arrival order.
func supersedes(newClock uint64, newSig []byte, curClock uint64, curSig []byte) bool {
	if newClock != curClock {
		return newClock > curClock
	}
	return bytes.Compare(cryptoutils.Keccak256(newSig), cryptoutils.Keccak256(curSig)) > 0
}

func (m *Model) mergeStable(st *PeerState, info *peer.StableInfo, signed *peer.Signed[peer.StableInfo]) bool {
	if st.SignedStable != nil && bytes.Equal(st.SignedStable.Data, signed.Data) {
		return false
	}

	if st.Stable == nil {
		st.Stable, st.SignedStable = info, signed
		return true
	}

	if info.Clock == st.Stable.Clock {
		m.log.Warn("conflicting stable info with equal clock",
			slog.String("peer", st.Permanent.PeerID.Short()),
			slog.Uint64("clock", info.Clock))
	}

	if supersedes(info.Clock, signed.Sig, st.Stable.Clock, st.SignedStable.Sig) {
		if err := st.Stable.CheckSuccessor(info); err != nil {
			m.log.Warn("ignoring stable info",
				slog.String("peer", st.Permanent.PeerID.Short()),
				slog.Uint64("clock", info.Clock),
				"err", err)
			return m.archive(st.Permanent.PeerID, recordStable, info.Clock, signed.Data, signed.Sig)
		}
		m.archive(st.Permanent.PeerID, recordStable, st.Stable.Clock, st.SignedStable.Data, st.SignedStable.Sig)
		st.Stable, st.SignedStable = info, signed
		return true
	}
	return m.archive(st.Permanent.PeerID, recordStable, info.Clock, signed.Data, signed.Sig)
}

func (m *Model) mergeDynamic(st *PeerState, info *peer.DynamicInfo, signed *peer.Signed[peer.DynamicInfo]) bool {
	if st.SignedDynamic != nil && bytes.Equal(st.SignedDynamic.Data, signed.Data) {
		return false
	}

	if st.Dynamic == nil {
		st.Dynamic, st.SignedDynamic = info, signed
		return true
	}

	if supersedes(info.Clock, signed.Sig, st.Dynamic.Clock, st.SignedDynamic.Sig) {
		m.archive(st.Permanent.PeerID, recordDynamic, st.Dynamic.Clock, st.SignedDynamic.Data, st.SignedDynamic.Sig)
		st.Dynamic, st.SignedDynamic = info, signed
		return true
	}
	return m.archive(st.Permanent.PeerID, recordDynamic, info.Clock, signed.Data, signed.Sig)
}

func (m *Model) archive(id interfaces.PeerID, record string, clock uint64, data, sig []byte) bool {
	key := fmt.Sprintf("%s/%s/%x", id, record, cryptoutils.Keccak256(sig))
	if _, ok := m.history[key]; ok {
		return false
	}
	m.history[key] = AuditEntry{PeerID: id, Record: record, Clock: clock, Data: data, Sig: sig}
	return true
}

// Peer returns the state of a known peer. The result must not be modified.
func (m *Model) Peer(id interfaces.PeerID) (*PeerState, bool) {
	st, ok := m.peers[id]
	return st, ok
}

// PeerIDs returns every known peer ID, sorted.
func (m *Model) PeerIDs() []interfaces.PeerID {
	ids := make([]interfaces.PeerID, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Vouchers returns every known voucher ordered by ID.
func (m *Model) Vouchers() []peer.SignedVoucher {
	out := make([]peer.SignedVoucher, 0, len(m.vouchers))
	for _, sv := range m.vouchers {
		out = append(out, sv)
	}
	slices.SortFunc(out, func(a, b peer.SignedVoucher) int {
		return strings.Compare(a.ID(), b.ID())
	})
	return out
}

// VouchersFor returns the vouchers naming beneficiary.
func (m *Model) VouchersFor(beneficiary interfaces.PeerID) []peer.SignedVoucher {
	var out []peer.SignedVoucher
	for _, sv := range m.Vouchers() {
		if sv.Voucher.Beneficiary == beneficiary {
			out = append(out, sv)
		}
	}
	return out
}

// History returns the superseded revisions of a peer, or of every peer when
// id is empty.
func (m *Model) History(id interfaces.PeerID) []AuditEntry {
	var out []AuditEntry
	for _, e := range m.sortedHistory() {
		if id == "" || e.PeerID == id {
			out = append(out, e)
		}
	}
	return out
}

func (m *Model) sortedHistory() []AuditEntry {
	keys := make([]string, 0, len(m.history))
	for k := range m.history {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make([]AuditEntry, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.history[k])
	}
	return out
}

type peerSnapshot struct {
	Permanent peer.Signed[peer.PermanentInfo] `cbor:"1,keyasint"`
	Stable    *peer.Signed[peer.StableInfo]   `cbor:"2,keyasint,omitempty"`
	Dynamic   *peer.Signed[peer.DynamicInfo]  `cbor:"3,keyasint,omitempty"`
}

type snapshot struct {
	Peers    []peerSnapshot         `cbor:"1,keyasint"`
	Vouchers []peer.SignedVoucher   `cbor:"2,keyasint"`
	History  []AuditEntry           `cbor:"3,keyasint"`
	Applied  []interfaces.ContentID `cbor:"4,keyasint"`
}

// Snapshot encodes the model deterministically: models that applied the
// same set of revisions encode to identical bytes.
func (m *Model) Snapshot() ([]byte, error) {
	s := snapshot{
		Peers:    make([]peerSnapshot, 0, len(m.peers)),
		Vouchers: m.Vouchers(),
		History:  m.sortedHistory(),
		Applied:  make([]interfaces.ContentID, 0, len(m.applied)),
	}

	for _, id := range m.PeerIDs() {
		st := m.peers[id]
		s.Peers = append(s.Peers, peerSnapshot{
			Permanent: st.SignedPermanent,
			Stable:    st.SignedStable,
			Dynamic:   st.SignedDynamic,
		})
	}

	for h := range m.applied {
		s.Applied = append(s.Applied, h)
	}
	slices.SortFunc(s.Applied, func(a, b interfaces.ContentID) int {
		return bytes.Compare(a[:], b[:])
	})

	return codec.Marshal(s)
}

// Restore rebuilds a model from Snapshot output, re-verifying every record.
func Restore(log *slog.Logger, data []byte) (*Model, error) {
	var s snapshot
	if err := codec.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("could not decode model snapshot: %w", err)
	}

	m := NewModel(log)
	for _, ps := range s.Peers {
		rev := &peer.Revision{Permanent: ps.Permanent, Stable: ps.Stable, Dynamic: ps.Dynamic}
		v, err := rev.Verify()
		if err != nil {
			return nil, fmt.Errorf("snapshot peer: %w", err)
		}
		m.peers[v.PeerID()] = &PeerState{
			Permanent:       v.Permanent,
			Stable:          v.Stable,
			Dynamic:         v.Dynamic,
			SignedPermanent: ps.Permanent,
			SignedStable:    ps.Stable,
			SignedDynamic:   ps.Dynamic,
		}
	}

	for _, sv := range s.Vouchers {
		m.vouchers[sv.ID()] = sv
	}
	for _, e := range s.History {
		m.archive(e.PeerID, e.Record, e.Clock, e.Data, e.Sig)
	}
	for _, h := range s.Applied {
		m.applied[h] = struct{}{}
	}
	return m, nil
}

// Clone returns an independent copy of the model.
func (m *Model) Clone() (*Model, error) {
	data, err := m.Snapshot()
	if err != nil {
		return nil, err
	}
	return Restore(m.log, data)
}
