package feed

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/ruteri/octagon-trust/credential"
	"github.com/ruteri/octagon-trust/cryptoutils"
	"github.com/ruteri/octagon-trust/interfaces"
	"github.com/ruteri/octagon-trust/peer"
	"github.com/ruteri/octagon-trust/policy"
)

type entry struct {
	seq   uint64
	rev   *peer.Revision
	share *peer.KeyShare
}

type recoveryRegistration struct {
	id            interfaces.PeerID
	signingKey    []byte
	encryptionKey []byte
}

type account struct {
	entries []entry
	head    uint64
	// epochStart is the sequence number at the last reset
	epochStart uint64

	members     map[interfaces.PeerID]*peer.PermanentInfo
	stable      map[interfaces.PeerID]*peer.StableInfo
	recovery    *recoveryRegistration
	credentials map[interfaces.PeerID]*peer.PermanentInfo
	escrow      map[interfaces.ContentID][]byte
	updates     map[interfaces.PeerID]int
}

func newAccount(epochStart uint64) *account {
	return &account{
		head:        epochStart,
		epochStart:  epochStart,
		members:     make(map[interfaces.PeerID]*peer.PermanentInfo),
		stable:      make(map[interfaces.PeerID]*peer.StableInfo),
		credentials: make(map[interfaces.PeerID]*peer.PermanentInfo),
		escrow:      make(map[interfaces.ContentID][]byte),
		updates:     make(map[interfaces.PeerID]int),
	}
}

// Memory is an in-process change feed. It validates every mutation the way
// the remote store does and keeps, per account, a ledger of excluded peers
// that survives resets.
type Memory struct {
	mu       sync.Mutex
	seq      uint64
	accounts map[interfaces.ContainerKey]*account
	excluded map[interfaces.ContainerKey]map[interfaces.PeerID]bool

	policies   map[interfaces.PolicyVersion]*policy.Document
	prevailing interfaces.PolicyVersion

	failures map[string]int
	log      *slog.Logger
}

// NewMemory creates an empty feed serving the built-in policy documents.
func NewMemory(log *slog.Logger) *Memory {
	m := &Memory{
		accounts:   make(map[interfaces.ContainerKey]*account),
		excluded:   make(map[interfaces.ContainerKey]map[interfaces.PeerID]bool),
		policies:   make(map[interfaces.PolicyVersion]*policy.Document),
		prevailing: policy.Prevailing().Version,
		failures:   make(map[string]int),
		log:        log,
	}
	for _, d := range policy.Builtin() {
		m.policies[d.Version] = d
	}
	return m
}

// AddPolicy publishes a policy document.
func (m *Memory) AddPolicy(d *policy.Document) error {
	if err := d.Verify(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[d.Version] = d
	return nil
}

// SetPrevailing changes the version frozen by newly prepared peers.
func (m *Memory) SetPrevailing(v interfaces.PolicyVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[v]; !ok {
		return interfaces.NewError(interfaces.CodePolicyUnknown, "policy %s not published", v)
	}
	m.prevailing = v
	return nil
}

// FailNext makes the next n calls of method fail with a transient error.
func (m *Memory) FailNext(method string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[method] += n
}

// UpdateCount returns how many trust updates a peer has published.
func (m *Memory) UpdateCount(key interfaces.ContainerKey, id interfaces.PeerID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acct, ok := m.accounts[key]; ok {
		return acct.updates[id]
	}
	return 0
}

// Members returns the account's device peers, sorted.
func (m *Memory) Members(key interfaces.ContainerKey) []interfaces.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[key]
	if !ok {
		return nil
	}
	ids := make([]interfaces.PeerID, 0, len(acct.members))
	for id := range acct.members {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (m *Memory) injected(method string) error {
	if m.failures[method] > 0 {
		m.failures[method]--
		return interfaces.NewError(interfaces.CodeTransientFailure, "%s: transaction conflict", method)
	}
	return nil
}

func (m *Memory) account(key interfaces.ContainerKey) *account {
	acct, ok := m.accounts[key]
	if !ok {
		acct = newAccount(m.seq)
		m.accounts[key] = acct
	}
	return acct
}

func (m *Memory) ledger(key interfaces.ContainerKey) map[interfaces.PeerID]bool {
	l, ok := m.excluded[key]
	if !ok {
		l = make(map[interfaces.PeerID]bool)
		m.excluded[key] = l
	}
	return l
}

func (m *Memory) appendRevision(acct *account, rev peer.Revision) {
	m.seq++
	acct.entries = append(acct.entries, entry{seq: m.seq, rev: &rev})
	acct.head = m.seq
}

func (m *Memory) appendShare(acct *account, ks peer.KeyShare) {
	m.seq++
	acct.entries = append(acct.entries, entry{seq: m.seq, share: &ks})
	acct.head = m.seq
}

func (m *Memory) recordExclusions(key interfaces.ContainerKey, v *peer.Verified) {
	if v.Dynamic == nil {
		return
	}
	l := m.ledger(key)
	for _, id := range v.Dynamic.Excluded {
		l[id] = true
	}
}

func verifyDevice(rev peer.Revision) (*peer.Verified, error) {
	v, err := rev.Verify()
	if err != nil {
		return nil, err
	}
	if v.Permanent.Kind != peer.KindDevice {
		return nil, interfaces.NewError(interfaces.CodeInvalidArgument, "%s is not a device", v.PeerID().Short())
	}
	if v.Stable == nil || v.Dynamic == nil {
		return nil, interfaces.NewError(interfaces.CodeInvalidArgument, "revision of %s lacks stable or dynamic info", v.PeerID().Short())
	}
	return v, nil
}

func (m *Memory) FetchChanges(_ context.Context, key interfaces.ContainerKey, cursor uint64, receiver interfaces.PeerID) (*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injected("FetchChanges"); err != nil {
		return nil, err
	}

	acct, ok := m.accounts[key]
	if !ok {
		return &Batch{Cursor: cursor}, nil
	}

	batch := &Batch{Cursor: acct.head}
	from := cursor
	if cursor > 0 && cursor < acct.epochStart {
		batch.Reset = true
		from = acct.epochStart
	}

	for _, e := range acct.entries {
		if e.seq <= from {
			continue
		}
		switch {
		case e.rev != nil:
			batch.Revisions = append(batch.Revisions, *e.rev)
		case e.share != nil && e.share.Receiver == receiver:
			batch.KeyShares = append(batch.KeyShares, *e.share)
		}
	}
	return batch, nil
}

func (m *Memory) FetchPolicyDocuments(_ context.Context, versions []interfaces.PolicyVersion) ([]*policy.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injected("FetchPolicyDocuments"); err != nil {
		return nil, err
	}

	var docs []*policy.Document
	for _, v := range versions {
		if d, ok := m.policies[v]; ok {
			docs = append(docs, d)
		}
	}
	return docs, nil
}

func (m *Memory) PrevailingPolicy(context.Context) (interfaces.PolicyVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injected("PrevailingPolicy"); err != nil {
		return interfaces.PolicyVersion{}, err
	}
	return m.prevailing, nil
}

func (m *Memory) Establish(_ context.Context, key interfaces.ContainerKey, rev peer.Revision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injected("Establish"); err != nil {
		return err
	}

	v, err := verifyDevice(rev)
	if err != nil {
		return err
	}

	acct := m.account(key)
	if len(acct.members) > 0 {
		return interfaces.NewError(interfaces.CodeAlreadyEstablished, "account %s already has %d peers", key, len(acct.members))
	}

	acct.members[v.PeerID()] = v.Permanent
	acct.stable[v.PeerID()] = v.Stable
	acct.updates[v.PeerID()]++
	m.appendRevision(acct, rev)
	m.recordExclusions(key, v)

	m.log.Debug("account established", slog.String("account", key.String()), slog.String("peer", v.PeerID().Short()))
	return nil
}

// sponsorKey returns the signing key a voucher must verify under, or an
// error explaining why the sponsor cannot admit anyone.
func (m *Memory) sponsorKey(key interfaces.ContainerKey, acct *account, sv peer.SignedVoucher) ([]byte, error) {
	sponsor := sv.Voucher.Sponsor
	excluded := m.ledger(key)[sponsor]

	if member, ok := acct.members[sponsor]; ok {
		if excluded {
			return nil, interfaces.NewError(interfaces.CodeNotTrusted, "sponsor %s is excluded", sponsor.Short())
		}
		return member.SigningPublicKey, nil
	}

	if excluded {
		return nil, interfaces.NewError(interfaces.CodeUntrustedRecoveryKeys, "credential %s was removed", sponsor.Short())
	}
	if acct.recovery != nil && acct.recovery.id == sponsor {
		return acct.recovery.signingKey, nil
	}
	if cred, ok := acct.credentials[sponsor]; ok {
		return cred.SigningPublicKey, nil
	}
	if sv.Voucher.Reason != "" {
		return nil, interfaces.NewError(interfaces.CodeUntrustedRecoveryKeys, "%s credential %s is not registered", sv.Voucher.Reason, sponsor.Short())
	}
	return nil, interfaces.NewError(interfaces.CodeNotTrusted, "sponsor %s is not a member", sponsor.Short())
}

func (m *Memory) Join(_ context.Context, key interfaces.ContainerKey, req JoinRequest) (interfaces.PeerID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injected("Join"); err != nil {
		return "", err
	}

	v, err := verifyDevice(req.Revision)
	if err != nil {
		return "", err
	}
	id := v.PeerID()

	acct, ok := m.accounts[key]
	if !ok || len(acct.members) == 0 {
		return "", interfaces.NewError(interfaces.CodeNotTrusted, "account %s has no trust graph", key)
	}

	var rejection error
	admitted := false
	for _, sv := range req.Revision.Vouchers {
		if sv.Voucher.Beneficiary != id {
			continue
		}
		signingKey, err := m.sponsorKey(key, acct, sv)
		if err != nil {
			if rejection == nil || interfaces.CodeOf(err) == interfaces.CodeUntrustedRecoveryKeys {
				rejection = err
			}
			continue
		}
		if err := sv.Verify(signingKey); err != nil {
			rejection = err
			continue
		}
		admitted = true
		break
	}

	if !admitted {
		if rejection == nil {
			rejection = interfaces.NewError(interfaces.CodeNotTrusted, "no voucher for %s", id.Short())
		}
		return "", rejection
	}

	for _, ks := range req.KeyShares {
		if ks.Sender != id {
			return "", interfaces.NewError(interfaces.CodeInvalidArgument, "key share sent on behalf of %s", ks.Sender.Short())
		}
	}

	acct.members[id] = v.Permanent
	acct.stable[id] = v.Stable
	acct.updates[id]++
	m.appendRevision(acct, req.Revision)
	for _, ks := range req.KeyShares {
		m.appendShare(acct, ks)
	}
	m.recordExclusions(key, v)

	m.log.Debug("peer joined", slog.String("account", key.String()), slog.String("peer", id.Short()))
	return id, nil
}

func (m *Memory) Update(_ context.Context, key interfaces.ContainerKey, rev peer.Revision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injected("Update"); err != nil {
		return err
	}

	v, err := verifyDevice(rev)
	if err != nil {
		return err
	}

	acct, ok := m.accounts[key]
	if !ok {
		return interfaces.NewError(interfaces.CodeNoSuchPeer, "account %s has no trust graph", key)
	}
	if _, ok := acct.members[v.PeerID()]; !ok {
		return interfaces.NewError(interfaces.CodeNoSuchPeer, "%s is not a member", v.PeerID().Short())
	}
	if cur := acct.stable[v.PeerID()]; cur != nil && v.Stable.Clock > cur.Clock {
		if err := cur.CheckSuccessor(v.Stable); err != nil {
			return err
		}
		acct.stable[v.PeerID()] = v.Stable
	}

	acct.updates[v.PeerID()]++
	m.appendRevision(acct, rev)
	m.recordExclusions(key, v)
	return nil
}

func (m *Memory) Reset(_ context.Context, key interfaces.ContainerKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injected("Reset"); err != nil {
		return err
	}

	m.seq++
	m.accounts[key] = newAccount(m.seq)
	m.log.Debug("account reset", slog.String("account", key.String()))
	return nil
}

func (m *Memory) member(key interfaces.ContainerKey, id interfaces.PeerID) (*account, error) {
	acct, ok := m.accounts[key]
	if !ok {
		return nil, interfaces.NewError(interfaces.CodeNoSuchPeer, "account %s has no trust graph", key)
	}
	if _, ok := acct.members[id]; !ok {
		return nil, interfaces.NewError(interfaces.CodeNoSuchPeer, "%s is not a member", id.Short())
	}
	return acct, nil
}

func (m *Memory) SetRecoveryKey(_ context.Context, key interfaces.ContainerKey, sender interfaces.PeerID, signingKey, encryptionKey []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injected("SetRecoveryKey"); err != nil {
		return err
	}

	for _, k := range [][]byte{signingKey, encryptionKey} {
		if _, err := cryptoutils.ParsePublicKey(k); err != nil {
			return interfaces.WrapError(interfaces.CodeRecoveryKeyMalformed, err, "invalid recovery public key")
		}
	}

	acct, err := m.member(key, sender)
	if err != nil {
		return err
	}

	id := credential.RecoveryPeerID(signingKey)
	if m.ledger(key)[id] {
		return interfaces.NewError(interfaces.CodeUntrustedRecoveryKeys, "recovery key %s was removed from this account", id.Short())
	}

	acct.recovery = &recoveryRegistration{
		id:            id,
		signingKey:    slices.Clone(signingKey),
		encryptionKey: slices.Clone(encryptionKey),
	}
	return nil
}

func (m *Memory) RemoveRecoveryKey(_ context.Context, key interfaces.ContainerKey, sender interfaces.PeerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injected("RemoveRecoveryKey"); err != nil {
		return err
	}

	acct, err := m.member(key, sender)
	if err != nil {
		return err
	}
	if acct.recovery == nil {
		return interfaces.NewError(interfaces.CodeNotEnrolled, "no recovery key registered")
	}

	m.ledger(key)[acct.recovery.id] = true
	acct.recovery = nil
	return nil
}

func (m *Memory) CheckRecoveryKey(_ context.Context, key interfaces.ContainerKey, recoveryPeer interfaces.PeerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injected("CheckRecoveryKey"); err != nil {
		return err
	}

	if m.ledger(key)[recoveryPeer] {
		return interfaces.NewError(interfaces.CodeUntrustedRecoveryKeys, "recovery key %s was removed", recoveryPeer.Short())
	}
	acct, ok := m.accounts[key]
	if !ok || acct.recovery == nil {
		return interfaces.NewError(interfaces.CodeNotEnrolled, "no recovery key registered")
	}
	if acct.recovery.id != recoveryPeer {
		return interfaces.NewError(interfaces.CodeRecoveryKeyIncorrect, "recovery key does not match the registered one")
	}
	return nil
}

func (m *Memory) AddCredential(_ context.Context, key interfaces.ContainerKey, identity peer.Revision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injected("AddCredential"); err != nil {
		return err
	}

	v, err := identity.Verify()
	if err != nil {
		return err
	}
	if kind := v.Permanent.Kind; kind != peer.KindInheritance && kind != peer.KindCustodian {
		return interfaces.NewError(interfaces.CodeInvalidArgument, "%s credentials are not registered this way", kind)
	}

	acct, ok := m.accounts[key]
	if !ok || len(acct.members) == 0 {
		return interfaces.NewError(interfaces.CodeNoSuchPeer, "account %s has no trust graph", key)
	}
	if m.ledger(key)[v.PeerID()] {
		return interfaces.NewError(interfaces.CodeUntrustedRecoveryKeys, "credential %s was removed", v.PeerID().Short())
	}
	if _, ok := acct.credentials[v.PeerID()]; ok {
		return nil
	}

	acct.credentials[v.PeerID()] = v.Permanent
	m.appendRevision(acct, identity)
	return nil
}

func (m *Memory) RemoveCredential(_ context.Context, key interfaces.ContainerKey, id interfaces.PeerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injected("RemoveCredential"); err != nil {
		return err
	}

	acct, ok := m.accounts[key]
	if !ok {
		return interfaces.NewError(interfaces.CodeNotEnrolled, "credential %s is not registered", id.Short())
	}
	if _, ok := acct.credentials[id]; !ok {
		return interfaces.NewError(interfaces.CodeNotEnrolled, "credential %s is not registered", id.Short())
	}

	m.ledger(key)[id] = true
	delete(acct.credentials, id)
	return nil
}

func (m *Memory) CheckCredential(_ context.Context, key interfaces.ContainerKey, id interfaces.PeerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injected("CheckCredential"); err != nil {
		return err
	}

	if m.ledger(key)[id] {
		return interfaces.NewError(interfaces.CodeUntrustedRecoveryKeys, "credential %s was removed", id.Short())
	}
	acct, ok := m.accounts[key]
	if !ok {
		return interfaces.NewError(interfaces.CodeNotEnrolled, "credential %s is not registered", id.Short())
	}
	if _, ok := acct.credentials[id]; !ok {
		return interfaces.NewError(interfaces.CodeNotEnrolled, "credential %s is not registered", id.Short())
	}
	return nil
}

func (m *Memory) EscrowWrappedKey(_ context.Context, key interfaces.ContainerKey, tokenHash interfaces.ContentID, wrappedKey []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injected("EscrowWrappedKey"); err != nil {
		return err
	}
	if len(wrappedKey) != credential.WrappedKeySize {
		return interfaces.NewError(interfaces.CodeRecoveryKeyMalformed, "wrapped key must be %d bytes", credential.WrappedKeySize)
	}

	m.account(key).escrow[tokenHash] = slices.Clone(wrappedKey)
	return nil
}

func (m *Memory) ClaimWrappedKey(_ context.Context, key interfaces.ContainerKey, tokenHash interfaces.ContentID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injected("ClaimWrappedKey"); err != nil {
		return nil, err
	}

	acct, ok := m.accounts[key]
	if !ok {
		return nil, interfaces.NewError(interfaces.CodeNotEnrolled, "no escrowed key for claim token")
	}
	wrapped, ok := acct.escrow[tokenHash]
	if !ok {
		return nil, interfaces.NewError(interfaces.CodeNotEnrolled, "no escrowed key for claim token")
	}
	return slices.Clone(wrapped), nil
}

func (m *Memory) UploadKeyShares(_ context.Context, key interfaces.ContainerKey, shares []peer.KeyShare) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injected("UploadKeyShares"); err != nil {
		return err
	}

	acct, ok := m.accounts[key]
	if !ok {
		return interfaces.NewError(interfaces.CodeNoSuchPeer, "account %s has no trust graph", key)
	}
	for _, ks := range shares {
		if _, ok := acct.members[ks.Sender]; !ok {
			return interfaces.NewError(interfaces.CodeNoSuchPeer, "sender %s is not a member", ks.Sender.Short())
		}
	}
	for _, ks := range shares {
		m.appendShare(acct, ks)
	}
	return nil
}
