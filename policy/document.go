// Package policy implements versioned, content-addressed policy documents:
// the mapping from device models to categories, from categories to the views
// they may access, and which categories may introduce which. Parts of a
// document may be redacted and are only readable with the matching secret.
package policy

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/ruteri/octagon-trust/codec"
	"github.com/ruteri/octagon-trust/cryptoutils"
	"github.com/ruteri/octagon-trust/interfaces"
)

// CategoryRule maps model IDs starting with Prefix to Category.
type CategoryRule struct {
	Prefix   string `json:"prefix" cbor:"1,keyasint"`
	Category string `json:"category" cbor:"2,keyasint"`
}

// ViewRule routes items whose attribute Field matches Value to View. With
// MatchPrefix set, Value is a prefix of the attribute.
type ViewRule struct {
	View        string `json:"view" cbor:"1,keyasint"`
	Field       string `json:"field" cbor:"2,keyasint"`
	Value       string `json:"value" cbor:"3,keyasint"`
	MatchPrefix bool   `json:"match_prefix,omitempty" cbor:"4,keyasint,omitempty"`
}

func (r ViewRule) matches(attrs map[string]string) bool {
	v, ok := attrs[r.Field]
	if !ok {
		return false
	}
	if r.MatchPrefix {
		return strings.HasPrefix(v, r.Value)
	}
	return v == r.Value
}

// Rules is the evaluable part of a document. Redactions carry Rules too.
type Rules struct {
	ModelToCategory       []CategoryRule      `json:"model_to_category" cbor:"1,keyasint"`
	CategoriesByView      map[string][]string `json:"categories_by_view" cbor:"2,keyasint"`
	IntroducersByCategory map[string][]string `json:"introducers_by_category" cbor:"3,keyasint"`
	KeyViewMapping        []ViewRule          `json:"key_view_mapping" cbor:"4,keyasint"`
}

// prepend returns r with other's rules taking precedence.
func (r Rules) prepend(other Rules) Rules {
	return Rules{
		ModelToCategory:       append(slices.Clone(other.ModelToCategory), r.ModelToCategory...),
		CategoriesByView:      mergeLists(other.CategoriesByView, r.CategoriesByView),
		IntroducersByCategory: mergeLists(other.IntroducersByCategory, r.IntroducersByCategory),
		KeyViewMapping:        append(slices.Clone(other.KeyViewMapping), r.KeyViewMapping...),
	}
}

func mergeLists(first, second map[string][]string) map[string][]string {
	out := make(map[string][]string, len(first)+len(second))
	for _, src := range []map[string][]string{first, second} {
		for k, values := range src {
			for _, v := range values {
				if !slices.Contains(out[k], v) {
					out[k] = append(out[k], v)
				}
			}
		}
	}
	return out
}

// Document is one immutable policy version.
type Document struct {
	Version    interfaces.PolicyVersion `json:"version" cbor:"1,keyasint"`
	Rules      Rules                    `json:"rules" cbor:"2,keyasint"`
	Redactions []Redaction              `json:"redactions,omitempty" cbor:"3,keyasint,omitempty"`
}

type hashedBody struct {
	Number     uint64      `cbor:"1,keyasint"`
	Rules      Rules       `cbor:"2,keyasint"`
	Redactions []Redaction `cbor:"3,keyasint,omitempty"`
}

func computeHash(number uint64, rules Rules, redactions []Redaction) (interfaces.ContentID, error) {
	body, err := codec.Marshal(hashedBody{Number: number, Rules: rules, Redactions: redactions})
	if err != nil {
		return interfaces.ContentID{}, fmt.Errorf("could not encode policy body: %w", err)
	}
	return interfaces.ContentID(sha256.Sum256(body)), nil
}

// NewDocument builds a document and computes its content hash.
func NewDocument(number uint64, rules Rules, redactions []Redaction) (*Document, error) {
	if number == 0 {
		return nil, errors.New("policy version number must be positive")
	}

	hash, err := computeHash(number, rules, redactions)
	if err != nil {
		return nil, err
	}

	return &Document{
		Version:    interfaces.PolicyVersion{Number: number, Hash: hash},
		Rules:      rules,
		Redactions: slices.Clone(redactions),
	}, nil
}

// Verify recomputes the content hash and compares it with the claimed one.
func (d *Document) Verify() error {
	hash, err := computeHash(d.Version.Number, d.Rules, d.Redactions)
	if err != nil {
		return err
	}
	if hash != d.Version.Hash {
		return fmt.Errorf("policy %d hash mismatch: claimed %s, computed %s", d.Version.Number, d.Version.Hash, hash)
	}
	return nil
}

// Clone derives a new version whose rules are the given ones prepended to
// this document's. The version number must strictly increase.
func (d *Document) Clone(number uint64, categoriesByView map[string][]string, keyViewMapping []ViewRule, redactions []Redaction) (*Document, error) {
	if number <= d.Version.Number {
		return nil, fmt.Errorf("cloned policy version %d must be greater than %d", number, d.Version.Number)
	}

	rules := d.Rules.prepend(Rules{
		CategoriesByView: categoriesByView,
		KeyViewMapping:   keyViewMapping,
	})

	return NewDocument(number, rules, append(slices.Clone(redactions), d.Redactions...))
}

// Resolve returns the document's rules with every redaction whose secret is
// supplied unsealed and prepended. A secret that fails to open its redaction
// is an error; redactions without a secret are skipped.
func (d *Document) Resolve(secrets map[string][]byte) (Rules, error) {
	rules := d.Rules
	for _, r := range d.Redactions {
		key, ok := secrets[r.Name]
		if !ok {
			continue
		}

		content, err := r.Open(key)
		if err != nil {
			return Rules{}, fmt.Errorf("could not open redaction %q: %w", r.Name, err)
		}
		rules = rules.prepend(*content)
	}
	return rules, nil
}

// CategoryForModel returns the category of the most specific prefix matching
// modelID, considering every redaction unlocked by secrets.
func (d *Document) CategoryForModel(modelID string, secrets map[string][]byte) (string, error) {
	rules, err := d.Resolve(secrets)
	if err != nil {
		return "", err
	}
	return rules.CategoryForModel(modelID)
}

// CategoryForModel returns the category of the longest matching prefix.
func (r Rules) CategoryForModel(modelID string) (string, error) {
	best := -1
	var category string
	for _, rule := range r.ModelToCategory {
		if strings.HasPrefix(modelID, rule.Prefix) && len(rule.Prefix) > best {
			best = len(rule.Prefix)
			category = rule.Category
		}
	}

	if best < 0 {
		return "", interfaces.NewError(interfaces.CodeModelNotFound, "no category for model %q", modelID)
	}
	return category, nil
}

// ViewsForCategory returns the sorted views a category may access.
func (r Rules) ViewsForCategory(category string) []string {
	var views []string
	for view, categories := range r.CategoriesByView {
		if slices.Contains(categories, category) {
			views = append(views, view)
		}
	}
	slices.Sort(views)
	return views
}

// CanIntroduce reports whether a sponsor of one category may vouch for a
// candidate of another.
func (r Rules) CanIntroduce(sponsorCategory, candidateCategory string) bool {
	return slices.Contains(r.IntroducersByCategory[candidateCategory], sponsorCategory)
}

// ViewForItem returns the view of the first key-view rule matching attrs.
func (r Rules) ViewForItem(attrs map[string]string) (string, bool) {
	for _, rule := range r.KeyViewMapping {
		if rule.matches(attrs) {
			return rule.View, true
		}
	}
	return "", false
}

// Views returns every view named by the rules, sorted.
func (r Rules) Views() []string {
	return slices.Sorted(maps.Keys(r.CategoriesByView))
}

// Encode serializes a document for transport or storage.
func Encode(d *Document) ([]byte, error) {
	return codec.Marshal(d)
}

// Decode parses and verifies a serialized document.
func Decode(data []byte) (*Document, error) {
	var d Document
	if err := codec.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("could not decode policy document: %w", err)
	}
	if err := d.Verify(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Redaction is a sealed set of rules, readable only with the secret named
// Name.
type Redaction struct {
	Name       string `json:"name" cbor:"1,keyasint"`
	Ciphertext []byte `json:"ciphertext" cbor:"2,keyasint"`
}

// NewRedaction seals rules under a 32-byte key.
func NewRedaction(name string, key []byte, content Rules) (Redaction, error) {
	if len(key) != cryptoutils.SymmetricKeySize {
		return Redaction{}, fmt.Errorf("redaction key must be %d bytes", cryptoutils.SymmetricKeySize)
	}

	plaintext, err := codec.Marshal(content)
	if err != nil {
		return Redaction{}, fmt.Errorf("could not encode redaction: %w", err)
	}

	ciphertext, err := cryptoutils.EncryptSymmetric(key, plaintext, []byte(name))
	if err != nil {
		return Redaction{}, err
	}

	return Redaction{Name: name, Ciphertext: ciphertext}, nil
}

// Open decrypts the redacted rules.
func (r Redaction) Open(key []byte) (*Rules, error) {
	plaintext, err := cryptoutils.DecryptSymmetric(key, r.Ciphertext, []byte(r.Name))
	if err != nil {
		return nil, err
	}

	var content Rules
	if err := codec.Unmarshal(plaintext, &content); err != nil {
		return nil, fmt.Errorf("could not decode redaction: %w", err)
	}
	return &content, nil
}
