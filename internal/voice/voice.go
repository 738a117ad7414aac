// Package voice parses and resolves voice identifiers of the form
// <region><gender>_<name>, for example af_heart or bm_george.
package voice

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dgnsrekt/narrator/internal/ttypes"
	"github.com/sahilm/fuzzy"
)

// ErrUnknownVoice indicates a voice that is not in the catalog.
var ErrUnknownVoice = errors.New("unknown voice")

// Default is the voice used when none is configured.
const Default = "af_heart"

// Region codes.
var regions = map[byte]string{
	'a': "en-US",
	'b': "en-GB",
	'e': "es",
	'f': "fr-FR",
	'h': "hi",
	'i': "it",
	'j': "ja",
	'p': "pt-BR",
	'z': "zh-CN",
}

// Standard lists the voice set shipped with Kokoro-style engines.
var Standard = []string{
	"af_alloy", "af_aoede", "af_bella", "af_heart", "af_jessica", "af_kore",
	"af_nicole", "af_nova", "af_river", "af_sarah", "af_sky",
	"am_adam", "am_echo", "am_eric", "am_fenrir", "am_liam", "am_michael",
	"am_onyx", "am_puck",
	"bf_alice", "bf_emma", "bf_isabella", "bf_lily",
	"bm_daniel", "bm_fable", "bm_george", "bm_lewis",
}

// Parse splits a voice id into its parts.
func Parse(id string) (ttypes.Voice, error) {
	prefix, name, ok := strings.Cut(id, "_")
	if !ok || len(prefix) != 2 || name == "" {
		return ttypes.Voice{}, fmt.Errorf("voice %q: want <region><gender>_<name>", id)
	}

	language, ok := regions[prefix[0]]
	if !ok {
		return ttypes.Voice{}, fmt.Errorf("voice %q: unknown region %q", id, prefix[0])
	}

	var gender string
	switch prefix[1] {
	case 'f':
		gender = "female"
	case 'm':
		gender = "male"
	default:
		return ttypes.Voice{}, fmt.Errorf("voice %q: unknown gender %q", id, prefix[1])
	}

	return ttypes.Voice{
		ID:       id,
		Name:     strings.ToUpper(name[:1]) + name[1:],
		Language: language,
		Gender:   gender,
	}, nil
}

// Catalog is a finite set of voices.
type Catalog struct {
	voices []ttypes.Voice
	ids    []string
}

// NewCatalog builds a catalog from voice ids. Ids that do not parse are
// skipped; duplicates are kept once.
func NewCatalog(ids []string) *Catalog {
	seen := make(map[string]bool, len(ids))
	c := &Catalog{}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		v, err := Parse(id)
		if err != nil {
			continue
		}
		seen[id] = true
		c.voices = append(c.voices, v)
	}
	sort.Slice(c.voices, func(i, j int) bool { return c.voices[i].ID < c.voices[j].ID })
	for _, v := range c.voices {
		c.ids = append(c.ids, v.ID)
	}
	return c
}

// Voices returns the catalog sorted by id.
func (c *Catalog) Voices() []ttypes.Voice {
	return c.voices
}

// IDs returns the voice ids sorted.
func (c *Catalog) IDs() []string {
	return c.ids
}

// Has reports whether id is in the catalog.
func (c *Catalog) Has(id string) bool {
	i := sort.SearchStrings(c.ids, id)
	return i < len(c.ids) && c.ids[i] == id
}

// Resolve returns the voice matching query: an exact id, a bare name such
// as "heart", or the best fuzzy match.
func (c *Catalog) Resolve(query string) (ttypes.Voice, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return ttypes.Voice{}, fmt.Errorf("%w: empty name", ErrUnknownVoice)
	}

	for _, v := range c.voices {
		if v.ID == query {
			return v, nil
		}
	}
	for _, v := range c.voices {
		if strings.EqualFold(v.Name, query) {
			return v, nil
		}
	}

	matches := fuzzy.Find(query, c.ids)
	if len(matches) == 0 {
		return ttypes.Voice{}, fmt.Errorf("%w: %s", ErrUnknownVoice, query)
	}
	return c.voices[matches[0].Index], nil
}
