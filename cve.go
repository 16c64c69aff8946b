package cvehub

import (
	"regexp"
	"strings"
	"time"
)

// Status is the lifecycle state of a CVE document.
type Status string

const (
	StatusNew             Status = "new"
	StatusAnalyzing       Status = "analyzing"
	StatusReleaseComplete Status = "release-complete"
	StatusCannotAnalyze   Status = "cannot-analyze"
)

// LockLease is the default length of an edit lock lease.
const LockLease = 30 * time.Minute

// IDPattern matches a well-formed CVE identifier anywhere in a string.
var IDPattern = regexp.MustCompile(`CVE-\d{4}-\d{4,}`)

var idAnchored = regexp.MustCompile(`^CVE-\d{4}-\d{4,}$`)

// NormalizeCVEID upper-cases an identifier and reports whether it is a
// well-formed CVE id. IDs are matched case-insensitively everywhere, but
// stored upper-case.
func NormalizeCVEID(id string) (string, bool) {
	id = strings.ToUpper(strings.TrimSpace(id))
	return id, idAnchored.MatchString(id)
}

// Audit is the creation/modification quadruple carried by every embedded
// collection item.
type Audit struct {
	CreatedAt      time.Time `json:"created_at"`
	CreatedBy      string    `json:"created_by"`
	LastModifiedAt time.Time `json:"last_modified_at"`
	LastModifiedBy string    `json:"last_modified_by"`
}

// NewAudit returns an Audit with all four fields set from one actor and
// instant.
func NewAudit(by string, at time.Time) Audit {
	return Audit{
		CreatedAt:      at,
		CreatedBy:      by,
		LastModifiedAt: at,
		LastModifiedBy: by,
	}
}

// ReferenceType categorizes a reference URL.
type ReferenceType string

const (
	RefNVD      ReferenceType = "NVD"
	RefExploit  ReferenceType = "EXPLOIT"
	RefAdvisory ReferenceType = "ADVISORY"
	RefOther    ReferenceType = "OTHER"
)

// Reference is an external link attached to a CVE. References are unique
// by URL within a document.
type Reference struct {
	URL         string        `json:"url"`
	Type        ReferenceType `json:"type"`
	Description string        `json:"description,omitempty"`
	Audit
}

// PoCSource identifies where a proof-of-concept artifact came from.
type PoCSource string

const (
	SourceEtc             PoCSource = "Etc"
	SourceMetasploit      PoCSource = "Metasploit"
	SourceNucleiTemplates PoCSource = "Nuclei-Templates"
	SourceEmergingThreats PoCSource = "Emerging-Threats"
)

// ProofOfConcept is an exploit or detection artifact attached to a CVE.
// PoCs are unique by URL within a document.
type ProofOfConcept struct {
	Source      PoCSource `json:"source"`
	URL         string    `json:"url"`
	Description string    `json:"description,omitempty"`
	Audit
}

// SnortRule is an IDS rule attached to a CVE. Rules are unique by SID
// within a document; a re-ingested SID replaces the rule body.
type SnortRule struct {
	Rule        string `json:"rule"`
	Type        string `json:"type"`
	SID         string `json:"sid,omitempty"`
	Description string `json:"description,omitempty"`
	Audit
}

// Lock is the edit-lock tuple on a CVE.
type Lock struct {
	IsLocked      bool      `json:"is_locked"`
	LockedBy      string    `json:"locked_by,omitempty"`
	LockTimestamp time.Time `json:"lock_timestamp,omitzero"`
	LockExpiresAt time.Time `json:"lock_expires_at,omitzero"`
}

// Held reports whether the lock is held and unexpired at the given instant.
func (l *Lock) Held(now time.Time) bool {
	return l.IsLocked && now.Before(l.LockExpiresAt)
}

// CVE is the primary entity: the canonical record of one vulnerability and
// everything harvested or written about it. The document exclusively owns
// its embedded collections.
type CVE struct {
	ID          string   `json:"cve_id"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Status      Status   `json:"status"`
	AssignedTo  string   `json:"assigned_to,omitempty"`
	Severity    Severity `json:"severity"`
	Notes       string   `json:"notes,omitempty"`

	// NucleiHash is an opaque upstream content digest used as a
	// change-detection shortcut by the template crawler.
	NucleiHash string `json:"nuclei_hash,omitempty"`

	References []Reference      `json:"references"`
	PoCs       []ProofOfConcept `json:"pocs"`
	SnortRules []SnortRule      `json:"snort_rules"`
	Comments   []Comment        `json:"comments"`

	Lock Lock `json:"lock"`

	ModificationHistory []ModificationHistory `json:"modification_history"`

	CreatedAt      time.Time `json:"created_at"`
	CreatedBy      string    `json:"created_by,omitempty"`
	LastModifiedAt time.Time `json:"last_modified_at"`
	LastModifiedBy string    `json:"last_modified_by,omitempty"`
}

// FindReference returns the index of the reference with the given URL, or
// -1.
func (c *CVE) FindReference(url string) int {
	for i := range c.References {
		if c.References[i].URL == url {
			return i
		}
	}
	return -1
}

// FindPoC returns the index of the PoC with the given URL, or -1.
func (c *CVE) FindPoC(url string) int {
	for i := range c.PoCs {
		if c.PoCs[i].URL == url {
			return i
		}
	}
	return -1
}

// FindSnortRule returns the index of the rule with the given SID, or -1.
func (c *CVE) FindSnortRule(sid string) int {
	if sid == "" {
		return -1
	}
	for i := range c.SnortRules {
		if c.SnortRules[i].SID == sid {
			return i
		}
	}
	return -1
}
