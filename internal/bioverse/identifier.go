package bioverse

import (
	"regexp"
	"strings"
)

// IDKind names the kind of sub-identifier a provider consumes.
type IDKind string

const (
	KindUniProt IDKind = "uniprot"
	KindPDB     IDKind = "pdb"
	// KindRaw providers only apply when nothing else could be extracted; they get
	// the caller's string verbatim.
	KindRaw IDKind = "raw"
)

func (k IDKind) valid() bool {
	switch k {
	case KindUniProt, KindPDB, KindRaw:
		return true
	}
	return false
}

var (
	uniprotRe   = regexp.MustCompile(`^([OPQ][0-9][A-Z0-9]{3}[0-9]|[A-NR-Z][0-9]([A-Z][A-Z0-9]{2}[0-9]){1,2})(-[0-9]+)?$`)
	pdbRe       = regexp.MustCompile(`^[1-9][A-Z0-9]{3}$`)
	alphafoldRe = regexp.MustCompile(`^AF-([A-Z0-9]+)(-F[0-9]+)?(-MODEL_V[0-9]+)?(\.PDB)?$`)
	separators  = regexp.MustCompile(`[\s:|,;/+=]+`)
)

// Identifier is a parsed caller identifier. The zero value has no sub-identifiers.
type Identifier struct {
	Raw     string
	UniProt string
	PDB     string
}

// ParseIdentifier extracts at most one UniProt accession and one PDB id from raw.
// Tokens that match neither pattern are ignored.
func ParseIdentifier(raw string) Identifier {
	id := Identifier{Raw: strings.TrimSpace(raw)}
	for _, tok := range separators.Split(id.Raw, -1) {
		tok = strings.ToUpper(strings.TrimSpace(tok))
		if tok == "" {
			continue
		}
		if m := alphafoldRe.FindStringSubmatch(tok); m != nil {
			tok = m[1]
		}
		switch {
		case id.UniProt == "" && uniprotRe.MatchString(tok):
			// AlphaFold has no isoform models.
			if i := strings.IndexByte(tok, '-'); i > 0 {
				tok = tok[:i]
			}
			id.UniProt = tok
		case id.PDB == "" && pdbRe.MatchString(tok):
			id.PDB = tok
		}
	}
	return id
}

// Empty reports whether no provider-specific sub-identifier was found.
func (id Identifier) Empty() bool {
	return id.UniProt == "" && id.PDB == ""
}

// Sub returns the sub-identifier for kind. KindRaw only yields a value for an
// Empty identifier.
func (id Identifier) Sub(kind IDKind) (string, bool) {
	switch kind {
	case KindUniProt:
		return id.UniProt, id.UniProt != ""
	case KindPDB:
		return id.PDB, id.PDB != ""
	case KindRaw:
		return id.Raw, id.Empty() && id.Raw != ""
	}
	return "", false
}

// Key is the canonical cache key: equivalent spellings of the same
// identifier ("4hhb", " 4HHB ") share one key.
func (id Identifier) Key() string {
	if id.Empty() {
		return "raw=" + id.Raw
	}
	parts := make([]string, 0, 2)
	if id.UniProt != "" {
		parts = append(parts, "uniprot="+id.UniProt)
	}
	if id.PDB != "" {
		parts = append(parts, "pdb="+id.PDB)
	}
	return strings.Join(parts, ";")
}

// String renders the identifier in the form ParseIdentifier accepts.
func (id Identifier) String() string {
	switch {
	case id.Empty():
		return id.Raw
	case id.UniProt != "" && id.PDB != "":
		return id.UniProt + ":" + id.PDB
	case id.UniProt != "":
		return id.UniProt
	}
	return id.PDB
}
