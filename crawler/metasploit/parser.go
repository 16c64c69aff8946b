package metasploit

import (
	"regexp"
	"strings"

	"github.com/cvelab/cvehub"
	"github.com/cvelab/cvehub/engine"
)

var (
	cveRefRe  = regexp.MustCompile(`\[\s*['"]CVE['"]\s*,\s*['"](\d{4}-\d{4,})['"]\s*\]`)
	urlRefRe  = regexp.MustCompile(`\[\s*['"]URL['"]\s*,\s*['"]([^'"]+)['"]\s*\]`)
	nameRe    = regexp.MustCompile(`['"]Name['"]\s*=>\s*['"]([^'"]+)['"]`)
	descRe    = regexp.MustCompile(`(?s)['"]Description['"]\s*=>\s*%q[{(]\s*(.*?)\s*[})]`)
	descStrRe = regexp.MustCompile(`['"]Description['"]\s*=>\s*['"]([^'"]+)['"]`)

	spaceRe = regexp.MustCompile(`\s+`)
)

// parseModule extracts the CVE metadata of one exploit module. Modules
// without a CVE reference yield nil.
func parseModule(raw []byte, blobURL string) []engine.Item {
	src := string(raw)
	cves := cveRefRe.FindAllStringSubmatch(src, -1)
	if len(cves) == 0 {
		return nil
	}

	var name, desc string
	if m := nameRe.FindStringSubmatch(src); m != nil {
		name = strings.TrimSpace(m[1])
	}
	if m := descRe.FindStringSubmatch(src); m != nil {
		desc = spaceRe.ReplaceAllString(strings.TrimSpace(m[1]), " ")
	} else if m := descStrRe.FindStringSubmatch(src); m != nil {
		desc = strings.TrimSpace(m[1])
	}

	var refs []cvehub.Reference
	for _, m := range urlRefRe.FindAllStringSubmatch(src, -1) {
		refs = append(refs, cvehub.Reference{URL: m[1], Type: cvehub.RefOther})
	}
	poc := cvehub.ProofOfConcept{
		Source:      cvehub.SourceMetasploit,
		URL:         blobURL,
		Description: name,
	}

	seen := make(map[string]struct{}, len(cves))
	var out []engine.Item
	for _, m := range cves {
		id := "CVE-" + m[1]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, engine.Item{
			CVEID:       id,
			Title:       name,
			Description: desc,
			References:  refs,
			PoCs:        []cvehub.ProofOfConcept{poc},
		})
	}
	return out
}

// mergeItems folds per-module items into one item per CVE. Several
// modules can target the same CVE; their PoCs and references accumulate.
func mergeItems(dst map[string]*engine.Item, items []engine.Item) {
	for i := range items {
		it := &items[i]
		cur, ok := dst[it.CVEID]
		if !ok {
			cp := *it
			dst[it.CVEID] = &cp
			continue
		}
		for _, p := range it.PoCs {
			if !hasPoC(cur, p.URL) {
				cur.PoCs = append(cur.PoCs, p)
			}
		}
		for _, r := range it.References {
			if !hasRef(cur, r.URL) {
				cur.References = append(cur.References, r)
			}
		}
	}
}

func hasPoC(item *engine.Item, url string) bool {
	for i := range item.PoCs {
		if item.PoCs[i].URL == url {
			return true
		}
	}
	return false
}

func hasRef(item *engine.Item, url string) bool {
	for i := range item.References {
		if item.References[i].URL == url {
			return true
		}
	}
	return false
}
