package emergingthreats

import (
	"bufio"
	"io"
	"regexp"
	"sort"
	"strings"

	"github.com/cvelab/cvehub"
	"github.com/cvelab/cvehub/engine"
)

var (
	sidRe = regexp.MustCompile(`sid:\s*(\d+)\s*;`)
	msgRe = regexp.MustCompile(`msg:\s*"([^"]*)"`)
	cveRe = regexp.MustCompile(`reference:\s*cve,\s*(\d{4}-\d{4,})\s*;`)
	urlRe = regexp.MustCompile(`reference:\s*url,\s*([^;]+);`)

	// Stripped from the stored rule body; the document carries these as
	// structured fields instead.
	noiseRe = regexp.MustCompile(`\s*(?:reference|metadata):[^;]*;`)
)

// parseRules reads an "all rules" file and groups the CVE-referencing
// rules into one canonical item per CVE. Rules without a cve reference
// are skipped.
func parseRules(r io.Reader) (map[string]*engine.Item, error) {
	items := make(map[string]*engine.Item)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "alert") {
			continue
		}
		cves := cveRe.FindAllStringSubmatch(line, -1)
		if len(cves) == 0 {
			continue
		}

		var sid, msg string
		if m := sidRe.FindStringSubmatch(line); m != nil {
			sid = m[1]
		}
		if m := msgRe.FindStringSubmatch(line); m != nil {
			msg = m[1]
		}
		var urls []string
		for _, m := range urlRe.FindAllStringSubmatch(line, -1) {
			urls = append(urls, normalizeURL(strings.TrimSpace(m[1])))
		}
		body := strings.TrimSpace(noiseRe.ReplaceAllString(line, ""))

		for _, m := range cves {
			id := "CVE-" + m[1]
			item, ok := items[id]
			if !ok {
				item = &engine.Item{CVEID: id, Title: id}
				items[id] = item
			}
			addRule(item, cvehub.SnortRule{
				Rule:        body,
				Type:        "alert",
				SID:         sid,
				Description: msg,
			})
			for _, u := range urls {
				addReference(item, u)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// flatten orders grouped items by id for deterministic saves.
func flatten(items map[string]*engine.Item) []engine.Item {
	out := make([]engine.Item, 0, len(items))
	for _, item := range items {
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CVEID < out[j].CVEID })
	return out
}

func addRule(item *engine.Item, r cvehub.SnortRule) {
	for i := range item.SnortRules {
		if r.SID != "" && item.SnortRules[i].SID == r.SID {
			return
		}
		if r.SID == "" && item.SnortRules[i].Rule == r.Rule {
			return
		}
	}
	item.SnortRules = append(item.SnortRules, r)
}

func addReference(item *engine.Item, url string) {
	for i := range item.References {
		if item.References[i].URL == url {
			return
		}
	}
	item.References = append(item.References, cvehub.Reference{
		URL:  url,
		Type: cvehub.RefOther,
	})
}

// normalizeURL completes the scheme-less urls the rules feed carries.
func normalizeURL(u string) string {
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	return "https://" + u
}
