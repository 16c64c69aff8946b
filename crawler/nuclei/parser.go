package nuclei

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cvelab/cvehub"
	"github.com/cvelab/cvehub/engine"
)

// template is the subset of a nuclei template the crawler reads.
type template struct {
	Info struct {
		Name        string  `yaml:"name"`
		Description string  `yaml:"description"`
		Severity    string  `yaml:"severity"`
		Reference   strList `yaml:"reference"`
	} `yaml:"info"`
}

// strList tolerates both the scalar and the sequence form the reference
// key appears in across the template corpus.
type strList []string

func (l *strList) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		var s string
		if err := n.Decode(&s); err != nil {
			return err
		}
		*l = strList{s}
		return nil
	case yaml.SequenceNode:
		var s []string
		if err := n.Decode(&s); err != nil {
			return err
		}
		*l = strList(s)
		return nil
	}
	return fmt.Errorf("unexpected yaml node kind %d for reference", n.Kind)
}

// digestPrefix introduces the signed-template digest trailer.
const digestPrefix = "# digest: "

// trailingDigest returns the value of the last "# digest:" line, the
// upstream content hash used as the change-detection shortcut.
func trailingDigest(raw []byte) string {
	var digest string
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := sc.Text(); strings.HasPrefix(line, digestPrefix) {
			digest = strings.TrimSpace(strings.TrimPrefix(line, digestPrefix))
		}
	}
	return digest
}

func classifyReference(url string) cvehub.ReferenceType {
	switch {
	case strings.Contains(url, "nvd.nist.gov"):
		return cvehub.RefNVD
	case strings.Contains(url, "exploit-db.com"):
		return cvehub.RefExploit
	default:
		return cvehub.RefOther
	}
}

// parseTemplate turns one template file into a canonical item. The CVE id
// comes from the filename when possible, from info.name otherwise; files
// without one are skipped with a nil item.
func parseTemplate(raw []byte, year, filename, blobBase string) (*engine.Item, error) {
	id := cvehub.IDPattern.FindString(strings.ToUpper(filename))
	var tpl template
	if err := yaml.Unmarshal(raw, &tpl); err != nil {
		return nil, fmt.Errorf("failed to decode template %q: %w", filename, err)
	}
	if id == "" {
		id = cvehub.IDPattern.FindString(strings.ToUpper(tpl.Info.Name))
	}
	if id == "" {
		return nil, nil
	}

	item := engine.Item{
		CVEID:       id,
		Title:       tpl.Info.Name,
		Description: strings.TrimSpace(tpl.Info.Description),
		Severity:    tpl.Info.Severity,
		SourceHash:  trailingDigest(raw),
	}
	for _, url := range tpl.Info.Reference {
		if url == "" {
			continue
		}
		item.References = append(item.References, cvehub.Reference{
			URL:  url,
			Type: classifyReference(url),
		})
	}
	item.PoCs = []cvehub.ProofOfConcept{{
		Source:      cvehub.SourceNucleiTemplates,
		URL:         fmt.Sprintf("%s/http/cves/%s/%s", blobBase, year, filename),
		Description: tpl.Info.Name,
	}}
	return &item, nil
}
