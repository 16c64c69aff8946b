package metasploit

import (
	"testing"

	"github.com/cvelab/cvehub"
	"github.com/cvelab/cvehub/engine"
)

var sampleModule = []byte(`##
# This module requires Metasploit: https://metasploit.com/download
##

class MetasploitModule < Msf::Exploit::Remote
  Rank = ExcellentRanking

  def initialize(info = {})
    super(
      update_info(
        info,
        'Name' => 'Apache Log4Shell HTTP Header Injection',
        'Description' => %q{
          Versions of Apache Log4j2 impacted by CVE-2021-44228 which allow
          JNDI features to be exploited by attacker controlled endpoints.
        },
        'Author' => ['rwincey'],
        'References' => [
          ['CVE', '2021-44228'],
          ['CVE', '2021-45046'],
          ['URL', 'https://logging.apache.org/log4j/2.x/security.html']
        ],
        'DisclosureDate' => '2021-12-09'
      )
    )
  end
end
`)

func TestParseModule(t *testing.T) {
	t.Parallel()
	const blob = blobBase + "/modules/exploits/multi/http/log4shell_header_injection.rb"
	items := parseModule(sampleModule, blob)
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	got := items[0]
	if got.CVEID != "CVE-2021-44228" {
		t.Errorf("cve id: %q", got.CVEID)
	}
	if got.Title != "Apache Log4Shell HTTP Header Injection" {
		t.Errorf("title: %q", got.Title)
	}
	if got.Description == "" || got.Description[:8] != "Versions" {
		t.Errorf("description: %q", got.Description)
	}
	if len(got.References) != 1 || got.References[0].URL != "https://logging.apache.org/log4j/2.x/security.html" {
		t.Errorf("references: %+v", got.References)
	}
	if len(got.PoCs) != 1 || got.PoCs[0].Source != cvehub.SourceMetasploit || got.PoCs[0].URL != blob {
		t.Errorf("pocs: %+v", got.PoCs)
	}
	if items[1].CVEID != "CVE-2021-45046" {
		t.Errorf("second cve: %q", items[1].CVEID)
	}
}

func TestParseModuleNoCVE(t *testing.T) {
	t.Parallel()
	raw := []byte("'References' => [['URL', 'https://example.com']]")
	if items := parseModule(raw, "x"); items != nil {
		t.Fatalf("expected nil, got %+v", items)
	}
}

func TestMergeItems(t *testing.T) {
	t.Parallel()
	grouped := make(map[string]*engine.Item)
	mergeItems(grouped, parseModule(sampleModule, "https://example.com/mod_a.rb"))
	mergeItems(grouped, parseModule(sampleModule, "https://example.com/mod_b.rb"))

	item := grouped["CVE-2021-44228"]
	if item == nil {
		t.Fatal("missing CVE-2021-44228")
	}
	if len(item.PoCs) != 2 {
		t.Errorf("pocs not accumulated: %+v", item.PoCs)
	}
	if len(item.References) != 1 {
		t.Errorf("references duplicated: %+v", item.References)
	}
}
