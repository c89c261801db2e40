package feed

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/amishk599/jobfeed/internal/model"
)

const rssTwoItems = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:dc="http://purl.org/dc/elements/1.1/">
  <channel>
    <title>Jobs</title>
    <item>
      <title>Backend Engineer</title>
      <guid isPermaLink="false">a1</guid>
      <dc:creator>Acme</dc:creator>
      <description><![CDATA[<p>Build &amp; ship</p>]]></description>
    </item>
    <item>
      <title>Frontend Engineer</title>
      <guid>a2</guid>
      <link>https://x/jobs/a2</link>
    </item>
  </channel>
</rss>`

func TestParse_RSSItems(t *testing.T) {
	items, err := Parse([]byte(rssTwoItems))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}

	guid, ok := items[0]["guid"].(map[string]any)
	if !ok {
		t.Fatalf("guid with attribute should be an object, got %T", items[0]["guid"])
	}
	if guid["_"] != "a1" || guid["isPermaLink"] != "false" {
		t.Errorf("guid = %v", guid)
	}
	if items[0]["dc:creator"] != "Acme" {
		t.Errorf("dc:creator = %v, want Acme", items[0]["dc:creator"])
	}
	if items[0]["description"] != "<p>Build &amp; ship</p>" {
		t.Errorf("description = %q", items[0]["description"])
	}
	if items[1]["guid"] != "a2" {
		t.Errorf("second guid = %v, want a2", items[1]["guid"])
	}
}

func TestParse_RSSSingleItemIsOneElementList(t *testing.T) {
	body := `<rss><channel><item><guid>only</guid><title>Solo</title></item></channel></rss>`
	items, err := Parse([]byte(body))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if items[0]["guid"] != "only" {
		t.Errorf("guid = %v", items[0]["guid"])
	}
}

func TestParse_AtomEntries(t *testing.T) {
	body := `<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Atom jobs</title>
  <entry>
    <id>urn:job:1</id>
    <title type="text">SRE</title>
    <link rel="alternate" href="https://x/jobs/1"/>
    <summary>Keep it up</summary>
  </entry>
  <entry>
    <id>urn:job:2</id>
    <title>DBA</title>
  </entry>
</feed>`
	items, err := Parse([]byte(body))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(items))
	}
	if items[0]["id"] != "urn:job:1" {
		t.Errorf("id = %v", items[0]["id"])
	}
	title, ok := items[0]["title"].(map[string]any)
	if !ok || title["_"] != "SRE" {
		t.Errorf("title = %v", items[0]["title"])
	}
	link, ok := items[0]["link"].(map[string]any)
	if !ok || link["href"] != "https://x/jobs/1" {
		t.Errorf("link = %v", items[0]["link"])
	}
}

func TestParse_RSSWinsOverAtom(t *testing.T) {
	items, err := Parse([]byte(`<rss><channel><item><id>r</id></item></channel></rss>`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(items) != 1 || items[0]["id"] != "r" {
		t.Errorf("items = %v", items)
	}
}

func TestParse_XMLWithoutCollectionIsEmpty(t *testing.T) {
	for _, body := range []string{
		`<rss><channel><title>nothing</title></channel></rss>`,
		`<rss><channel><item></item></channel></rss>`,
		`<opml><body/></opml>`,
	} {
		items, err := Parse([]byte(body))
		if err != nil {
			t.Fatalf("Parse(%q): %v", body, err)
		}
		if items == nil || len(items) != 0 {
			t.Errorf("Parse(%q) = %v, want empty non-nil slice", body, items)
		}
	}
}

func TestParse_JSONShapes(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		count int
		first string
	}{
		{"array", `[{"id":"1"},{"id":"2"}]`, 2, "1"},
		{"items field", `{"items":[{"id":"a"}],"next":null}`, 1, "a"},
		{"results field", `{"results":[{"id":"r1"},{"id":"r2"},{"id":"r3"}]}`, 3, "r1"},
		{"items object", `{"items":{"id":"single"}}`, 1, "single"},
		{"whole object", `{"id":"self","title":"Engineer"}`, 1, "self"},
		{"empty array", `  []  `, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := Parse([]byte(tt.body))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if len(items) != tt.count {
				t.Fatalf("expected %d items, got %d", tt.count, len(items))
			}
			if tt.count > 0 && items[0]["id"] != tt.first {
				t.Errorf("first id = %v, want %s", items[0]["id"], tt.first)
			}
		})
	}
}

func TestParse_JSONNumbersKeepPrecision(t *testing.T) {
	items, err := Parse([]byte(`[{"job_id": 9007199254740993}]`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	n, ok := items[0]["job_id"].(json.Number)
	if !ok || n.String() != "9007199254740993" {
		t.Errorf("job_id = %#v", items[0]["job_id"])
	}
}

func TestParse_Malformed(t *testing.T) {
	for _, body := range []string{
		"",
		"this is not a feed",
		"<rss><channel><item>",
		`{"items": [`,
		`"just a string"`,
		`42`,
	} {
		_, err := Parse([]byte(body))
		if err == nil {
			t.Errorf("Parse(%q): expected error", body)
			continue
		}
		if !errors.Is(err, model.ErrMalformedFeed) {
			t.Errorf("Parse(%q) error = %v, want ErrMalformedFeed", body, err)
		}
	}
}

func TestParse_LegacyCharsetAndEntities(t *testing.T) {
	body := "<?xml version=\"1.0\" encoding=\"ISO-8859-1\"?>\n" +
		"<rss xmlns:job=\"http://example.com/ns/job\"><channel><item>" +
		"<guid>c1</guid><title>Ing\xe9nieur&nbsp;Data</title>" +
		"<job:salary currency=\"EUR\">60000</job:salary>" +
		"</item></channel></rss>"

	items, err := Parse([]byte(body))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	it := items[0]
	if it["title"] != "Ingénieur\u00a0Data" {
		t.Errorf("title = %q", it["title"])
	}
	salary, ok := it["job:salary"].(map[string]any)
	if !ok {
		t.Fatalf("job:salary = %#v, want map", it["job:salary"])
	}
	if salary["_"] != "60000" || salary["currency"] != "EUR" {
		t.Errorf("job:salary = %#v", salary)
	}
	for k := range it {
		if strings.HasPrefix(k, "-") || strings.HasPrefix(k, "#") || strings.Contains(k, "xmlns") {
			t.Errorf("decoder key %q leaked into item", k)
		}
	}
}
