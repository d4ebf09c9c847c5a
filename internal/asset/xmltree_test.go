package asset

import (
	"strings"
	"testing"
)

func TestParseXMLTree(t *testing.T) {
	body := `<CuttingTool serialNumber="1" toolId="KSSP300R4SD43L240">
  <CuttingToolLifeCycle>
    <ToolLife type="MINUTES">100</ToolLife>
    <CutterStatus><Status>NEW</Status></CutterStatus>
  </CuttingToolLifeCycle>
</CuttingTool>`

	tree, err := ParseXML(body)
	if err != nil {
		t.Fatalf("ParseXML: %v", err)
	}
	if tree.Name != "CuttingTool" {
		t.Errorf("root = %q", tree.Name)
	}
	if len(tree.Attrs) != 2 || tree.Attrs[0].Value != "1" {
		t.Errorf("attrs = %+v", tree.Attrs)
	}
	life := tree.Find("ToolLife")
	if life == nil || life.Text != "100" {
		t.Fatalf("ToolLife = %+v", life)
	}
	status := tree.Find("Status")
	if status == nil || status.Text != "NEW" {
		t.Fatalf("Status = %+v", status)
	}
}

func TestParseXMLRejectsGarbage(t *testing.T) {
	for _, body := range []string{
		"not xml at all",
		"<Open>",
		"<A></B>",
		"",
	} {
		if _, err := ParseXML(body); err == nil {
			t.Errorf("ParseXML(%q) succeeded", body)
		}
	}
}

func TestFindIsDepthFirstFirstMatch(t *testing.T) {
	tree, err := ParseXML(`<Root><A><Target>first</Target></A><Target>second</Target></Root>`)
	if err != nil {
		t.Fatalf("ParseXML: %v", err)
	}
	if got := tree.Find("Target").Text; got != "first" {
		t.Errorf("Find returned %q, want the depth-first match", got)
	}
}

func TestReplaceChild(t *testing.T) {
	tree, err := ParseXML(`<Root><A><ToolLife>100</ToolLife></A></Root>`)
	if err != nil {
		t.Fatalf("ParseXML: %v", err)
	}
	repl := &Node{Name: "ToolLife", Text: "250"}
	if !tree.ReplaceChild(repl) {
		t.Fatal("ReplaceChild found no match")
	}
	if got := tree.Find("ToolLife").Text; got != "250" {
		t.Errorf("after replace = %q", got)
	}
	if tree.ReplaceChild(&Node{Name: "NoSuch"}) {
		t.Error("ReplaceChild matched a missing element")
	}
}

func TestCloneIsDeep(t *testing.T) {
	tree, _ := ParseXML(`<Root><Leaf>x</Leaf></Root>`)
	clone := tree.Clone()
	clone.Find("Leaf").Text = "changed"
	if tree.Find("Leaf").Text != "x" {
		t.Error("mutating the clone leaked into the original")
	}
}

func TestWriteXMLMultiStatus(t *testing.T) {
	// A comma-separated text field serializes as repeated elements of the
	// same tag, order preserved.
	n := &Node{Name: "CutterStatus", Text: "USED,AVAILABLE"}
	out := n.String()
	want := "<CutterStatus>USED</CutterStatus><CutterStatus>AVAILABLE</CutterStatus>"
	if out != want {
		t.Errorf("multi-status = %q, want %q", out, want)
	}
}

func TestWriteXMLRoundTrip(t *testing.T) {
	body := `<CuttingTool toolId="T1"><ToolLife type="MINUTES">100</ToolLife><Empty/></CuttingTool>`
	tree, err := ParseXML(body)
	if err != nil {
		t.Fatalf("ParseXML: %v", err)
	}
	out := tree.String()
	reparsed, err := ParseXML(out)
	if err != nil {
		t.Fatalf("reparse %q: %v", out, err)
	}
	if reparsed.Find("ToolLife").Text != "100" {
		t.Errorf("round trip lost text: %q", out)
	}
	if !strings.Contains(out, `toolId="T1"`) {
		t.Errorf("round trip lost attribute: %q", out)
	}
}
