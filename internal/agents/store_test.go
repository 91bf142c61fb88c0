package agents

import "testing"

func TestCreateFilesRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())

	if _, err := s.Create(Definition{ID: "helper", Name: "Helper"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create(Definition{ID: "helper"}); err == nil {
		t.Fatal("duplicate create must fail")
	}

	// Fresh agent: well-known files are listed as missing.
	files, err := s.ListFiles("helper")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != len(WellKnownFiles) {
		t.Fatalf("files = %d, want %d", len(files), len(WellKnownFiles))
	}
	for _, f := range files {
		if !f.Missing {
			t.Fatalf("file %s should be missing", f.Name)
		}
	}

	if err := s.SetFile("helper", "prompt.md", "be helpful"); err != nil {
		t.Fatal(err)
	}
	content, missing, err := s.GetFile("helper", "prompt.md")
	if err != nil || missing || content != "be helpful" {
		t.Fatalf("get = (%q, %v, %v)", content, missing, err)
	}

	files, _ = s.ListFiles("helper")
	for _, f := range files {
		if f.Name == "prompt.md" && f.Missing {
			t.Fatal("written file still reported missing")
		}
	}
}

func TestUpdateAndDelete(t *testing.T) {
	s := NewStore(t.TempDir())
	s.Create(Definition{ID: "a", Name: "old"})

	updated, err := s.Update(Definition{ID: "a", Name: "new", Model: "claude-opus"})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Name != "new" || updated.Model != "claude-opus" {
		t.Fatalf("updated = %+v", updated)
	}

	if err := s.Delete("a"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("a"); err == nil {
		t.Fatal("second delete must fail")
	}
	if got := s.List(); len(got) != 0 {
		t.Fatalf("list = %d after delete", len(got))
	}
}

func TestPathTraversalRejected(t *testing.T) {
	s := NewStore(t.TempDir())
	s.Create(Definition{ID: "a"})

	if _, err := s.Create(Definition{ID: "../evil"}); err == nil {
		t.Fatal("traversal id must be rejected")
	}
	if err := s.SetFile("a", "../escape.md", "x"); err == nil {
		t.Fatal("traversal file name must be rejected")
	}
	if err := s.SetFile("a", "agent.json", "{}"); err == nil {
		t.Fatal("definition file must not be writable through SetFile")
	}
}
