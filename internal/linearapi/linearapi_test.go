package linearapi

import "testing"

func TestParseIssueURL(t *testing.T) {
	ref, ok := ParseIssueURL("https://acme.linear.app/eng-team/issue/eng-123/fix-the-thing")
	if !ok {
		t.Fatal("expected url to parse")
	}
	if ref.TeamSlug != "eng-team" {
		t.Fatalf("unexpected team slug %q", ref.TeamSlug)
	}
	if ref.Identifier != "ENG-123" {
		t.Fatalf("expected normalized uppercase identifier, got %q", ref.Identifier)
	}
}

func TestParseIssueURLWithoutWorkspaceSubdomain(t *testing.T) {
	ref, ok := ParseIssueURL("https://linear.app/eng-team/issue/ENG-123/fix-the-thing")
	if !ok {
		t.Fatal("expected url to parse")
	}
	if ref.Identifier != "ENG-123" {
		t.Fatalf("unexpected identifier %q", ref.Identifier)
	}
}

func TestParseIssueURLRejectsOtherShapes(t *testing.T) {
	for _, c := range []string{
		"https://linear.app/eng-team/issue/123/fix-the-thing",
		"https://example.com/eng-team/issue/ENG-123/fix-the-thing",
		"not a url",
	} {
		if _, ok := ParseIssueURL(c); ok {
			t.Fatalf("expected %q to be rejected", c)
		}
	}
}
