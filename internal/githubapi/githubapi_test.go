package githubapi

import "testing"

func TestParseRemoteURLHTTPS(t *testing.T) {
	cases := []string{
		"https://github.com/acme/widgets",
		"https://github.com/acme/widgets.git",
		"https://github.com/acme/widgets/",
		"HTTPS://GITHUB.COM/acme/widgets.git",
	}
	for _, c := range cases {
		ref, ok := ParseRemoteURL(c)
		if !ok {
			t.Fatalf("expected %q to parse", c)
		}
		if ref.Owner != "acme" {
			t.Fatalf("expected owner acme, got %q for %q", ref.Owner, c)
		}
		if ref.Repo != "widgets" {
			t.Fatalf("expected repo widgets, got %q for %q", ref.Repo, c)
		}
	}
}

func TestParseRemoteURLSSH(t *testing.T) {
	ref, ok := ParseRemoteURL("git@github.com:acme/widgets.git")
	if !ok {
		t.Fatal("expected ssh remote to parse")
	}
	if ref.Owner != "acme" || ref.Repo != "widgets" {
		t.Fatalf("unexpected ref: %+v", ref)
	}
}

func TestParseRemoteURLRejectsNonGitHub(t *testing.T) {
	for _, c := range []string{
		"https://gitlab.com/acme/widgets",
		"not a url",
		"git@bitbucket.org:acme/widgets.git",
	} {
		if _, ok := ParseRemoteURL(c); ok {
			t.Fatalf("expected %q to be rejected", c)
		}
	}
}

func TestMyPullRequestsURLDefaultsToAtMe(t *testing.T) {
	ref := RemoteRef{Owner: "acme", Repo: "widgets"}
	got := MyPullRequestsURL(ref, "")
	want := "https://github.com/acme/widgets/pulls?q=is%3Apr+is%3Aopen+author%3A%40me"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestMyPullRequestsURLUsesViewerLogin(t *testing.T) {
	ref := RemoteRef{Owner: "acme", Repo: "widgets"}
	got := MyPullRequestsURL(ref, "octocat")
	want := "https://github.com/acme/widgets/pulls?q=is%3Apr+is%3Aopen+author%3Aoctocat"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
