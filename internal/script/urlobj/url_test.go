package urlobj

import "testing"

func TestURL_Accessors(t *testing.T) {
	u, err := Parse("https://example.com:8443/a/b?x=1&y=2#frag")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if u.Protocol() != "https:" {
		t.Errorf("Protocol() = %q", u.Protocol())
	}
	if u.Hostname() != "example.com" {
		t.Errorf("Hostname() = %q", u.Hostname())
	}
	if u.Port() != "8443" {
		t.Errorf("Port() = %q", u.Port())
	}
	if u.Pathname() != "/a/b" {
		t.Errorf("Pathname() = %q", u.Pathname())
	}
	if u.Hash() != "#frag" {
		t.Errorf("Hash() = %q", u.Hash())
	}
}

func TestURLSearchParams_LiveWriteBack(t *testing.T) {
	u, err := Parse("https://example.com/?a=1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	params := u.SearchParams()
	params.Set("a", "2")
	params.Append("b", "3")

	if got := u.Search(); got != "?a=2&b=3" {
		t.Errorf("Search() = %q", got)
	}
}

func TestURLSearchParams_StaleAfterReparse(t *testing.T) {
	u, err := Parse("https://example.com/?a=1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	params := u.SearchParams()

	if err := u.SetHref("https://example.com/?a=9"); err != nil {
		t.Fatalf("SetHref: %v", err)
	}

	params.Set("a", "should-not-apply")
	if got := u.Search(); got != "?a=9" {
		t.Errorf("Search() = %q, stale params write should have been a no-op", got)
	}
}

func TestURLSearchParams_GetAllAndHas(t *testing.T) {
	u, err := Parse("https://example.com/?tag=a&tag=b")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	params := u.SearchParams()
	if !params.Has("tag") {
		t.Error("expected Has(\"tag\") to be true")
	}
	all := params.GetAll("tag")
	if len(all) != 2 {
		t.Errorf("GetAll(\"tag\") = %v, want 2 values", all)
	}
}
