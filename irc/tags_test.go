package irc

import (
	"reflect"
	"testing"
)

func TestUnescapeTagValue(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{`hello\sworld`, "hello world"},
		{`a\:b`, "a;b"},
		{`back\\slash`, `back\slash`},
		{`line\r\nbreak`, "line\r\nbreak"},
		{`unknown\qescape`, "unknownqescape"},
		{`trailing\`, "trailing"},
		{`plain`, "plain"},
	}
	for _, c := range cases {
		if got := unescapeTagValue(c.in); got != c.want {
			t.Fatalf("unescape %q: expected %q, got %q", c.in, c.want, got)
		}
	}
}

func TestParseTagsDropsMalformedPairs(t *testing.T) {
	tags := parseTags(`display-name=Some\sUser;;=orphan;flag;id=abc`)
	if tags["display-name"] != "Some User" {
		t.Fatalf("expected display-name 'Some User', got %q", tags["display-name"])
	}
	if tags["id"] != "abc" {
		t.Fatalf("expected id 'abc', got %q", tags["id"])
	}
	// A key with no '=' is a valid empty-value tag; an empty key is not.
	if _, ok := tags["flag"]; !ok {
		t.Fatal("expected bare key 'flag' to be kept with empty value")
	}
	if _, ok := tags[""]; ok {
		t.Fatal("expected empty key to be dropped")
	}
}

func TestParseBadgeKeys(t *testing.T) {
	got := ParseBadgeKeys("subscriber/12,vip/1,founder,subscriber/12")
	want := []string{"subscriber/12", "vip/1", "founder"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if got := ParseBadgeKeys(""); got != nil {
		t.Fatalf("expected nil for empty tag, got %v", got)
	}
}
