package conversation

import "testing"

func TestDrafts(t *testing.T) {
	d := NewDrafts()
	d.AppendStreamingContent("a", "hel")
	d.AppendStreamingContent("b", "other")
	d.AppendStreamingContent("a", "lo")

	if got, ok := d.StreamingMessage("a"); !ok || got != "hello" {
		t.Fatalf("StreamingMessage(a) = %q, %v", got, ok)
	}
	if got := d.FinalizeResponse("a"); got != "hello" {
		t.Fatalf("FinalizeResponse(a) = %q", got)
	}
	if _, ok := d.StreamingMessage("a"); ok {
		t.Fatal("draft survived FinalizeResponse")
	}
	if got := d.FinalizeResponse("a"); got != "" {
		t.Fatalf("second FinalizeResponse = %q", got)
	}

	s := "replaced"
	d.SetStreamingMessage("b", &s)
	if got, _ := d.StreamingMessage("b"); got != "replaced" {
		t.Fatalf("after set = %q", got)
	}
	d.SetStreamingMessage("b", nil)
	if _, ok := d.StreamingMessage("b"); ok {
		t.Fatal("nil did not clear draft")
	}
}

func TestDraftsRename(t *testing.T) {
	d := NewDrafts()
	d.AppendStreamingContent("__pending__", "first ")
	d.AppendStreamingContent("conv-1", "second")
	d.Rename("__pending__", "conv-1")

	if _, ok := d.StreamingMessage("__pending__"); ok {
		t.Fatal("old key still present")
	}
	if got, _ := d.StreamingMessage("conv-1"); got != "first second" {
		t.Fatalf("renamed draft = %q", got)
	}

	d.Rename("missing", "conv-2")
	if _, ok := d.StreamingMessage("conv-2"); ok {
		t.Fatal("renaming a missing draft created one")
	}
}
