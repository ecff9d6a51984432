package detect

import "testing"

func TestDictionary_ExactMatch(t *testing.T) {
	d, err := NewDictionary([]DictionaryEntry{
		{Term: "Acme Corp", Category: "ORG", CaseSensitive: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	dets := d.Detect("Please contact Acme Corp about the invoice.")
	if len(dets) != 1 {
		t.Fatalf("got %d detections, want 1: %+v", len(dets), dets)
	}
	if dets[0].Category != "DICTIONARY:ORG" {
		t.Errorf("Category: got %s", dets[0].Category)
	}
	if dets[0].Confidence != 1.0 {
		t.Errorf("Confidence: got %f, want 1.0", dets[0].Confidence)
	}
}

func TestDictionary_CaseInsensitive(t *testing.T) {
	d, err := NewDictionary([]DictionaryEntry{
		{Term: "project nightingale", Category: "CODENAME", CaseSensitive: false},
	})
	if err != nil {
		t.Fatal(err)
	}
	dets := d.Detect("We discussed PROJECT NIGHTINGALE yesterday.")
	if len(dets) != 1 {
		t.Fatalf("got %d detections, want 1: %+v", len(dets), dets)
	}
}

func TestDictionary_CaseSensitive_NoMatchOnDifferentCase(t *testing.T) {
	d, err := NewDictionary([]DictionaryEntry{
		{Term: "Acme Corp", Category: "ORG", CaseSensitive: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	dets := d.Detect("acme corp is not the same token")
	if len(dets) != 0 {
		t.Errorf("expected no match for differently-cased text, got %+v", dets)
	}
}

func TestDictionary_LongestOverlapWins(t *testing.T) {
	d, err := NewDictionary([]DictionaryEntry{
		{Term: "John", Category: "GIVEN_NAME", CaseSensitive: true},
		{Term: "John Smith", Category: "FULL_NAME", CaseSensitive: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	dets := d.Detect("John Smith called.")
	if len(dets) != 1 {
		t.Fatalf("got %d detections, want 1: %+v", len(dets), dets)
	}
	if dets[0].Category != "DICTIONARY:FULL_NAME" {
		t.Errorf("expected the longer term to win, got %+v", dets[0])
	}
}

func TestDictionary_NoMatch(t *testing.T) {
	d, err := NewDictionary([]DictionaryEntry{{Term: "foo", Category: "X"}})
	if err != nil {
		t.Fatal(err)
	}
	if dets := d.Detect("nothing relevant here"); len(dets) != 0 {
		t.Errorf("expected no detections, got %+v", dets)
	}
}

func TestDictionary_EmptyText(t *testing.T) {
	d, err := NewDictionary([]DictionaryEntry{{Term: "foo", Category: "X"}})
	if err != nil {
		t.Fatal(err)
	}
	if dets := d.Detect(""); len(dets) != 0 {
		t.Errorf("expected no detections on empty text, got %+v", dets)
	}
}

func TestDictionary_NilReceiver(t *testing.T) {
	var d *Dictionary
	if dets := d.Detect("anything"); dets != nil {
		t.Errorf("nil dictionary should return nil detections, got %+v", dets)
	}
}

func TestDictionary_MixedCaseSensitivity_BothMatchTheirOwnHaystack(t *testing.T) {
	d, err := NewDictionary([]DictionaryEntry{
		{Term: "Acme Corp", Category: "ORG", CaseSensitive: true},
		{Term: "project nightingale", Category: "CODENAME", CaseSensitive: false},
	})
	if err != nil {
		t.Fatal(err)
	}
	dets := d.Detect("Acme Corp is running PROJECT NIGHTINGALE this quarter.")
	if len(dets) != 2 {
		t.Fatalf("got %d detections, want 2: %+v", len(dets), dets)
	}
	var gotOrg, gotCodename bool
	for _, det := range dets {
		switch det.Category {
		case "DICTIONARY:ORG":
			gotOrg = true
			if det.Text != "Acme Corp" {
				t.Errorf("ORG text: got %q", det.Text)
			}
		case "DICTIONARY:CODENAME":
			gotCodename = true
			if det.Text != "PROJECT NIGHTINGALE" {
				t.Errorf("CODENAME text: got %q, want original-case substring", det.Text)
			}
		}
	}
	if !gotOrg || !gotCodename {
		t.Errorf("expected both ORG and CODENAME hits, got %+v", dets)
	}
}
