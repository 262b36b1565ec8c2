package model

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestContentValidate(t *testing.T) {
	t.Parallel()
	photos := func(n int) []MediaItem {
		out := make([]MediaItem, n)
		for i := range out {
			out[i] = MediaItem{Kind: MediaPhoto, Path: "p.jpg"}
		}
		return out
	}
	tests := []struct {
		name string
		c    Content
		want string
	}{
		{"text only", Content{Text: "hi"}, ""},
		{"button", Content{Text: "hi", ButtonText: "Shop", ButtonURL: "https://x"}, ""},
		{"album", Content{Text: "hi", Media: photos(10)}, ""},
		{"half button", Content{Text: "hi", ButtonText: "Shop"}, "set together"},
		{"http button", Content{Text: "hi", ButtonText: "Shop", ButtonURL: "http://x"}, "https"},
		{"too many media", Content{Media: photos(11)}, "at most 10"},
		{"long caption", Content{Text: strings.Repeat("я", 1025), Media: photos(1)}, "at most 1024"},
		{"empty", Content{}, "text is required"},
		{"bad kind", Content{Media: []MediaItem{{Kind: "audio", Path: "a.mp3"}}}, "unsupported kind"},
		{"voice by file id", Content{Text: "listen", Media: []MediaItem{{Kind: MediaVoice, FileID: "v1"}}}, ""},
		{"video note by file id", Content{Media: []MediaItem{{Kind: MediaVideoNote, FileID: "n1"}}}, ""},
		{"file id without kind", Content{Media: []MediaItem{{FileID: "v1"}}}, "no kind"},
		{"voice in album", Content{Media: append(photos(1), MediaItem{Kind: MediaVoice, FileID: "v1"})}, "sent alone"},
		{"video note caption", Content{Text: "hi", Media: []MediaItem{{Kind: MediaVideoNote, FileID: "n1"}}}, "no caption"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.c.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate() = %v", err)
				}
				return
			}
			if !errors.Is(err, ErrInvalidContent) || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestHasButtonNeedsBothFields(t *testing.T) {
	t.Parallel()
	if (Content{ButtonText: "a"}).HasButton() || (Content{ButtonURL: "https://x"}).HasButton() {
		t.Fatal("half-filled button must not count")
	}
	if !(Content{ButtonText: "a", ButtonURL: "https://x"}).HasButton() {
		t.Fatal("full button must count")
	}
}

func TestScenarioNext(t *testing.T) {
	t.Parallel()
	sc := Scenario{Steps: []ScenarioStep{{ID: 10, Seq: 1}, {ID: 11, Seq: 2}, {ID: 12, Seq: 3}}}
	if st, ok := sc.Next(10); !ok || st.ID != 11 {
		t.Fatalf("Next(10) = %v, %v", st.ID, ok)
	}
	if _, ok := sc.Next(12); ok {
		t.Fatal("Next(last) should be false")
	}
	if _, ok := sc.Step(99); ok {
		t.Fatal("Step(unknown) should be false")
	}
}

func TestJobPayload(t *testing.T) {
	t.Parallel()
	j, err := NewJob("j1", JobStepUnit, StepUnit{ScenarioID: 1, StepID: 2, RecipientID: 3}, time.Unix(100, 0))
	if err != nil {
		t.Fatal(err)
	}
	var u StepUnit
	if err := j.Decode(&u); err != nil || u.StepID != 2 || u.RecipientID != 3 {
		t.Fatalf("Decode = %+v, %v", u, err)
	}
	bad := Job{ID: "j2", Kind: JobMailingUnit, Payload: []byte("{")}
	if err := bad.Decode(&MailingUnit{}); err == nil {
		t.Fatal("expected decode error")
	}
}
