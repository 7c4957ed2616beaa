package nostr

import (
	"errors"
	"nostr-mirror/pkg/mirror"
	"reflect"
	"strings"
	"testing"
	"time"
)

const (
	testNsec   = "nsec1vl029mgpspedva04g90vltkh6fvh240zqtv9k0t9af8935ke9laqsnlfe5"
	testHexKey = "67dea2ed018072d675f5415ecfaed7d2597555e202d85b3d65ea4e58d2d92ffa"
)

func TestParsePrivateKey(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "hex", input: testHexKey},
		{name: "hex with whitespace", input: "  " + testHexKey + "\n"},
		{name: "uppercase hex", input: strings.ToUpper(testHexKey)},
		{name: "nsec", input: testNsec},
		{name: "empty", input: "", wantErr: true},
		{name: "short hex is not padded", input: testHexKey[2:], wantErr: true},
		{name: "long hex", input: testHexKey + "00", wantErr: true},
		{name: "not hex", input: strings.Repeat("zz", 32), wantErr: true},
		{name: "zero scalar", input: strings.Repeat("0", 64), wantErr: true},
		{name: "scalar equal to curve order", input: "fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141", wantErr: true},
		{name: "bad nsec checksum", input: testNsec[:len(testNsec)-1] + "q", wantErr: true},
		{name: "npub instead of nsec", input: "npub180cvv07tjdrrgpa0j7j7tmnyl2yr6yr7l8j4s3evf6u64th6gkwsyjh6w6", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := ParsePrivateKey(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidKey) {
					t.Errorf("ParsePrivateKey(%q) error = %v, want ErrInvalidKey", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePrivateKey(%q) unexpected error: %v", tt.input, err)
			}
			if len(key.PublicKey()) != 64 {
				t.Errorf("PublicKey() length = %d, want 64", len(key.PublicKey()))
			}
		})
	}
}

func TestNsecMatchesHex(t *testing.T) {
	fromNsec, err := ParsePrivateKey(testNsec)
	if err != nil {
		t.Fatalf("parse nsec: %v", err)
	}
	fromHex, err := ParsePrivateKey(testHexKey)
	if err != nil {
		t.Fatalf("parse hex: %v", err)
	}
	if fromNsec.PublicKey() != fromHex.PublicKey() {
		t.Errorf("nsec and hex give different public keys: %s != %s", fromNsec.PublicKey(), fromHex.PublicKey())
	}
}

func TestPublicKeyDerivation(t *testing.T) {
	// BIP-340 test vector 0.
	key, err := ParsePrivateKey(strings.Repeat("0", 63) + "3")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := "f9308a019258c31049344f85f89d5229b531c845836f99b08601f113bce036f9"
	if got := key.PublicKey(); got != want {
		t.Errorf("PublicKey() = %s, want %s", got, want)
	}

	npub, err := key.NPub()
	if err != nil {
		t.Fatalf("NPub: %v", err)
	}
	if !strings.HasPrefix(npub, "npub1") || len(npub) != 63 {
		t.Errorf("NPub() = %q, want 63-char npub1 string", npub)
	}
}

func TestSerialize(t *testing.T) {
	ev := &Event{
		PubKey:    "abc",
		CreatedAt: 1700000000,
		Kind:      KindTextNote,
		Tags:      [][]string{{"t", "btc"}, {"r", "https://x.test/a?b=1&c=<d>"}},
		Content:   "line \"one\"\nline\ttwo \\ <b>&</b> שלום \x01",
	}
	want := `[0,"abc",1700000000,1,[["t","btc"],["r","https://x.test/a?b=1&c=<d>"]],"line \"one\"\nline\ttwo \\ <b>&</b> שלום \u0001"]`
	if got := string(ev.Serialize()); got != want {
		t.Errorf("Serialize() =\n%s\nwant\n%s", got, want)
	}

	empty := &Event{PubKey: "abc", Kind: KindTextNote}
	if got, want := string(empty.Serialize()), `[0,"abc",0,1,[],""]`; got != want {
		t.Errorf("Serialize() of empty event = %s, want %s", got, want)
	}
}

func TestSignAndVerify(t *testing.T) {
	key, err := ParsePrivateKey(testHexKey)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	ev := &Event{CreatedAt: 1700000000, Kind: KindTextNote, Tags: [][]string{{"t", "nostr"}}, Content: "hello"}
	if err := ev.Sign(key); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if len(ev.ID) != 64 || len(ev.Sig) != 128 {
		t.Fatalf("unexpected id/sig lengths: %d/%d", len(ev.ID), len(ev.Sig))
	}
	if err := ev.Verify(); err != nil {
		t.Errorf("Verify() on fresh event: %v", err)
	}

	again := &Event{CreatedAt: 1700000000, Kind: KindTextNote, Tags: [][]string{{"t", "nostr"}}, Content: "hello"}
	if err := again.Sign(key); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if again.ID != ev.ID || again.Sig != ev.Sig {
		t.Errorf("re-signing identical input changed output: %s/%s vs %s/%s", again.ID, again.Sig, ev.ID, ev.Sig)
	}

	tampered := *ev
	tampered.Content = "hello!"
	if err := tampered.Verify(); err == nil {
		t.Error("Verify() accepted tampered content")
	}

	badSig := *ev
	badSig.Sig = strings.Repeat("0", 128)
	if err := badSig.Verify(); err == nil {
		t.Error("Verify() accepted zero signature")
	}
}

func TestTags(t *testing.T) {
	c := mirror.Content{
		Hashtags:  []string{"btc", "nostr"},
		Mentions:  []string{"alice"},
		Links:     []string{"https://x.test/a"},
		Permalink: "https://twitter.com/someone/status/A",
		Media: []mirror.Attachment{
			{URL: "https://pbs.twimg.com/media/one.jpg", MIMEHint: "image/jpeg"},
			{URL: "https://pbs.twimg.com/media/two"},
		},
	}
	want := [][]string{
		{"t", "btc"},
		{"t", "nostr"},
		{"p", "alice"},
		{"r", "https://x.test/a"},
		{"r", "https://twitter.com/someone/status/A"},
		{"image", "https://pbs.twimg.com/media/one.jpg", "image/jpeg"},
		{"image", "https://pbs.twimg.com/media/two"},
	}
	if got := Tags(c); !reflect.DeepEqual(got, want) {
		t.Errorf("Tags() = %q, want %q", got, want)
	}

	if got := Tags(mirror.Content{Body: "plain"}); got == nil || len(got) != 0 {
		t.Errorf("Tags() of plain content = %#v, want empty non-nil slice", got)
	}
}

func TestBuild(t *testing.T) {
	key, err := ParsePrivateKey(testNsec)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	b := NewBuilder(key)
	fixed := time.Date(2024, 11, 1, 10, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return fixed }

	c := mirror.Content{
		Body:      "Love this #btc https://x.test/a\n\n🔗 https://twitter.com/someone/status/A",
		Hashtags:  []string{"btc"},
		Links:     []string{"https://x.test/a"},
		Permalink: "https://twitter.com/someone/status/A",
	}
	ev, err := b.Build(c)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if ev.Kind != KindTextNote {
		t.Errorf("Kind = %d, want %d", ev.Kind, KindTextNote)
	}
	if ev.CreatedAt != fixed.Unix() {
		t.Errorf("CreatedAt = %d, want %d", ev.CreatedAt, fixed.Unix())
	}
	if ev.Content != c.Body {
		t.Errorf("Content = %q, want %q", ev.Content, c.Body)
	}
	if ev.PubKey != b.PublicKey() {
		t.Errorf("PubKey = %s, want %s", ev.PubKey, b.PublicKey())
	}
	wantTags := [][]string{{"t", "btc"}, {"r", "https://x.test/a"}, {"r", "https://twitter.com/someone/status/A"}}
	if !reflect.DeepEqual(ev.Tags, wantTags) {
		t.Errorf("Tags = %q, want %q", ev.Tags, wantTags)
	}
	if err := ev.Verify(); err != nil {
		t.Errorf("Verify(): %v", err)
	}

	again, err := b.Build(c)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if again.ID != ev.ID || again.Sig != ev.Sig {
		t.Error("identical content at the same instant produced a different event")
	}
}
